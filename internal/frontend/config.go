package frontend

import "time"

// PoolMode selects when a client's checked-out backend(s) return to the pool, per
// §4.11's "session pooling mode" / "transaction pooling mode" / "statement pooling mode".
type PoolMode int

const (
	// PoolTransaction: backends are checked out on the first statement of a transaction
	// (or a single non-transactional statement) and returned at the next Idle transition.
	PoolTransaction PoolMode = iota
	// PoolSession: nothing is checked out at login. The backends a transaction checks out
	// are not returned when it ends and stay pinned for the rest of the connection;
	// statements outside a transaction still use per-statement checkouts.
	PoolSession
	// PoolStatement: backends are checked out and returned per statement; transaction
	// control statements (BEGIN/COMMIT/ROLLBACK) are rejected outright.
	PoolStatement
)

// AuthMethod selects how the frontend handshake authenticates an incoming client.
type AuthMethod int

const (
	AuthTrust AuthMethod = iota
	AuthCleartextPassword
	AuthMD5Password
)

// Config holds the per-listener knobs a Session is built with.
type Config struct {
	Database   string
	AuthMethod AuthMethod
	// Users maps username -> expected password (cleartext/MD5 comparison happens in
	// session.go's authenticate, using auth_hash.go's md5AuthHash; for AuthMD5Password the stored value is still the plaintext password,
	// since the MD5 challenge needs it to compute the expected hash per connection salt).
	Users map[string]string

	Mode ReadWriteSplitConfig

	PoolMode PoolMode

	// UniqueIDFuncName is the configured unique_id() function name. Nothing in this package
	// reads it; the router is given its own copy in router.Config.
	UniqueIDFuncName string

	ClientIdleTimeout               time.Duration
	ClientIdleInTransactionTimeout  time.Duration
	ClientLoginTimeout              time.Duration
	QueryTimeout                    time.Duration

	ListenEnabled bool // opt-in LISTEN/NOTIFY support, per §4.11
}

// ReadWriteSplitConfig mirrors the router's own mode/cross-shard knobs so Config can be
// built once and handed to both router.New and the session layer.
type ReadWriteSplitConfig struct {
	Conservative       bool
	CrossShardDisabled bool
	IncludePrimary     bool
}
