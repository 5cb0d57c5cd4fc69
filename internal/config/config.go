// Package config loads and validates the proxy's TOML configuration (§6's key table):
// Load/Parse/setDefaults/Validate, built for TOML directly rather than JSON, since
// github.com/pelletier/go-toml/v2 unmarshals duration strings into time.Duration
// directly, so no XxxStr companion fields are needed here.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// TLSVerifyMode is the `general.tls_verify` knob.
type TLSVerifyMode string

const (
	TLSVerifyDisabled TLSVerifyMode = "Disabled"
	TLSVerifyPrefer   TLSVerifyMode = "Prefer"
	TLSVerifyCA       TLSVerifyMode = "VerifyCa"
	TLSVerifyFull     TLSVerifyMode = "VerifyFull"
)

// Config is the top-level TOML document.
type Config struct {
	General   GeneralConfig             `toml:"general"`
	Rewrite   RewriteConfig             `toml:"rewrite"`
	Databases []DatabaseConfig          `toml:"databases"`
	Sharded   []ShardedTableConfig      `toml:"sharded_tables"`
	Mappings  []ShardedMappingConfig    `toml:"sharded_mappings"`
	Omni      []OmniShardedTableConfig  `toml:"omnisharded_tables"`
	Mirroring []MirrorConfig            `toml:"mirroring"`
	Users     []UserConfig              `toml:"users"`
}

// GeneralConfig is the `[general]` table: pool sizing, timeouts, and the handful of
// proxy-wide feature toggles from §6.
type GeneralConfig struct {
	MinPoolSize             int           `toml:"min_pool_size"`
	DefaultPoolSize         int           `toml:"default_pool_size"`
	ConnectTimeout          time.Duration `toml:"connect_timeout"`
	ConnectAttempts         int           `toml:"connect_attempts"`
	ConnectAttemptDelay     time.Duration `toml:"connect_attempt_delay"`
	CheckoutTimeout         time.Duration `toml:"checkout_timeout"`
	IdleTimeout             time.Duration `toml:"idle_timeout"`
	ServerLifetime          time.Duration `toml:"server_lifetime"`
	HealthcheckInterval     time.Duration `toml:"healthcheck_interval"`
	IdleHealthcheckInterval time.Duration `toml:"idle_healthcheck_interval"`
	IdleHealthcheckDelay    time.Duration `toml:"idle_healthcheck_delay"`
	HealthcheckTimeout      time.Duration `toml:"healthcheck_timeout"`
	BanTimeout              time.Duration `toml:"ban_timeout"`
	RollbackTimeout         time.Duration `toml:"rollback_timeout"`
	QueryTimeout            time.Duration `toml:"query_timeout"`
	StatementTimeout        time.Duration `toml:"statement_timeout"`
	ReadTimeout             time.Duration `toml:"read_timeout"`
	PreparedStatementsLimit int           `toml:"prepared_statements_limit"`
	StatsPeriod             time.Duration `toml:"stats_period"`
	ConnectionRecovery      bool          `toml:"connection_recovery"`
	DNSTTL                  time.Duration `toml:"dns_ttl"`
	LSNCheckInterval        time.Duration `toml:"lsn_check_interval"`
	LSNCheckTimeout         time.Duration `toml:"lsn_check_timeout"`
	LSNCheckDelay           time.Duration `toml:"lsn_check_delay"`
	CrossShardDisabled      bool          `toml:"cross_shard_disabled"`
	DryRun                  bool          `toml:"dry_run"`
	ExpandedExplain         bool          `toml:"expanded_explain"`
	TwoPhaseCommit          bool          `toml:"two_phase_commit"`
	OmnishardedSticky       bool          `toml:"omnisharded_sticky"`
	MirrorQueue             int           `toml:"mirror_queue"`
	MirrorExposure          float64       `toml:"mirror_exposure"`
	TLSVerify               TLSVerifyMode `toml:"tls_verify"`
	TLSServerCACertificate  string        `toml:"tls_server_ca_certificate"`
	BanReplicaLagBytes      int64         `toml:"ban_replica_lag_bytes"`
	BanReplicaLag           time.Duration `toml:"ban_replica_lag"`
	ReadWriteStrategy       string        `toml:"read_write_strategy"` // default | conservative
}

// RewriteConfig is the `[rewrite]` table.
type RewriteConfig struct {
	Enabled          bool   `toml:"enabled"`
	ShardKey         string `toml:"shard_key"`          // off | error | rewrite
	SplitInserts     string `toml:"split_inserts"`      // off | rewrite
	UniqueIDFunction string `toml:"unique_id_function"` // e.g. "unique_id"; empty disables the rewrite
}

// DatabaseConfig is one `[[databases]]` physical endpoint.
type DatabaseConfig struct {
	Name         string `toml:"name"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	DatabaseName string `toml:"database_name"`
	Shard        int    `toml:"shard"`
	Role         string `toml:"role"` // auto | primary | replica
}

// ShardedTableConfig is one `[[sharded_tables]]` entry.
type ShardedTableConfig struct {
	Database       string `toml:"database"`
	Name           string `toml:"name"`
	Schema         string `toml:"schema"`
	Column         string `toml:"column"`
	DataType       string `toml:"data_type"` // bigint | varchar | uuid | vector | ...
	Centroids      int    `toml:"centroids"`
	CentroidProbes int    `toml:"centroid_probes"`
}

// ShardedMappingConfig is one `[[sharded_mappings]]` entry (list/range overrides of the
// default hash mapping).
type ShardedMappingConfig struct {
	Database string   `toml:"database"`
	Table    string   `toml:"table"`
	Column   string   `toml:"column"`
	Kind     string   `toml:"kind"` // list | range
	Values   []string `toml:"values"`
	Start    string   `toml:"start"`
	End      string   `toml:"end"`
	Shard    int      `toml:"shard"`
}

// OmniShardedTableConfig is one `[[omnisharded_tables]]` entry.
type OmniShardedTableConfig struct {
	Name          string `toml:"name"`
	StickyRouting bool   `toml:"sticky_routing"`
}

// MirrorConfig is one `[[mirroring]]` entry, feeding internal/mirror.Config.
type MirrorConfig struct {
	Source      string  `toml:"source"`
	Destination string  `toml:"destination"`
	Exposure    float64 `toml:"exposure"`
	QueueLength int     `toml:"queue_length"`
}

// UserConfig is one `[[users]]` entry.
type UserConfig struct {
	Name               string   `toml:"name"`
	Database           string   `toml:"database"`
	Databases          []string `toml:"databases"`
	AllDatabases       bool     `toml:"all_databases"`
	Password           string   `toml:"password"`
	PoolSize           int      `toml:"pool_size"`
	MinPoolSize        int      `toml:"min_pool_size"`
	PoolerMode         string   `toml:"pooler_mode"` // transaction | session | statement
	ServerUser         string   `toml:"server_user"`
	ServerPassword     string   `toml:"server_password"`
	StatementTimeout   time.Duration `toml:"statement_timeout"`
	ReadOnly           bool     `toml:"read_only"`
	CrossShardDisabled bool     `toml:"cross_shard_disabled"`
	ReplicationMode    string   `toml:"replication_mode"`
	TwoPhaseCommit     bool     `toml:"two_phase_commit"`
	IdleTimeout        time.Duration `toml:"idle_timeout"`
	ServerLifetime     time.Duration `toml:"server_lifetime"`
}

// Load reads and parses path, then applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load's body split out so tests (and the reload path, which already holds the
// bytes it hashed) can skip the filesystem round trip.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	setDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(c *Config) {
	if c.General.MinPoolSize == 0 {
		c.General.MinPoolSize = 1
	}
	if c.General.DefaultPoolSize == 0 {
		c.General.DefaultPoolSize = 10
	}
	if c.General.ConnectTimeout == 0 {
		c.General.ConnectTimeout = 5 * time.Second
	}
	if c.General.ConnectAttempts == 0 {
		c.General.ConnectAttempts = 3
	}
	if c.General.CheckoutTimeout == 0 {
		c.General.CheckoutTimeout = 5 * time.Second
	}
	if c.General.IdleTimeout == 0 {
		c.General.IdleTimeout = 10 * time.Minute
	}
	if c.General.HealthcheckInterval == 0 {
		c.General.HealthcheckInterval = 30 * time.Second
	}
	if c.General.BanTimeout == 0 {
		c.General.BanTimeout = 60 * time.Second
	}
	if c.General.QueryTimeout == 0 {
		c.General.QueryTimeout = 30 * time.Second
	}
	if c.General.StatsPeriod == 0 {
		c.General.StatsPeriod = 15 * time.Second
	}
	if c.General.DNSTTL == 0 {
		c.General.DNSTTL = 60 * time.Second
	}
	if c.General.TLSVerify == "" {
		c.General.TLSVerify = TLSVerifyPrefer
	}
	if c.General.MirrorQueue == 0 {
		c.General.MirrorQueue = 128
	}
	if c.General.ReadWriteStrategy == "" {
		c.General.ReadWriteStrategy = "default"
	}
	if c.Rewrite.ShardKey == "" {
		c.Rewrite.ShardKey = "off"
	}
	if c.Rewrite.SplitInserts == "" {
		c.Rewrite.SplitInserts = "off"
	}
	for i := range c.Mirroring {
		if c.Mirroring[i].QueueLength == 0 {
			c.Mirroring[i].QueueLength = c.General.MirrorQueue
		}
		if c.Mirroring[i].Exposure == 0 {
			c.Mirroring[i].Exposure = c.General.MirrorExposure
		}
	}
	for i := range c.Users {
		if c.Users[i].PoolerMode == "" {
			c.Users[i].PoolerMode = "transaction"
		}
		if c.Users[i].PoolSize == 0 {
			c.Users[i].PoolSize = c.General.DefaultPoolSize
		}
	}
}

// Validate checks the handful of invariants that would otherwise surface as a confusing
// runtime error deep inside the router or pool: at least one database, a positive
// default_pool_size, known enum values (read_write_strategy, rewrite.shard_key,
// rewrite.split_inserts, databases role, users pooler_mode), named databases and users,
// mirror exposure in [0,1], and a database scope on every user. It does not cross-check
// sharded_mappings or omnisharded_tables against sharded_tables or databases.
func Validate(c *Config) error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("config: at least one [[databases]] entry is required")
	}
	if c.General.DefaultPoolSize < 1 {
		return fmt.Errorf("config: general.default_pool_size must be >= 1")
	}
	switch c.General.ReadWriteStrategy {
	case "default", "conservative", "":
	default:
		return fmt.Errorf("config: general.read_write_strategy must be default|conservative, got %q", c.General.ReadWriteStrategy)
	}
	switch c.Rewrite.ShardKey {
	case "off", "error", "rewrite", "":
	default:
		return fmt.Errorf("config: rewrite.shard_key must be off|error|rewrite, got %q", c.Rewrite.ShardKey)
	}
	switch c.Rewrite.SplitInserts {
	case "off", "rewrite", "":
	default:
		return fmt.Errorf("config: rewrite.split_inserts must be off|rewrite, got %q", c.Rewrite.SplitInserts)
	}
	for _, db := range c.Databases {
		if db.Name == "" {
			return fmt.Errorf("config: a [[databases]] entry is missing name")
		}
		switch db.Role {
		case "auto", "primary", "replica", "":
		default:
			return fmt.Errorf("config: databases[%s].role must be auto|primary|replica, got %q", db.Name, db.Role)
		}
	}
	for _, m := range c.Mirroring {
		if m.Exposure < 0 || m.Exposure > 1 {
			return fmt.Errorf("config: mirroring[%s->%s].exposure must be in [0,1], got %v", m.Source, m.Destination, m.Exposure)
		}
	}
	for _, u := range c.Users {
		if u.Name == "" {
			return fmt.Errorf("config: a [[users]] entry is missing name")
		}
		if u.Database == "" && len(u.Databases) == 0 && !u.AllDatabases {
			return fmt.Errorf("config: users[%s] must set database, databases, or all_databases", u.Name)
		}
		switch u.PoolerMode {
		case "transaction", "session", "statement", "":
		default:
			return fmt.Errorf("config: users[%s].pooler_mode must be transaction|session|statement, got %q", u.Name, u.PoolerMode)
		}
	}
	return nil
}
