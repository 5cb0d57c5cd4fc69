// Package wireerr implements the proxy's own user-visible failure model: every surfaced
// error is a well-formed wire ErrorResponse carrying a severity, a 5-character SQLSTATE
// code, a message, and an optional detail.
package wireerr

import (
	"fmt"

	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// Severity mirrors the wire protocol's ErrorResponse severity field.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityFatal   Severity = "FATAL"
	SeverityWarning Severity = "WARNING"
)

// Error is an application error that knows how to render itself as a wire message.
type Error struct {
	Severity Severity
	Code     string // SQLSTATE, e.g. "58000"
	Message  string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the client session must close after sending this error.
func (e *Error) Fatal() bool { return e.Severity == SeverityFatal }

// ErrorResponse renders the error as a wire ErrorResponse message.
func (e *Error) ErrorResponse() wire.Message {
	fields := wire.ErrorFields{
		wire.FieldSeverity: string(e.Severity),
		wire.FieldCode:     e.Code,
		wire.FieldMessage:  e.Message,
	}
	if e.Detail != "" {
		fields[wire.FieldDetail] = e.Detail
	}
	return wire.EncodeErrorResponse(fields)
}

func New(severity Severity, code, message string) *Error {
	return &Error{Severity: severity, Code: code, Message: message}
}

func Wrap(err error, severity Severity, code, message string) *Error {
	return &Error{Severity: severity, Code: code, Message: message, Err: err}
}

// Taxonomy constructors, one per §7 error kind, pre-bound to its assigned SQLSTATE.
// Callers add Detail/Err as needed; these fix severity+code only.

func Connect(err error) *Error {
	return Wrap(err, SeverityError, "08006", "connection to backend failed")
}

func TLSRequired(err error) *Error {
	return Wrap(err, SeverityFatal, "08004", "server rejected TLS connection")
}

func AuthFailed(err error) *Error {
	return Wrap(err, SeverityFatal, "28000", "authentication failed")
}

func CheckoutTimeout() *Error {
	return New(SeverityError, "53300", "too many connections: checkout timeout")
}

func PoolBanned(reason string) *Error {
	e := New(SeverityError, "53300", "pool is banned")
	e.Detail = reason
	return e
}

func AllReplicasDown() *Error {
	return New(SeverityError, "58000", "all replicas are down")
}

func NoPrimary() *Error {
	return New(SeverityError, "58000", "shard has no primary")
}

func CrossShardDisabled() *Error {
	return New(SeverityError, "58000", "cross-shard queries are disabled")
}

func RouterSyntax(detail string) *Error {
	e := New(SeverityError, "42601", "syntax error in routing hint")
	e.Detail = detail
	return e
}

func MissingShardingKey() *Error {
	return New(SeverityError, "58000", "statement requires a sharding key but none was found")
}

func UnsupportedStatement(detail string) *Error {
	e := New(SeverityError, "0A000", "unsupported statement shape")
	e.Detail = detail
	return e
}

func InconsistentRowDescriptions() *Error {
	return New(SeverityError, "58000", "inconsistent row descriptions between shards")
}

func InconsistentColumnNames() *Error {
	return New(SeverityError, "58000", "inconsistent column names between shards")
}

func InconsistentRowCounts() *Error {
	return New(SeverityError, "58000", "inconsistent data row counts between shards")
}

func ProtocolViolation(detail string) *Error {
	e := New(SeverityFatal, "08P01", "protocol violation")
	e.Detail = detail
	return e
}

func QueryTimeout() *Error {
	return New(SeverityError, "57014", "query canceled: timeout")
}

func HealthcheckTimeout() *Error {
	return New(SeverityError, "57014", "healthcheck timeout")
}

func ClientIdleTimeout() *Error {
	return New(SeverityFatal, "57P05", "idle session timeout")
}

func ClientIdleInTransactionTimeout() *Error {
	return New(SeverityFatal, "57P05", "idle-in-transaction session timeout")
}

func LoginTimeout() *Error {
	return New(SeverityFatal, "57P05", "login timeout")
}

func Maintenance() *Error {
	return New(SeverityError, "57P01", "proxy is in maintenance mode")
}

func Shutdown() *Error {
	return New(SeverityFatal, "57P01", "proxy is shutting down")
}

func InFailedTransaction() *Error {
	return New(SeverityError, "25P02", "current transaction is aborted")
}

func NoTransaction() *Error {
	return New(SeverityWarning, "25P01", "there is no transaction in progress")
}

func TransactionControlInStatementMode() *Error {
	return New(SeverityError, "58000", "transaction control statements are disabled in statement pooling mode")
}
