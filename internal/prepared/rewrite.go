package prepared

import "github.com/pgdogdev/pgdog-sub003/internal/wire"

// Conn is the subset of backend.Server this package needs to lazily re-Parse a
// statement a server connection doesn't have yet. The session/coordinator layer
// supplies the concrete implementation so this package stays free of an import
// cycle on backend.
type Conn interface {
	Send(wire.Message) error
}

// ForBind rewrites a client Bind message to reference the global statement name,
// prepending a Parse if this server connection hasn't seen that name yet (per
// §4.10's lazy re-Parse-prepend rule), and records presence once the Parse is sent.
func ForBind(conn Conn, pres *Presence, entry *GlobalEntry, bindMsg wire.Message) (wire.Message, error) {
	v, err := wire.DecodeBind(bindMsg)
	if err != nil {
		return wire.Message{}, err
	}
	if err := ensurePresent(conn, pres, entry); err != nil {
		return wire.Message{}, err
	}
	v.Statement = entry.GlobalName
	return wire.EncodeBind(v), nil
}

// ForDescribe rewrites a client Describe-of-statement message to the global name.
func ForDescribe(conn Conn, pres *Presence, entry *GlobalEntry, describeMsg wire.Message) (wire.Message, error) {
	v, err := wire.DecodeDescribe(describeMsg)
	if err != nil {
		return wire.Message{}, err
	}
	if v.IsStatement {
		if err := ensurePresent(conn, pres, entry); err != nil {
			return wire.Message{}, err
		}
		v.Name = entry.GlobalName
	}
	return wire.EncodeDescribe(v), nil
}

// ForClose rewrites a client Close-of-statement message to the global name. It does
// not forward the Close to the backend by itself: the global statement stays
// prepared on the server for as long as any other session still references it, so
// closing is purely a refcount decrement at the SessionAliases layer (see
// SessionAliases.Close). Callers should not send a backend Close for statements at
// all; this exists only in case a future policy wants to actually deallocate on the
// server once refcount hits zero.
func ForClose(entry *GlobalEntry, closeMsg wire.Message) (wire.Message, error) {
	v, err := wire.DecodeClose(closeMsg)
	if err != nil {
		return wire.Message{}, err
	}
	if v.IsStatement {
		v.Name = entry.GlobalName
	}
	return wire.EncodeClose(v), nil
}

func ensurePresent(conn Conn, pres *Presence, entry *GlobalEntry) error {
	if pres.Has(entry.GlobalName) {
		return nil
	}
	renamed := wire.ParseView{Name: entry.GlobalName}
	if v, err := wire.DecodeParse(entry.Parse); err == nil {
		renamed.Query = v.Query
		renamed.ParamOIDs = v.ParamOIDs
	}
	if err := conn.Send(wire.EncodeParse(renamed)); err != nil {
		return err
	}
	pres.Mark(entry.GlobalName)
	return nil
}
