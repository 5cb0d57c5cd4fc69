package prepared

import (
	"strings"

	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// SessionAliases is one client connection's view of the global cache: its own
// client-chosen statement names mapped to the GlobalEntry they were interned as. A
// session releases every alias it holds when the client disconnects.
type SessionAliases struct {
	cache   *Cache
	byLocal map[string]aliasEntry
}

type aliasEntry struct {
	entry         *GlobalEntry
	normalizedSQL string
}

func NewSessionAliases(cache *Cache) *SessionAliases {
	return &SessionAliases{cache: cache, byLocal: make(map[string]aliasEntry)}
}

// Parse handles a client Parse message: normalizes its SQL text, interns it into the
// global cache (deduping identical text across different client-chosen names), and
// records the client's local name -> global entry mapping.
func (s *SessionAliases) Parse(localName string, parseMsg wire.Message) (*GlobalEntry, error) {
	v, err := wire.DecodeParse(parseMsg)
	if err != nil {
		return nil, err
	}
	normalized := Normalize(v.Query)

	rewritten := wire.EncodeParse(wire.ParseView{Name: "", Query: v.Query, ParamOIDs: v.ParamOIDs})
	entry := s.cache.Intern(normalized, rewritten)

	if old, ok := s.byLocal[localName]; ok {
		s.cache.Release(old.normalizedSQL)
	}
	s.byLocal[localName] = aliasEntry{entry: entry, normalizedSQL: normalized}
	return entry, nil
}

// Resolve returns the GlobalEntry a client-chosen statement name maps to, for rewriting
// Bind/Describe/Execute/Close messages that reference it by name.
func (s *SessionAliases) Resolve(localName string) (*GlobalEntry, bool) {
	a, ok := s.byLocal[localName]
	if !ok {
		return nil, false
	}
	return a.entry, true
}

// Close handles a client Close-of-statement message: releases the session's reference on
// the underlying global entry.
func (s *SessionAliases) Close(localName string) {
	a, ok := s.byLocal[localName]
	if !ok {
		return
	}
	delete(s.byLocal, localName)
	s.cache.Release(a.normalizedSQL)
}

// CloseAll releases every alias the session holds, called on client disconnect.
func (s *SessionAliases) CloseAll() {
	for local := range s.byLocal {
		s.Close(local)
	}
}

// Normalize collapses whitespace runs so statements that differ only in formatting share
// one cache entry, matching §4.7's "normalized text" cache key and §4.10's "identical SQL
// text (exact bytes, after normalization) dedupe" rule.
func Normalize(sql string) string {
	fields := strings.Fields(sql)
	return strings.Join(fields, " ")
}
