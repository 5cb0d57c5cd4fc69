// Package prepared implements C10: the two-layer prepared-statement cache §4.10
// describes — a process-wide global cache mapping normalized statement text to a
// monotonically-numbered server-visible name (client-chosen names are aliased onto it per
// session by SessionAliases), and a per-server presence set tracking which
// generated names a given backend connection has actually Parse'd. It generalizes a
// text-identity approach to "is this the same statement" from an ad-hoc string
// comparison to a refcounted, evictable cache keyed by normalized SQL text.
package prepared

import (
	"sync"

	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// GlobalEntry is one cached Parse, keyed by its normalized SQL text.
type GlobalEntry struct {
	GlobalName string
	Parse      wire.Message
	RowDesc    *wire.RowDescriptionView

	mu       sync.Mutex
	refcount int
}

func (e *GlobalEntry) addRef() {
	e.mu.Lock()
	e.refcount++
	e.mu.Unlock()
}

func (e *GlobalEntry) release() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refcount > 0 {
		e.refcount--
	}
	return e.refcount
}

func (e *GlobalEntry) Refcount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refcount
}

// Cache is the process-wide global layer: normalized SQL text -> GlobalEntry. The
// client-chosen-name -> GlobalEntry alias table of a single client connection is kept in
// SessionAliases, not here. One Cache is shared by every client session in the proxy process.
type Cache struct {
	mu      sync.Mutex
	byText  map[string]*GlobalEntry
	nextSeq uint64
}

func NewCache() *Cache {
	return &Cache{byText: make(map[string]*GlobalEntry)}
}

// Intern returns the GlobalEntry for normalizedSQL, creating one (with a fresh
// monotonically numbered server-visible name) if this is the first time this exact text
// has been prepared. parseMsg is the original client Parse message, stored so a server
// connection that doesn't yet have this statement can be lazily re-Parse'd.
func (c *Cache) Intern(normalizedSQL string, parseMsg wire.Message) *GlobalEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byText[normalizedSQL]; ok {
		e.addRef()
		return e
	}

	c.nextSeq++
	e := &GlobalEntry{GlobalName: globalName(c.nextSeq), Parse: parseMsg, refcount: 1}
	c.byText[normalizedSQL] = e
	return e
}

// Release drops a reference obtained via Intern (on the client's Close of the
// corresponding statement name); at refcount 0 the entry is evicted.
func (c *Cache) Release(normalizedSQL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byText[normalizedSQL]
	if !ok {
		return
	}
	if e.release() == 0 {
		delete(c.byText, normalizedSQL)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byText)
}

func globalName(seq uint64) string {
	const digits = "0123456789"
	if seq == 0 {
		return "__pgdog_0"
	}
	var buf [20]byte
	i := len(buf)
	for seq > 0 {
		i--
		buf[i] = digits[seq%10]
		seq /= 10
	}
	return "__pgdog_" + string(buf[i:])
}
