package wire

import (
	"encoding/binary"
	"fmt"
)

// Message is an opaque envelope: a kind tag, a length, and an owned payload. Clone is a
// cheap refcount bump on the underlying slice so messages can be buffered, mirrored, and
// forwarded without copying, matching the data model's "reference-cheap" requirement.
type Message struct {
	kind      Kind
	dir       Direction
	payload   *shared
	startupOK bool // true for the untagged startup/SSL-request message, which has no kind byte
}

type shared struct {
	buf []byte
	rc  *int32
}

// NewMessage wraps a payload (the bytes after the 4-byte length, not including the kind tag).
func NewMessage(kind Kind, dir Direction, payload []byte) Message {
	rc := int32(1)
	return Message{kind: kind, dir: dir, payload: &shared{buf: payload, rc: &rc}}
}

// NewStartup wraps the special untagged startup-packet bytes (length-prefixed, no kind byte).
func NewStartup(payload []byte) Message {
	rc := int32(1)
	return Message{dir: Frontend, startupOK: true, payload: &shared{buf: payload, rc: &rc}}
}

func (m Message) Kind() Kind           { return m.kind }
func (m Message) Direction() Direction { return m.dir }
func (m Message) IsStartup() bool      { return m.startupOK }
func (m Message) Payload() []byte {
	if m.payload == nil {
		return nil
	}
	return m.payload.buf
}

// Len is the total wire length of the message, tag byte (if any) included.
func (m Message) Len() int {
	n := len(m.Payload()) + 4
	if !m.startupOK {
		n++
	}
	return n
}

// Clone bumps a refcount; the returned Message shares the backing slice with the original.
// Neither copy may mutate Payload() in place.
func (m Message) Clone() Message {
	if m.payload != nil {
		*m.payload.rc++
	}
	return m
}

// Encode writes the message onto dst in wire form (tag + length + payload).
func (m Message) Encode(dst []byte) []byte {
	if !m.startupOK {
		dst = append(dst, byte(m.kind))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.Payload())+4))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, m.Payload()...)
	return dst
}

func (m Message) String() string {
	if m.startupOK {
		return fmt.Sprintf("Message{startup, %d bytes}", len(m.Payload()))
	}
	return fmt.Sprintf("Message{%q, %d bytes}", rune(m.kind), len(m.Payload()))
}
