package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// StartupMagic codes recognized before the tagged protocol begins.
const (
	sslRequestCode    = 80877103
	gssRequestCode    = 80877104
	cancelRequestCode = 80877102
	protocolVersion3  = 196608 // 3.0 in the (major<<16|minor) encoding
)

// Exported for callers on the frontend (client-facing) side of the handshake, which must
// distinguish these from a real StartupMessage before ReadStartup's caller decides how to
// respond (SSL/GSS negotiation, or a CancelRequest on a throwaway connection).
const (
	SSLRequestCode    = sslRequestCode
	GSSRequestCode    = gssRequestCode
	CancelRequestCode = cancelRequestCode
	ProtocolVersion3  = protocolVersion3
)

// CancelRequestBody is the decoded payload of a CancelRequest pseudo-startup packet (the
// body ReadStartup returns when code == CancelRequestCode): the target backend's PID and
// secret key, used to look up which session to cancel.
type CancelRequestBody struct {
	BackendPID int32
	Secret     int32
}

func DecodeCancelRequest(body []byte) (CancelRequestBody, error) {
	if len(body) != 8 {
		return CancelRequestBody{}, fmt.Errorf("wire: malformed CancelRequest")
	}
	return CancelRequestBody{
		BackendPID: int32(binary.BigEndian.Uint32(body[0:4])),
		Secret:     int32(binary.BigEndian.Uint32(body[4:8])),
	}, nil
}

// Reader decodes a framed message stream. It is not safe for concurrent use; one Reader
// is owned by exactly one connection's receive loop (client session or server connection).
type Reader struct {
	r   *bufio.Reader
	dir Direction
}

func NewReader(r io.Reader, dir Direction) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 16*1024), dir: dir}
}

// ReadStartup reads the untagged leading packet of a new frontend connection: a 4-byte
// length, a 4-byte code/version, and the remainder. Used once, before the tagged stream
// begins. Returns the decoded code for dispatch and the body that follows the code.
func (r *Reader) ReadStartup() (code int32, body []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 8 {
		return 0, nil, fmt.Errorf("wire: startup packet too short (%d bytes)", n)
	}
	rest := make([]byte, n-4)
	if _, err := io.ReadFull(r.r, rest); err != nil {
		return 0, nil, err
	}
	code = int32(binary.BigEndian.Uint32(rest[:4]))
	return code, rest[4:], nil
}

// ReadMessage reads one tagged frame: a 1-byte kind, a 4-byte length (inclusive of itself),
// and length-4 bytes of payload. Unknown kinds are preserved byte-for-byte in the payload;
// the codec never refuses to forward a kind it does not otherwise interpret.
func (r *Reader) ReadMessage() (Message, error) {
	kindByte, err := r.r.ReadByte()
	if err != nil {
		return Message{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 4 {
		return Message{}, fmt.Errorf("wire: frame length %d too small for kind %q", n, rune(kindByte))
	}
	payload := make([]byte, n-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return Message{}, err
		}
	}
	return NewMessage(Kind(kindByte), r.dir, payload), nil
}

// Writer encodes and flushes framed messages onto a stream.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 16*1024)}
}

// WriteMessage buffers one message; callers flush at protocol-required boundaries
// (Sync, the simple-query terminator, or a CopyDone) rather than after every message,
// so a pipelined batch reaches the wire in one syscall.
func (w *Writer) WriteMessage(m Message) error {
	var hdr [5]byte
	if m.IsStartup() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.Payload())+4))
		if _, err := w.w.Write(lenBuf[:]); err != nil {
			return err
		}
	} else {
		hdr[0] = byte(m.Kind())
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(m.Payload())+4))
		if _, err := w.w.Write(hdr[:]); err != nil {
			return err
		}
	}
	_, err := w.w.Write(m.Payload())
	return err
}

func (w *Writer) Flush() error { return w.w.Flush() }
