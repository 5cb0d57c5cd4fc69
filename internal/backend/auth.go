package backend

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/pgdogdev/pgdog-sub003/internal/wire"
	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// AuthMethod names the backend authentication mechanisms the startup handshake may
// negotiate. GSSAPI and SSPI are carried as named but unimplemented methods: the
// distilled spec scopes "authentication mechanisms" as an external collaborator, but
// original_source/ auth/ shows pgdog negotiating them, so the seam is modeled rather than
// silently dropped (SPEC_FULL.md supplemented feature 1).
type AuthMethod int

const (
	AuthTrust AuthMethod = iota
	AuthCleartextPassword
	AuthMD5Password
	AuthSCRAMSHA256
	AuthGSSAPI
	AuthSSPI
)

// Authenticator performs the Postgres startup handshake against a freshly dialed Server.
type Authenticator interface {
	Authenticate(ctx context.Context, s *Server) error
}

// StaticAuthenticator authenticates with a fixed user/password pair negotiated via
// cleartext or MD5, matching whatever AuthenticationXXX the backend requests. SCRAM and
// GSSAPI are recognized but rejected with a clear error rather than silently downgrading,
// since this proxy never holds a client's SCRAM mechanism state on the backend's behalf.
type StaticAuthenticator struct {
	User     string
	Password string
	Database string
}

func (a StaticAuthenticator) Authenticate(ctx context.Context, s *Server) error {
	if err := sendStartup(s, a.User, a.Database); err != nil {
		return err
	}

	for {
		msg, err := s.Receive()
		if err != nil {
			return wireerr.Connect(err)
		}

		switch msg.Kind() {
		case wire.KindAuthentication:
			done, err := handleAuthMessage(s, msg, a.User, a.Password)
			if err != nil {
				return err
			}
			if done {
				continue
			}
		case wire.KindParameterStatus:
			v, err := wire.DecodeParameterStatus(msg)
			if err != nil {
				return wireerr.ProtocolViolation(err.Error())
			}
			s.ApplyParameterStatus(v.Name, v.Value)
		case wire.KindBackendKeyData:
			v, err := wire.DecodeBackendKeyData(msg)
			if err != nil {
				return wireerr.ProtocolViolation(err.Error())
			}
			s.BackendPID = v.PID
			s.BackendSecret = v.Secret
		case wire.KindReadyForQuery:
			s.SetState(StateIdle)
			return nil
		case wire.KindErrorResponse:
			fields, _ := wire.DecodeErrorResponse(msg)
			return wireerr.AuthFailed(fmt.Errorf("%s", fields[byte(wire.FieldMessage)]))
		default:
			// Unexpected but non-fatal during the startup phase: keep draining.
		}
	}
}

const protocolVersion3 = 196608

func sendStartup(s *Server, user, database string) error {
	body := encodeStartupPacket(map[string]string{
		"user":     user,
		"database": database,
	})
	if err := s.Send(wire.NewStartup(body)); err != nil {
		return wireerr.Connect(err)
	}
	return s.Flush()
}

func encodeStartupPacket(params map[string]string) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(protocolVersion3))
	for k, v := range params {
		buf = append(buf, []byte(k)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(v)...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	return buf
}

// handleAuthMessage processes one AuthenticationXXX backend message, replying as needed.
// Returns done=true when the method itself completed (e.g. AuthenticationOk) and no
// further frames are expected for this handshake step.
func handleAuthMessage(s *Server, msg wire.Message, user, password string) (bool, error) {
	payload := msg.Payload()
	if len(payload) < 4 {
		return false, wireerr.ProtocolViolation("short authentication message")
	}
	code := binary.BigEndian.Uint32(payload[:4])

	switch code {
	case 0: // AuthenticationOk
		return true, nil
	case 3: // AuthenticationCleartextPassword
		return false, sendPasswordMessage(s, password)
	case 5: // AuthenticationMD5Password
		if len(payload) < 8 {
			return false, wireerr.ProtocolViolation("short MD5 salt")
		}
		salt := payload[4:8]
		hashed := md5PasswordHash(user, password, salt)
		return false, sendPasswordMessageRaw(s, hashed)
	case 10: // AuthenticationSASL (SCRAM)
		return false, wireerr.AuthFailed(fmt.Errorf("SCRAM authentication to backend servers is not supported"))
	case 7: // AuthenticationGSS
		return false, wireerr.AuthFailed(fmt.Errorf("GSSAPI authentication to backend servers is not supported"))
	case 9: // AuthenticationSSPI
		return false, wireerr.AuthFailed(fmt.Errorf("SSPI authentication to backend servers is not supported"))
	default:
		return false, wireerr.AuthFailed(fmt.Errorf("unsupported authentication method %d", code))
	}
}

func sendPasswordMessage(s *Server, password string) error {
	return sendPasswordMessageRaw(s, password)
}

// sendPasswordMessageRaw null-terminates body (cleartext password or "md5..." hash) and
// sends it as a PasswordMessage.
func sendPasswordMessageRaw(s *Server, body string) error {
	payload := append([]byte(body), 0)
	if err := s.Send(wire.NewMessage(wire.KindPasswordMsg, wire.Frontend, payload)); err != nil {
		return wireerr.Connect(err)
	}
	return s.Flush()
}

// HashAdminPassword bcrypt-hashes the password protecting the metrics/health HTTP
// surface. Not used for backend wire authentication (Postgres's own MD5/SCRAM schemes
// can't be swapped for a one-way hash, since the wire handshake needs the plaintext to
// answer the salt challenge).
func HashAdminPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// VerifyAdminPassword reports whether password matches the bcrypt hash produced by
// HashAdminPassword. Returns a non-nil error (bcrypt.ErrMismatchedHashAndPassword or a
// malformed-hash error) on any mismatch.
func VerifyAdminPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// md5PasswordHash implements Postgres's "md5" password concatenation scheme:
// "md5" + md5hex(md5hex(password+user) + salt).
func md5PasswordHash(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}
