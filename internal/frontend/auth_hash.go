package frontend

import (
	"crypto/md5"
	"encoding/hex"
)

// md5AuthHash implements Postgres's client-facing "md5" password scheme: the proxy plays
// the server role here, the mirror image of internal/backend/auth.go's md5PasswordHash (which the proxy
// uses as a client authenticating to the real backend).
func md5AuthHash(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}
