package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenBytes      = 32
	tokenIterations = 4096
	tokenKeyLength  = 32
)

// GenerateToken mints a random session token. The raw token goes to the
// client; only the derived hash is stored server-side.
func GenerateToken(pepper string) (token, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, HashToken(token, pepper), nil
}

// HashToken derives the storable lookup hash for a session token. The
// derivation is deterministic so the hash doubles as the store index;
// tokens carry 256 bits of entropy, so the fixed pepper stands in for a
// per-token salt.
func HashToken(token, pepper string) string {
	derived := pbkdf2.Key([]byte(token), []byte(pepper), tokenIterations, tokenKeyLength, sha256.New)
	return base64.RawStdEncoding.EncodeToString(derived)
}
