package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// LoginTokenBytes is the entropy of a pending login token.
const LoginTokenBytes = 16

// GenerateSecureToken returns a hex encoded random string built from byteLength random bytes.
func GenerateSecureToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", fmt.Errorf("length must be positive")
	}

	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

// GenerateLoginToken returns the 32 character token that keys a pending login.
func GenerateLoginToken() (string, error) {
	return GenerateSecureToken(LoginTokenBytes)
}
