package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	// SecretLength is the shared secret size in bytes (80 bits).
	SecretLength = 10
	// CodeDigits is the length of every generated one-time code.
	CodeDigits = 6
	// DefaultAppPeriod is the time step used by authenticator apps.
	DefaultAppPeriod = 30 * time.Second
	// DefaultEmailPeriod is the time step used for codes delivered by email.
	DefaultEmailPeriod = 60 * time.Second

	codeModulo = 1_000_000
	driftSteps = 1
)

var (
	// ErrDecode is returned when a Base32 or hex secret cannot be decoded.
	ErrDecode = errors.New("otp: malformed secret encoding")
	// ErrInvalidPeriod is returned for a non-positive time step.
	ErrInvalidPeriod = errors.New("otp: period must be positive")
)

// Secret carries a freshly generated shared secret in every representation callers need.
type Secret struct {
	Raw    []byte
	Hex    string
	Base32 string
}

// GenerateSecret returns a random 10 byte secret.
func GenerateSecret() (Secret, error) {
	raw := make([]byte, SecretLength)
	if _, err := rand.Read(raw); err != nil {
		return Secret{}, fmt.Errorf("otp: generate secret: %w", err)
	}
	return Secret{
		Raw:    raw,
		Hex:    hex.EncodeToString(raw),
		Base32: Base32Encode(raw),
	}, nil
}

// Base32Encode encodes using the RFC 4648 upper-case alphabet padded to 8 character blocks.
func Base32Encode(data []byte) string {
	return base32.StdEncoding.EncodeToString(data)
}

// Base32Decode decodes a padded RFC 4648 string.
// Only A-Z, 2-7 and '=' are accepted, with 0, 1, 3, 4 or 6 trailing '=' characters.
func Base32Decode(encoded string) ([]byte, error) {
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if (c < 'A' || c > 'Z') && (c < '2' || c > '7') && c != '=' {
			return nil, fmt.Errorf("%w: illegal base32 byte %q at offset %d", ErrDecode, c, i)
		}
	}
	decoded, err := base32.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return decoded, nil
}

// DecodeHexSecret turns the stored hex form back into raw bytes.
func DecodeHexSecret(secretHex string) ([]byte, error) {
	if secretHex == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrDecode)
	}
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raw, nil
}

// HOTP computes the six digit HMAC-SHA1 code for the counter.
func HOTP(secret []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", CodeDigits, value%codeModulo)
}

// TimeSlice returns the counter for the reference time and period.
func TimeSlice(now time.Time, period time.Duration) int64 {
	return now.Unix() / int64(period/time.Second)
}

// CodeAt returns the code for the time slice containing now.
func CodeAt(secretHex string, period time.Duration, now time.Time) (string, error) {
	if period < time.Second {
		return "", ErrInvalidPeriod
	}
	raw, err := DecodeHexSecret(secretHex)
	if err != nil {
		return "", err
	}
	return HOTP(raw, TimeSlice(now, period)), nil
}

// EmailCode returns the code mailed to users; it uses the email period.
func EmailCode(secretHex string, now time.Time) (string, error) {
	return CodeAt(secretHex, DefaultEmailPeriod, now)
}

// VerifyTOTP accepts a candidate matching the current slice or one slice either side.
// Codes are not consumed, so a valid code keeps verifying until the window moves past it.
func VerifyTOTP(secretHex, candidate string, period time.Duration, now time.Time) (bool, error) {
	if len(candidate) != CodeDigits {
		return false, nil
	}
	if period < time.Second {
		return false, ErrInvalidPeriod
	}
	raw, err := DecodeHexSecret(secretHex)
	if err != nil {
		return false, err
	}

	slice := TimeSlice(now, period)
	matched := false
	for i := int64(-driftSteps); i <= driftSteps; i++ {
		// Every step is evaluated so the loop length does not depend on the match position.
		if ConstantTimeEqual(HOTP(raw, slice+i), candidate) {
			matched = true
		}
	}
	return matched, nil
}

// ConstantTimeEqual compares two strings without leaking the mismatch position.
func ConstantTimeEqual(expected, actual string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
