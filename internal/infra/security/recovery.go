package security

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	// RecoveryCodeCount is the number of codes issued per generation.
	RecoveryCodeCount = 10
	// RecoveryCodeLength is the number of symbols in a code without separators.
	RecoveryCodeLength = 12

	recoveryGroupSize = 4
)

// RecoveryAlphabet omits 0, 1, o, O, l and I.
const RecoveryAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"

var recoveryAlphabetSize = big.NewInt(int64(len(RecoveryAlphabet)))

// GenerateRecoveryCodes returns count display formatted codes.
func GenerateRecoveryCodes(count int) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("recovery: count must be positive")
	}

	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw, err := randomRecoveryCode(RecoveryCodeLength)
		if err != nil {
			return nil, err
		}
		codes = append(codes, FormatRecoveryCode(raw))
	}
	return codes, nil
}

func randomRecoveryCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		// rand.Int draws uniformly in [0, n) so no symbol is favoured.
		idx, err := rand.Int(rand.Reader, recoveryAlphabetSize)
		if err != nil {
			return "", fmt.Errorf("recovery: draw symbol: %w", err)
		}
		b.WriteByte(RecoveryAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// FormatRecoveryCode groups a code as XXXX-XXXX-XXXX.
func FormatRecoveryCode(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		if i > 0 && i%recoveryGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeRecoveryCode trims surrounding whitespace and removes hyphens that are
// neither the first nor the last character, then upper-cases the result.
// A stray leading or trailing hyphen is kept and the code will not match.
func NormalizeRecoveryCode(input string) string {
	trimmed := strings.TrimSpace(input)
	last := len(trimmed) - 1

	var b strings.Builder
	b.Grow(len(trimmed))
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if c == '-' && i != 0 && i != last {
			continue
		}
		b.WriteByte(c)
	}
	return strings.ToUpper(b.String())
}

// PrepareRecoveryCodeForHash converts a display formatted code into the form that is hashed.
func PrepareRecoveryCodeForHash(code string) string {
	return NormalizeRecoveryCode(code)
}
