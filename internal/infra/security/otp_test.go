package security

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var rfcSecret = []byte("12345678901234567890")

func TestHOTPMatchesReferenceVectors(t *testing.T) {
	expected := []string{
		"755224", "287082", "359152", "969429", "338314",
		"254676", "287922", "162583", "399871", "520489",
	}

	for counter, want := range expected {
		if got := HOTP(rfcSecret, int64(counter)); got != want {
			t.Fatalf("counter %d: expected %s, got %s", counter, want, got)
		}
	}
}

func TestBase32RoundTrip(t *testing.T) {
	for length := 0; length <= 64; length++ {
		data := make([]byte, length)
		for i := range data {
			data[i] = byte(i*31 + length)
		}

		encoded := Base32Encode(data)
		if len(encoded)%8 != 0 {
			t.Fatalf("length %d: encoding %q is not padded to a block", length, encoded)
		}

		decoded, err := Base32Decode(encoded)
		if err != nil {
			t.Fatalf("length %d: decode returned error: %v", length, err)
		}
		if !bytes.Equal(decoded, data) {
			t.Fatalf("length %d: round trip mismatch", length)
		}
	}
}

func TestBase32DecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"seven padding":    "A=======",
		"five padding":     "AAA=====",
		"two padding":      "AAAAAA==",
		"foreign symbol":   "AAAAAAA1",
		"lowercase":        "mzxw6===",
		"padding in body":  "AA==AAAA",
		"trailing newline": "MZXW6YQ=\n",
		"embedded crlf":    "MZ\r\nXW6YQ=",
		"embedded space":   "MZXW 6YQ=",
	}

	for name, input := range cases {
		if _, err := Base32Decode(input); !errors.Is(err, ErrDecode) {
			t.Fatalf("%s: expected ErrDecode, got %v", name, err)
		}
	}
}

func TestBase32DecodeAcceptsLegalPadding(t *testing.T) {
	for _, input := range []string{"MY======", "MZXQ====", "MZXW6===", "MZXW6YQ=", "MZXW6YTB"} {
		if _, err := Base32Decode(input); err != nil {
			t.Fatalf("%s: unexpected error: %v", input, err)
		}
	}
}

func TestGenerateSecretRepresentations(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret returned error: %v", err)
	}

	if len(secret.Raw) != SecretLength {
		t.Fatalf("expected %d raw bytes, got %d", SecretLength, len(secret.Raw))
	}
	if secret.Hex != hex.EncodeToString(secret.Raw) {
		t.Fatalf("hex form does not match raw bytes")
	}
	decoded, err := Base32Decode(secret.Base32)
	if err != nil || !bytes.Equal(decoded, secret.Raw) {
		t.Fatalf("base32 form does not decode to raw bytes: %v", err)
	}
}

func TestVerifyTOTPWindow(t *testing.T) {
	secretHex := hex.EncodeToString(rfcSecret)
	period := DefaultAppPeriod
	issuedAt := time.Unix(1_700_000_015, 0)

	code, err := CodeAt(secretHex, period, issuedAt)
	if err != nil {
		t.Fatalf("CodeAt returned error: %v", err)
	}

	for _, offset := range []time.Duration{-period, 0, period} {
		ok, err := VerifyTOTP(secretHex, code, period, issuedAt.Add(offset))
		if err != nil {
			t.Fatalf("offset %v: unexpected error: %v", offset, err)
		}
		if !ok {
			t.Fatalf("offset %v: expected code to verify", offset)
		}
	}

	for _, offset := range []time.Duration{-2 * period, 2 * period, 3 * period} {
		ok, err := VerifyTOTP(secretHex, code, period, issuedAt.Add(offset))
		if err != nil {
			t.Fatalf("offset %v: unexpected error: %v", offset, err)
		}
		if ok {
			t.Fatalf("offset %v: expected code to be rejected", offset)
		}
	}
}

func TestVerifyTOTPIsNotConsumed(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret returned error: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	code := HOTP(secret.Raw, TimeSlice(now, DefaultAppPeriod))

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := VerifyTOTP(secret.Hex, code, DefaultAppPeriod, now)
		if err != nil || !ok {
			t.Fatalf("attempt %d: expected code to verify, ok=%v err=%v", attempt, ok, err)
		}
	}
}

func TestVerifyTOTPRejectsWrongLength(t *testing.T) {
	secretHex := hex.EncodeToString(rfcSecret)
	now := time.Unix(1_700_000_000, 0)
	code, _ := CodeAt(secretHex, DefaultAppPeriod, now)

	for _, candidate := range []string{"", code[:5], code + "0", " " + code} {
		ok, err := VerifyTOTP(secretHex, candidate, DefaultAppPeriod, now)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", candidate, err)
		}
		if ok {
			t.Fatalf("%q: expected rejection", candidate)
		}
	}
}

func TestVerifyTOTPMalformedSecret(t *testing.T) {
	_, err := VerifyTOTP("not-hex", "123456", DefaultAppPeriod, time.Now())
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestEmailCodeUsesSixtySecondPeriod(t *testing.T) {
	secretHex := hex.EncodeToString(rfcSecret)
	now := time.Unix(1_700_000_000, 0)

	code, err := EmailCode(secretHex, now)
	if err != nil {
		t.Fatalf("EmailCode returned error: %v", err)
	}
	if want := HOTP(rfcSecret, now.Unix()/60); code != want {
		t.Fatalf("expected %s, got %s", want, code)
	}
}

func TestCodeAtAgreesWithAuthenticatorLibrary(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret returned error: %v", err)
	}
	now := time.Unix(1_712_345_678, 0)

	want, err := totp.GenerateCodeCustom(secret.Base32, now, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom returned error: %v", err)
	}

	got, err := CodeAt(secret.Hex, DefaultAppPeriod, now)
	if err != nil {
		t.Fatalf("CodeAt returned error: %v", err)
	}
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
