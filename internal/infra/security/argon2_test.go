package security

import (
	"strings"
	"testing"
)

func TestHashSecretAndVerify(t *testing.T) {
	code := "ABCDEFGH2345"

	encoded, err := HashSecret(code)
	if err != nil {
		t.Fatalf("HashSecret returned error: %v", err)
	}

	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		t.Fatalf("unexpected hash format: %q", encoded)
	}
	if parts[0] != argon2Variant || parts[1] != argon2Version {
		t.Fatalf("unexpected variant/version: %s/%s", parts[0], parts[1])
	}

	ok, err := VerifySecret(code, encoded)
	if err != nil {
		t.Fatalf("VerifySecret returned error: %v", err)
	}
	if !ok {
		t.Fatal("VerifySecret returned false for the hashed value")
	}

	ok, err = VerifySecret("ABCDEFGH2346", encoded)
	if err != nil {
		t.Fatalf("VerifySecret returned error: %v", err)
	}
	if ok {
		t.Fatal("VerifySecret returned true for a different value")
	}
}

func TestHashSecretUsesRandomSalt(t *testing.T) {
	first, err := HashSecret("same-value")
	if err != nil {
		t.Fatalf("HashSecret returned error: %v", err)
	}
	second, err := HashSecret("same-value")
	if err != nil {
		t.Fatalf("HashSecret returned error: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct encodings for the same value")
	}
}

func TestVerifySecretInvalidFormat(t *testing.T) {
	if _, err := VerifySecret("value", "invalid-format"); err == nil {
		t.Fatal("expected error for invalid format")
	}
	if _, err := VerifySecret("value", "bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"); err == nil {
		t.Fatal("expected error for unexpected variant")
	}
}

func TestVerifySecretEmptyInputs(t *testing.T) {
	ok, err := VerifySecret("", "")
	if err != nil {
		t.Fatalf("VerifySecret returned error for empty inputs: %v", err)
	}
	if ok {
		t.Fatal("VerifySecret should return false for empty inputs")
	}
}

func TestConfigureArgon2OverridesDefaults(t *testing.T) {
	original := CurrentArgon2Config()
	t.Cleanup(func() {
		if err := ConfigureArgon2(original); err != nil {
			t.Fatalf("failed to restore original config: %v", err)
		}
	})

	if err := ConfigureArgon2(Argon2Config{Memory: 16 * 1024, Iterations: 2, Parallelism: 2, SaltLength: 24, KeyLength: 48}); err != nil {
		t.Fatalf("ConfigureArgon2 returned error: %v", err)
	}

	encoded, err := NewArgon2Hasher().Hash("change-me")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}

	parts := strings.Split(encoded, "$")
	if parts[2] != "m=16384,t=2,p=2" {
		t.Fatalf("encoded hash does not reflect configured parameters: %s", parts[2])
	}

	ok, err := NewArgon2Hasher().Verify("change-me", encoded)
	if err != nil || !ok {
		t.Fatalf("Verify failed for configured hash: ok=%v err=%v", ok, err)
	}
}

func TestConfigureArgon2RejectsWeakParameters(t *testing.T) {
	if err := ConfigureArgon2(Argon2Config{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}); err == nil {
		t.Fatal("expected error for memory below minimum")
	}
	if err := ConfigureArgon2(Argon2Config{Memory: 8192, Iterations: 1, Parallelism: 1, SaltLength: 4, KeyLength: 32}); err == nil {
		t.Fatal("expected error for short salt")
	}
}
