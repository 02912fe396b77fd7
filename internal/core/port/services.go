package port

import "context"

// Mailer delivers plain text messages.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// CodeHasher hashes and verifies recovery codes.
type CodeHasher interface {
	Hash(value string) (string, error)
	Verify(value, encoded string) (bool, error)
}
