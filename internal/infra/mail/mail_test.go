package mail

import (
	"context"
	"errors"
	"testing"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/twofactor-service/internal/infra/config"
)

type fakePostmark struct {
	sent []postmark.Email
	resp postmark.EmailResponse
	err  error
}

func (f *fakePostmark) SendEmail(_ context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	f.sent = append(f.sent, email)
	return f.resp, f.err
}

func testMailSettings() config.MailSettings {
	return config.MailSettings{
		Provider:      "postmark",
		ServerToken:   "server",
		SenderEmail:   "no-reply@example.com",
		SupportEmail:  "support@example.com",
		MessageStream: "outbound",
	}
}

func TestPostmarkMailerSend(t *testing.T) {
	api := &fakePostmark{resp: postmark.EmailResponse{MessageID: "msg-1"}}
	mailer := newPostmarkMailer(api, testMailSettings(), zaptest.NewLogger(t))

	if err := mailer.Send(context.Background(), "alice@example.com", "subject", "body"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	if len(api.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(api.sent))
	}
	got := api.sent[0]
	if got.From != "no-reply@example.com" || got.To != "alice@example.com" {
		t.Fatalf("unexpected addressing: %+v", got)
	}
	if got.TextBody != "body" || got.HTMLBody != "" {
		t.Fatalf("expected plain text body only: %+v", got)
	}
	if got.ReplyTo != "support@example.com" || got.MessageStream != "outbound" || got.Tag != codeTag {
		t.Fatalf("unexpected headers: %+v", got)
	}
}

func TestPostmarkMailerAPIErrorCode(t *testing.T) {
	api := &fakePostmark{resp: postmark.EmailResponse{ErrorCode: 406, Message: "inactive recipient"}}
	mailer := newPostmarkMailer(api, testMailSettings(), nil)

	err := mailer.Send(context.Background(), "alice@example.com", "subject", "body")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
}

func TestPostmarkMailerTransportError(t *testing.T) {
	transportErr := errors.New("connection reset")
	api := &fakePostmark{err: transportErr}
	mailer := newPostmarkMailer(api, testMailSettings(), nil)

	err := mailer.Send(context.Background(), "alice@example.com", "subject", "body")
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, transportErr) {
		t.Fatalf("expected joined errors, got %v", err)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	log := zaptest.NewLogger(t)

	m, err := New(config.MailSettings{Provider: "log"}, log)
	if err != nil {
		t.Fatalf("New(log) returned error: %v", err)
	}
	if _, ok := m.(*LogMailer); !ok {
		t.Fatalf("expected LogMailer, got %T", m)
	}

	m, err = New(testMailSettings(), log)
	if err != nil {
		t.Fatalf("New(postmark) returned error: %v", err)
	}
	if _, ok := m.(*PostmarkMailer); !ok {
		t.Fatalf("expected PostmarkMailer, got %T", m)
	}

	if _, err := New(config.MailSettings{Provider: "postmark"}, log); err == nil {
		t.Fatal("expected error for postmark without token")
	}
	if _, err := New(config.MailSettings{Provider: "smtp"}, log); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLogMailerNeverFails(t *testing.T) {
	if err := NewLogMailer(zaptest.NewLogger(t)).Send(context.Background(), "bob@example.org", "s", "b"); err != nil {
		t.Fatalf("LogMailer returned error: %v", err)
	}
}
