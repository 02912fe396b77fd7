package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/infra/config"
	"github.com/arklim/twofactor-service/internal/infra/logger"
)

// ErrSendFailed wraps every delivery failure.
var ErrSendFailed = errors.New("mail: send failed")

const codeTag = "two-factor-code"

type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkMailer delivers plain text mail through the Postmark transactional API.
type PostmarkMailer struct {
	api    postmarkAPI
	cfg    config.MailSettings
	logger *zap.Logger
}

// NewPostmarkMailer builds a mailer from the server and account tokens.
func NewPostmarkMailer(cfg config.MailSettings, log *zap.Logger) (*PostmarkMailer, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("mail: server token is required")
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("mail: sender email is required")
	}
	return newPostmarkMailer(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), cfg, log), nil
}

func newPostmarkMailer(api postmarkAPI, cfg config.MailSettings, log *zap.Logger) *PostmarkMailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostmarkMailer{api: api, cfg: cfg, logger: log}
}

// Send implements port.Mailer.
func (m *PostmarkMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := postmark.Email{
		From:          m.cfg.SenderEmail,
		To:            to,
		Subject:       subject,
		TextBody:      body,
		Tag:           codeTag,
		MessageStream: m.cfg.MessageStream,
	}
	if m.cfg.SupportEmail != "" {
		msg.ReplyTo = m.cfg.SupportEmail
	}

	resp, err := m.api.SendEmail(ctx, msg)
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}

	m.logger.Debug("code email accepted",
		zap.String("to", logger.MaskEmail(to)),
		zap.String("message_id", resp.MessageID),
	)
	return nil
}

// LogMailer writes messages to the log instead of delivering them. Used in development.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(log *zap.Logger) *LogMailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogMailer{logger: log}
}

// Send implements port.Mailer.
func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.logger.Info("mail delivery skipped",
		zap.String("to", logger.MaskEmail(to)),
		zap.String("subject", subject),
		zap.Int("body_length", len(body)),
	)
	return nil
}

// New selects the mailer configured by mail.provider.
func New(cfg config.MailSettings, log *zap.Logger) (port.Mailer, error) {
	switch cfg.Provider {
	case "postmark":
		return NewPostmarkMailer(cfg, log)
	case "log", "":
		return NewLogMailer(log), nil
	default:
		return nil, fmt.Errorf("mail: unknown provider %q", cfg.Provider)
	}
}

var (
	_ port.Mailer = (*PostmarkMailer)(nil)
	_ port.Mailer = (*LogMailer)(nil)
)
