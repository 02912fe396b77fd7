package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/infra/logger"
	"github.com/arklim/twofactor-service/internal/infra/security"
)

// EmailPurpose selects the wording of a code email.
type EmailPurpose string

const (
	EmailPurposeLogin   EmailPurpose = "login"
	EmailPurposeSetting EmailPurpose = "setting"
)

const (
	defaultEmailCooldown = 30 * time.Second
	codeEmailSubject     = "Two-factor authentication code"
	mailSignature        = "Two-Factor Authentication Service"
)

// EmailCodeOptions configures code delivery by email.
type EmailCodeOptions struct {
	Period   time.Duration
	Cooldown time.Duration
	SiteName string
}

// EmailCodeRequest describes one code email.
type EmailCodeRequest struct {
	UserID    string
	UserLogin string
	To        string
	SecretHex string
	Purpose   EmailPurpose
}

// EmailCodeService sends codes by email, at most once per cooldown per user.
type EmailCodeService struct {
	throttle port.EmailThrottleStore
	mailer   port.Mailer
	metrics  MetricsRecorder
	opts     EmailCodeOptions
	logger   *zap.Logger
	now      func() time.Time
}

// NewEmailCodeService constructs an EmailCodeService.
func NewEmailCodeService(throttle port.EmailThrottleStore, mailer port.Mailer, opts EmailCodeOptions, log *zap.Logger) *EmailCodeService {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Period < time.Second {
		opts.Period = security.DefaultEmailPeriod
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultEmailCooldown
	}
	return &EmailCodeService{
		throttle: throttle,
		mailer:   mailer,
		metrics:  noopMetrics{},
		opts:     opts,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *EmailCodeService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithMetrics attaches a metrics recorder.
func (s *EmailCodeService) WithMetrics(m MetricsRecorder) *EmailCodeService {
	s.metrics = metricsOrNoop(m)
	return s
}

// Period is the time step used for emailed codes.
func (s *EmailCodeService) Period() time.Duration {
	return s.opts.Period
}

// Cooldown is the minimum spacing between two emails to one user.
func (s *EmailCodeService) Cooldown() time.Duration {
	return s.opts.Cooldown
}

// Remaining returns how long the user must wait before another email may be sent.
func (s *EmailCodeService) Remaining(ctx context.Context, userID string) (time.Duration, error) {
	next, ok, err := s.throttle.NextAllowed(ctx, userID)
	if err != nil {
		return 0, persistenceError("read email throttle", err)
	}
	if !ok {
		return 0, nil
	}
	if remaining := next.Sub(s.now()); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Send mails a fresh code unless the cooldown is active. It reports whether a mail was sent and
// the cooldown left afterwards.
func (s *EmailCodeService) Send(ctx context.Context, req EmailCodeRequest) (bool, time.Duration, error) {
	remaining, err := s.Remaining(ctx, req.UserID)
	if err != nil {
		return false, 0, err
	}
	if remaining > 0 {
		s.metrics.ObserveEmail(string(req.Purpose), "throttled")
		return false, remaining, nil
	}
	if strings.TrimSpace(req.To) == "" {
		return false, 0, fmt.Errorf("%w: no email address on file", ErrInvalidInput)
	}

	now := s.now()
	code, err := security.CodeAt(req.SecretHex, s.opts.Period, now)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if err := s.mailer.Send(ctx, req.To, codeEmailSubject, s.composeBody(req, code)); err != nil {
		s.metrics.ObserveEmail(string(req.Purpose), "failed")
		s.logger.Error("failed to send code email",
			zap.String("user_id", req.UserID),
			zap.String("to", logger.MaskEmail(req.To)),
			zap.Error(err),
		)
		return false, 0, fmt.Errorf("send code email: %w", err)
	}

	if err := s.throttle.MarkSent(ctx, req.UserID, now.Add(s.opts.Cooldown)); err != nil {
		s.logger.Warn("failed to record email throttle", zap.String("user_id", req.UserID), zap.Error(err))
	}
	s.metrics.ObserveEmail(string(req.Purpose), "sent")
	return true, s.opts.Cooldown, nil
}

// Clear drops the cooldown mark.
func (s *EmailCodeService) Clear(ctx context.Context, userID string) error {
	if err := s.throttle.Clear(ctx, userID); err != nil {
		return persistenceError("clear email throttle", err)
	}
	return nil
}

func (s *EmailCodeService) composeBody(req EmailCodeRequest, code string) string {
	var b strings.Builder
	site := s.opts.SiteName

	if req.Purpose == EmailPurposeSetting {
		fmt.Fprintf(&b, "User %s is setting up two-factor authentication on %s.\n", req.UserLogin, site)
		b.WriteString("Enter the following two-factor authentication code to complete the setup.\n\n")
	} else {
		fmt.Fprintf(&b, "User %s is trying to log in to %s.\n", req.UserLogin, site)
		b.WriteString("Enter the following two-factor authentication code to complete the login.\n\n")
	}

	fmt.Fprintf(&b, "Two-factor authentication code: %s\n\n", code)
	fmt.Fprintf(&b, "This code is valid for %d minute(s).\n", int(s.opts.Period/time.Minute))
	b.WriteString("If you did not expect this email, someone may be trying to log in with your password.\n")
	b.WriteString("We recommend changing your password immediately.\n\n")
	b.WriteString("--\n")
	b.WriteString(mailSignature + "\n")
	return b.String()
}
