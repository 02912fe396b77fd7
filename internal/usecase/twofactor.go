package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/infra/logger"
	"github.com/arklim/twofactor-service/internal/infra/security"
	"github.com/arklim/twofactor-service/internal/repository"
)

const tracerName = "github.com/arklim/twofactor-service/internal/usecase"

// Messages shown on the challenge screen.
const (
	MessageCodeResent      = "A new authentication code has been sent."
	MessageResendThrottled = "Authentication codes can be resent once every 30 seconds. Please wait and try again."
	MessageInvalidCode     = "The authentication code is wrong or has expired."
	MessageEmptyCode       = "No authentication code was entered."
)

// Decision is the orchestrator's verdict for the login pipeline.
type Decision string

const (
	// DecisionProceed lets the host establish the session.
	DecisionProceed Decision = "proceed"
	// DecisionChallenge asks the host to render the challenge and stop.
	DecisionChallenge Decision = "challenge"
)

// TwoFactorPolicy decides who must pass a second factor.
type TwoFactorPolicy struct {
	Enabled       bool
	RequiredRoles []string
	AppPeriod     time.Duration
}

// Challenge is the view model for the second factor screen.
type Challenge struct {
	LoginToken       string
	Method           domain.AuthMethod
	HasRecovery      bool
	MaskedEmail      string
	RemainingSeconds int
	Message          string
	Error            string
}

// LoginOutcome is returned by BeginLogin and Submit.
type LoginOutcome struct {
	Decision  Decision
	UserID    string
	UserLogin string
	Challenge *Challenge
}

// LoginAttempt carries first factor results into BeginLogin.
type LoginAttempt struct {
	UserID    string
	UserLogin string
	ClientIP  string
}

// SubmitRequest is everything the challenge form posts back.
type SubmitRequest struct {
	Token    string
	Code     string
	ClientIP string
	// Recovery marks Code as a recovery code.
	Recovery        bool
	Resend          bool
	UseRecoveryCode bool
	BackToAuthCode  bool
}

// TwoFactorDependencies bundles the collaborators of TwoFactorService.
type TwoFactorDependencies struct {
	Users    port.UserDirectory
	Records  *AuthRecordService
	Recovery *RecoveryCodeService
	Sessions *PendingLoginService
	Limiter  *LoginRateLimiter
	Emails   *EmailCodeService
	Logs     port.LoginLogRepository
	Events   port.EventPublisher
}

// TwoFactorService drives the second factor state machine for the login pipeline.
type TwoFactorService struct {
	deps    TwoFactorDependencies
	policy  TwoFactorPolicy
	metrics MetricsRecorder
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time

	cleanup         func(ctx context.Context)
	cleanupInFlight atomic.Bool
}

// NewTwoFactorService constructs a TwoFactorService.
func NewTwoFactorService(deps TwoFactorDependencies, policy TwoFactorPolicy, logger *zap.Logger) *TwoFactorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.AppPeriod < time.Second {
		policy.AppPeriod = security.DefaultAppPeriod
	}
	s := &TwoFactorService{
		deps:    deps,
		policy:  policy,
		metrics: noopMetrics{},
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.cleanup = s.backgroundCleanup
	return s
}

// WithClock overrides the internal clock for deterministic tests.
func (s *TwoFactorService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithMetrics attaches a metrics recorder.
func (s *TwoFactorService) WithMetrics(m MetricsRecorder) *TwoFactorService {
	s.metrics = metricsOrNoop(m)
	return s
}

// WithCleanupTrigger replaces the sweep started after each completed login.
func (s *TwoFactorService) WithCleanupTrigger(trigger func(ctx context.Context)) *TwoFactorService {
	if trigger != nil {
		s.cleanup = trigger
	}
	return s
}

// GuardLogin rejects a locked out source address before the first factor is checked.
func (s *TwoFactorService) GuardLogin(ctx context.Context, ip, userLogin string) error {
	minutes, err := s.deps.Limiter.LockoutMinutes(ctx, ip)
	if err != nil {
		return err
	}
	if minutes == 0 {
		return nil
	}
	s.audit(ctx, userLogin, ip, domain.LoginStatusDisabled, "locked_out")
	return &LockedOutError{Minutes: minutes}
}

// Required reports whether the profile falls under the second factor policy.
func (s *TwoFactorService) Required(profile domain.UserProfile) bool {
	return s.policy.Enabled && profile.HasAnyRole(s.policy.RequiredRoles)
}

// RequiresEnrollment reports whether the user falls under the policy but has no record yet.
func (s *TwoFactorService) RequiresEnrollment(ctx context.Context, userID string) (bool, error) {
	profile, err := s.profile(ctx, userID)
	if err != nil {
		return false, err
	}
	if !s.Required(*profile) {
		return false, nil
	}
	_, err = s.deps.Records.Resolve(ctx, userID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDecode):
		return true, nil
	default:
		return false, err
	}
}

// BeginLogin runs after the first factor succeeded. It either lets the login proceed or opens
// a pending login and returns the challenge to render.
func (s *TwoFactorService) BeginLogin(ctx context.Context, attempt LoginAttempt) (*LoginOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "TwoFactor.BeginLogin")
	defer span.End()

	proceed := &LoginOutcome{Decision: DecisionProceed, UserID: attempt.UserID, UserLogin: attempt.UserLogin}

	profile, err := s.profile(ctx, attempt.UserID)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	if attempt.UserLogin == "" {
		attempt.UserLogin = profile.Login
		proceed.UserLogin = profile.Login
	}
	if !s.Required(*profile) {
		span.SetAttributes(attribute.Bool("twofactor.required", false))
		return proceed, nil
	}

	record, err := s.deps.Records.Resolve(ctx, attempt.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDecode) {
			// Users who never enrolled log in with the first factor only.
			s.logger.Warn("second factor required but user is not enrolled",
				zap.String("user_id", attempt.UserID),
			)
			span.SetAttributes(attribute.Bool("twofactor.enrolled", false))
			return proceed, nil
		}
		return nil, recordSpanError(span, err)
	}

	hasRecovery := record.RemainingRecoveryCodes() > 0
	masked := logger.MaskEmail(profile.Email)

	token, err := s.deps.Sessions.Create(ctx, NewPendingLogin{
		UserID:       attempt.UserID,
		UserLogin:    attempt.UserLogin,
		Method:       record.Method,
		HasRecovery:  hasRecovery,
		EmailAddress: masked,
		ClientIP:     attempt.ClientIP,
	})
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	challenge := &Challenge{
		LoginToken:  token,
		Method:      record.Method,
		HasRecovery: hasRecovery,
		MaskedEmail: masked,
	}

	if record.Method == domain.AuthMethodEmail {
		_, remaining, err := s.deps.Emails.Send(ctx, EmailCodeRequest{
			UserID:    attempt.UserID,
			UserLogin: attempt.UserLogin,
			To:        profile.Email,
			SecretHex: record.Secret,
			Purpose:   EmailPurposeLogin,
		})
		if err != nil {
			s.logger.Error("could not deliver login code", zap.String("user_id", attempt.UserID), zap.Error(err))
		}
		challenge.RemainingSeconds = remainingSeconds(remaining)
	}

	span.SetAttributes(attribute.String("twofactor.method", record.Method.String()))
	return &LoginOutcome{
		Decision:  DecisionChallenge,
		UserID:    attempt.UserID,
		UserLogin: attempt.UserLogin,
		Challenge: challenge,
	}, nil
}

// Submit handles a post from the challenge screen: a code, a resend request or a switch between
// the authenticator and recovery forms. Only code submissions count against the rate limiter.
func (s *TwoFactorService) Submit(ctx context.Context, req SubmitRequest) (*LoginOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "TwoFactor.Submit")
	defer span.End()

	session, err := s.deps.Sessions.Get(ctx, req.Token)
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	switch {
	case req.Resend:
		return s.resend(ctx, session)
	case req.UseRecoveryCode:
		return s.redisplay(ctx, session, domain.AuthMethodRecovery, "", "")
	case req.BackToAuthCode:
		return s.redisplay(ctx, session, session.AuthMethod, "", "")
	}

	ip := req.ClientIP
	if ip == "" {
		ip = session.ClientIP
	}

	minutes, err := s.deps.Limiter.LockoutMinutes(ctx, ip)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	if minutes > 0 {
		s.audit(ctx, session.UserLogin, ip, domain.LoginStatusDisabled, "locked_out")
		return nil, recordSpanError(span, &LockedOutError{Minutes: minutes})
	}

	method := session.AuthMethod
	if req.Recovery {
		method = domain.AuthMethodRecovery
	}
	span.SetAttributes(attribute.String("twofactor.method", method.String()))

	ok, err := s.verify(ctx, session, method, req.Code)
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	if ok {
		s.metrics.ObserveVerification(method.String(), "success")
		return s.complete(ctx, session, ip)
	}

	s.metrics.ObserveVerification(method.String(), "failure")
	return s.fail(ctx, session, ip, method, req.Code)
}

func (s *TwoFactorService) verify(ctx context.Context, session *domain.PendingLogin, method domain.AuthMethod, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}

	if method == domain.AuthMethodRecovery {
		return s.deps.Recovery.VerifyCode(ctx, session.UserID, code)
	}

	record, err := s.deps.Records.Get(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	period := s.policy.AppPeriod
	if record.Method == domain.AuthMethodEmail {
		period = s.deps.Emails.Period()
	}

	ok, err := security.VerifyTOTP(record.Secret, code, period, s.now())
	if err != nil {
		if errors.Is(err, security.ErrDecode) {
			s.logger.Error("stored secret is malformed", zap.String("user_id", session.UserID))
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func (s *TwoFactorService) complete(ctx context.Context, session *domain.PendingLogin, ip string) (*LoginOutcome, error) {
	if err := s.deps.Limiter.RecordSuccess(ctx, ip); err != nil {
		s.logger.Warn("failed to reset rate limiter", zap.String("ip", logger.MaskIP(ip)), zap.Error(err))
	}
	if err := s.deps.Sessions.Delete(ctx, session.Token); err != nil {
		return nil, err
	}
	if err := s.deps.Emails.Clear(ctx, session.UserID); err != nil {
		s.logger.Warn("failed to clear email throttle", zap.String("user_id", session.UserID), zap.Error(err))
	}

	s.audit(ctx, session.UserLogin, ip, domain.LoginStatusSuccess, "")
	s.cleanup(ctx)

	return &LoginOutcome{
		Decision:  DecisionProceed,
		UserID:    session.UserID,
		UserLogin: session.UserLogin,
	}, nil
}

func (s *TwoFactorService) fail(ctx context.Context, session *domain.PendingLogin, ip string, method domain.AuthMethod, code string) (*LoginOutcome, error) {
	attempt, err := s.deps.Limiter.RecordFailure(ctx, ip)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session.UserLogin, ip, domain.LoginStatusFailed, "invalid_code")

	if minutes := lockoutMinutesAt(attempt, s.now()); minutes > 0 {
		s.metrics.ObserveLockout()
		s.publishLockout(ctx, attempt, minutes)
		return nil, &LockedOutError{Minutes: minutes}
	}

	message := MessageInvalidCode
	if strings.TrimSpace(code) == "" {
		message = MessageEmptyCode
	}
	return s.redisplay(ctx, session, method, "", message)
}

func (s *TwoFactorService) resend(ctx context.Context, session *domain.PendingLogin) (*LoginOutcome, error) {
	if session.AuthMethod != domain.AuthMethodEmail {
		return s.redisplay(ctx, session, session.AuthMethod, "", "")
	}

	record, err := s.deps.Records.Get(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	profile, err := s.profile(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	sent, _, err := s.deps.Emails.Send(ctx, EmailCodeRequest{
		UserID:    session.UserID,
		UserLogin: session.UserLogin,
		To:        profile.Email,
		SecretHex: record.Secret,
		Purpose:   EmailPurposeLogin,
	})
	if err != nil {
		return nil, err
	}
	if sent {
		return s.redisplay(ctx, session, session.AuthMethod, MessageCodeResent, "")
	}
	return s.redisplay(ctx, session, session.AuthMethod, "", MessageResendThrottled)
}

func (s *TwoFactorService) redisplay(ctx context.Context, session *domain.PendingLogin, method domain.AuthMethod, message, errMessage string) (*LoginOutcome, error) {
	challenge := &Challenge{
		LoginToken:  session.Token,
		Method:      method,
		HasRecovery: session.HasRecovery,
		MaskedEmail: session.EmailAddress,
		Message:     message,
		Error:       errMessage,
	}
	if session.AuthMethod == domain.AuthMethodEmail {
		remaining, err := s.deps.Emails.Remaining(ctx, session.UserID)
		if err != nil {
			s.logger.Warn("failed to read email throttle", zap.String("user_id", session.UserID), zap.Error(err))
		}
		challenge.RemainingSeconds = remainingSeconds(remaining)
	}
	return &LoginOutcome{
		Decision:  DecisionChallenge,
		UserID:    session.UserID,
		UserLogin: session.UserLogin,
		Challenge: challenge,
	}, nil
}

func (s *TwoFactorService) profile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	profile, err := s.deps.Users.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistenceError("get user profile", err)
	}
	return profile, nil
}

func (s *TwoFactorService) audit(ctx context.Context, userLogin, ip string, status domain.LoginStatus, reason string) {
	now := s.now()
	if s.deps.Logs != nil {
		entry := domain.LoginLogEntry{
			Name:    userLogin,
			IP:      ip,
			Status:  status,
			Channel: domain.LoginChannelPage,
			LoginAt: now,
		}
		if err := s.deps.Logs.Insert(ctx, entry); err != nil {
			s.logger.Warn("failed to write login audit entry", zap.String("status", status.String()), zap.Error(err))
		}
	}
	if s.deps.Events != nil {
		event := domain.LoginAuditedEvent{
			EventID:   uuid.NewString(),
			UserLogin: userLogin,
			IPAddress: ip,
			Status:    status,
			Reason:    reason,
			LoginAt:   now,
		}
		if err := s.deps.Events.PublishLoginAudited(ctx, event); err != nil {
			s.logger.Warn("failed to publish login audit event", zap.Error(err))
		}
	}
}

func (s *TwoFactorService) publishLockout(ctx context.Context, attempt domain.FailedAttempt, minutes int) {
	s.logger.Warn("source address locked out",
		zap.String("ip", logger.MaskIP(attempt.IP)),
		zap.Int("failed_count", attempt.FailedCount),
		zap.Int("minutes", minutes),
	)
	if s.deps.Events == nil {
		return
	}
	event := domain.IPLockedOutEvent{
		EventID:     uuid.NewString(),
		IPAddress:   attempt.IP,
		FailedCount: attempt.FailedCount,
		Minutes:     minutes,
		LockedAt:    attempt.LoginAt,
	}
	if err := s.deps.Events.PublishIPLockedOut(ctx, event); err != nil {
		s.logger.Warn("failed to publish lockout event", zap.Error(err))
	}
}

// backgroundCleanup sweeps expired sessions without holding up the login response.
// At most one sweep per process is started at a time.
func (s *TwoFactorService) backgroundCleanup(ctx context.Context) {
	if s.deps.Sessions == nil || !s.cleanupInFlight.CompareAndSwap(false, true) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer s.cleanupInFlight.Store(false)
		if _, err := s.deps.Sessions.CleanupExpired(ctx); err != nil {
			s.logger.Warn("opportunistic cleanup failed", zap.Error(err))
		}
	}()
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
