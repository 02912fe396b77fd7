package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/infra/security"
	"github.com/arklim/twofactor-service/internal/repository"
)

const defaultSetupSecretTTL = 180 * time.Second

// SetupOptions configures enrollment.
type SetupOptions struct {
	Issuer    string
	AppPeriod time.Duration
	SecretTTL time.Duration
}

// AppSecret is returned once when an authenticator app is being registered.
type AppSecret struct {
	Hex       string
	Base32    string
	URI       string
	QRCodePNG string
}

// EmailSecretResult reports whether a setup code email went out.
type EmailSecretResult struct {
	Sent             bool
	RemainingSeconds int
}

// VerifySetupRequest confirms a new method with a code generated from the candidate secret.
type VerifySetupRequest struct {
	UserID string
	Method domain.AuthMethod
	Code   string
	// SecretHex is only read for the app method; the email secret never leaves the server.
	SecretHex string
}

// SetupResult is returned after a method was saved.
type SetupResult struct {
	Method      domain.AuthMethod
	HasRecovery bool
}

// SetupService implements the enrollment endpoints of the settings screen.
type SetupService struct {
	users    port.UserDirectory
	records  *AuthRecordService
	recovery *RecoveryCodeService
	emails   *EmailCodeService
	secrets  port.SetupSecretStore
	tx       port.Transactor
	opts     SetupOptions
	logger   *zap.Logger
	now      func() time.Time
}

// NewSetupService constructs a SetupService.
func NewSetupService(users port.UserDirectory, records *AuthRecordService, recovery *RecoveryCodeService, emails *EmailCodeService, secrets port.SetupSecretStore, tx port.Transactor, opts SetupOptions, logger *zap.Logger) *SetupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AppPeriod < time.Second {
		opts.AppPeriod = security.DefaultAppPeriod
	}
	if opts.SecretTTL <= 0 {
		opts.SecretTTL = defaultSetupSecretTTL
	}
	return &SetupService{
		users:    users,
		records:  records,
		recovery: recovery,
		emails:   emails,
		secrets:  secrets,
		tx:       tx,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *SetupService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// GenerateAppSecret creates a secret for an authenticator app. Nothing is stored until Verify.
func (s *SetupService) GenerateAppSecret(ctx context.Context, userID string) (*AppSecret, error) {
	profile, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	secret, err := security.GenerateSecret()
	if err != nil {
		return nil, err
	}

	provisioning, err := security.BuildProvisioning(s.opts.Issuer, profile.Login, secret.Raw)
	if err != nil {
		return nil, err
	}

	return &AppSecret{
		Hex:       secret.Hex,
		Base32:    secret.Base32,
		URI:       provisioning.URI,
		QRCodePNG: provisioning.QRCodePNG,
	}, nil
}

// SendEmailSecret creates a server side secret and mails its current code. The secret is kept
// for a short time keyed by user until Verify consumes it.
func (s *SetupService) SendEmailSecret(ctx context.Context, userID string) (*EmailSecretResult, error) {
	profile, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	remaining, err := s.emails.Remaining(ctx, userID)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return &EmailSecretResult{Sent: false, RemainingSeconds: remainingSeconds(remaining)}, nil
	}

	secret, err := security.GenerateSecret()
	if err != nil {
		return nil, err
	}

	// Stored before mailing so a delivered code always has a secret to verify against.
	if err := s.secrets.Save(ctx, userID, secret.Hex, s.opts.SecretTTL); err != nil {
		return nil, persistenceError("save setup secret", err)
	}

	sent, remaining, err := s.emails.Send(ctx, EmailCodeRequest{
		UserID:    userID,
		UserLogin: profile.Login,
		To:        profile.Email,
		SecretHex: secret.Hex,
		Purpose:   EmailPurposeSetting,
	})
	if err != nil {
		return nil, err
	}
	if !sent {
		return &EmailSecretResult{Sent: false, RemainingSeconds: remainingSeconds(remaining)}, nil
	}

	return &EmailSecretResult{Sent: true, RemainingSeconds: remainingSeconds(remaining)}, nil
}

// Verify checks the code against the candidate secret and saves the method on success.
func (s *SetupService) Verify(ctx context.Context, req VerifySetupRequest) (*SetupResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if !req.Method.Storable() {
		return nil, ErrInvalidMethod
	}

	period := s.opts.AppPeriod
	secretHex := strings.TrimSpace(req.SecretHex)

	if req.Method == domain.AuthMethodEmail {
		period = s.emails.Period()
		stored, err := s.secrets.Get(ctx, req.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrSetupExpired
			}
			return nil, persistenceError("get setup secret", err)
		}
		secretHex = stored
	}

	raw, err := security.DecodeHexSecret(secretHex)
	if err != nil || len(raw) != security.SecretLength {
		return nil, ErrDecode
	}

	ok, err := security.VerifyTOTP(secretHex, strings.TrimSpace(req.Code), period, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if !ok {
		return nil, ErrInvalidCode
	}

	var result SetupResult
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.records.Upsert(ctx, req.UserID, req.Method, secretHex); err != nil {
			return err
		}
		hasRecovery, err := s.records.HasRecovery(ctx, req.UserID)
		if err != nil {
			return err
		}
		result = SetupResult{Method: req.Method, HasRecovery: hasRecovery}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to save second factor method", zap.String("user_id", req.UserID), zap.Error(err))
		return nil, err
	}

	if req.Method == domain.AuthMethodEmail {
		if err := s.secrets.Delete(ctx, req.UserID); err != nil {
			s.logger.Warn("failed to delete setup secret", zap.String("user_id", req.UserID), zap.Error(err))
		}
		if err := s.emails.Clear(ctx, req.UserID); err != nil {
			s.logger.Warn("failed to clear email throttle", zap.String("user_id", req.UserID), zap.Error(err))
		}
	}

	s.logger.Info("second factor method saved", zap.String("user_id", req.UserID), zap.String("method", req.Method.String()))
	s.records.publishEnrolled(ctx, req.UserID, req.Method, false)
	return &result, nil
}

// GenerateRecoveryCodes replaces the user's recovery set. The user must be enrolled.
func (s *SetupService) GenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	if _, err := s.records.Get(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}
	return s.recovery.InitializeCodes(ctx, userID)
}

// Status reports the current enrollment.
func (s *SetupService) Status(ctx context.Context, userID string) (EnrollmentStatus, error) {
	return s.records.EnrollmentStatus(ctx, userID)
}

func (s *SetupService) profile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	profile, err := s.users.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistenceError("get user profile", err)
	}
	return profile, nil
}
