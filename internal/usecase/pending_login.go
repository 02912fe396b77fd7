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

const (
	// CleanupLockName guards the expired session sweep across processes.
	CleanupLockName = "twofactor_cleanup_lock"

	defaultSessionTTL         = 300 * time.Second
	defaultCleanupBatchSize   = 1000
	defaultCleanupLockTimeout = 60 * time.Second
)

// PendingLoginOptions tunes session lifetime and cleanup.
type PendingLoginOptions struct {
	TTL         time.Duration
	BatchSize   int
	LockTimeout time.Duration
}

// NewPendingLogin holds the fields captured at first factor success.
type NewPendingLogin struct {
	UserID       string
	UserLogin    string
	Method       domain.AuthMethod
	HasRecovery  bool
	EmailAddress string
	ClientIP     string
}

// CleanupReport describes one CleanupExpired call.
type CleanupReport struct {
	// Ran is false when another holder owned the lock and this call only waited.
	Ran     bool
	Batches int
	Deleted int64
}

// PendingLoginService manages the token keyed state between the two login factors.
type PendingLoginService struct {
	logins  port.PendingLoginRepository
	logs    port.LoginLogRepository
	tx      port.Transactor
	locker  port.Locker
	metrics MetricsRecorder
	opts    PendingLoginOptions
	logger  *zap.Logger
	now     func() time.Time
}

// NewPendingLoginService constructs a PendingLoginService.
func NewPendingLoginService(logins port.PendingLoginRepository, logs port.LoginLogRepository, tx port.Transactor, locker port.Locker, opts PendingLoginOptions, logger *zap.Logger) *PendingLoginService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultSessionTTL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultCleanupLockTimeout
	}
	return &PendingLoginService{
		logins:  logins,
		logs:    logs,
		tx:      tx,
		locker:  locker,
		metrics: noopMetrics{},
		opts:    opts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *PendingLoginService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithMetrics attaches a metrics recorder.
func (s *PendingLoginService) WithMetrics(m MetricsRecorder) *PendingLoginService {
	s.metrics = metricsOrNoop(m)
	return s
}

// Create stores a new pending login and returns its token.
func (s *PendingLoginService) Create(ctx context.Context, params NewPendingLogin) (string, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	token, err := security.GenerateLoginToken()
	if err != nil {
		return "", err
	}

	now := s.now()
	login := domain.PendingLogin{
		Token:        token,
		UserID:       params.UserID,
		UserLogin:    params.UserLogin,
		AuthMethod:   params.Method,
		HasRecovery:  params.HasRecovery,
		EmailAddress: params.EmailAddress,
		ClientIP:     params.ClientIP,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.opts.TTL),
	}
	if err := s.logins.Create(ctx, login); err != nil {
		return "", persistenceError("create pending login", err)
	}
	return token, nil
}

// Get returns the pending login for token. Unknown and expired tokens both yield ErrSessionExpired;
// expired rows are left for the cleanup sweep.
func (s *PendingLoginService) Get(ctx context.Context, token string) (*domain.PendingLogin, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrSessionExpired
	}

	login, err := s.logins.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, persistenceError("get pending login", err)
	}
	if login.Expired(s.now()) {
		return nil, ErrSessionExpired
	}
	return login, nil
}

// Delete removes a pending login after the second factor succeeded.
func (s *PendingLoginService) Delete(ctx context.Context, token string) error {
	if err := s.logins.Delete(ctx, token); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return persistenceError("delete pending login", err)
	}
	return nil
}

// CleanupExpired audits and deletes expired pending logins in batches, one transaction per batch.
// Only one caller sweeps at a time; a caller that finds the lock held waits for the holder and
// returns without sweeping.
func (s *PendingLoginService) CleanupExpired(ctx context.Context) (CleanupReport, error) {
	lease, err := s.locker.TryAcquire(ctx, CleanupLockName)
	if err != nil {
		return CleanupReport{}, fmt.Errorf("acquire cleanup lock: %w", err)
	}
	if lease == nil {
		waited, err := s.locker.AcquireWait(ctx, CleanupLockName, s.opts.LockTimeout)
		if err != nil {
			return CleanupReport{}, fmt.Errorf("wait for cleanup lock: %w", err)
		}
		if waited != nil {
			s.release(ctx, waited)
		}
		return CleanupReport{}, nil
	}
	defer s.release(ctx, lease)

	report := CleanupReport{Ran: true}
	reference := s.now()

	var afterID int64
	for {
		batch, err := s.logins.ListExpired(ctx, reference, afterID, s.opts.BatchSize)
		if err != nil {
			return report, persistenceError("list expired pending logins", err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		entries := make([]domain.LoginLogEntry, 0, len(batch))
		ids := make([]int64, 0, len(batch))
		for _, login := range batch {
			entries = append(entries, domain.LoginLogEntry{
				Name:    login.UserLogin,
				IP:      login.ClientIP,
				Status:  domain.LoginStatusFailed,
				Channel: domain.LoginChannelPage,
				LoginAt: login.CreatedAt,
			})
			ids = append(ids, login.ID)
		}

		var deleted int64
		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.logs.Insert(ctx, entries...); err != nil {
				return fmt.Errorf("audit expired logins: %w", err)
			}
			n, err := s.logins.DeleteByIDs(ctx, ids)
			if err != nil {
				return fmt.Errorf("delete expired logins: %w", err)
			}
			deleted = n
			return nil
		})
		if err != nil {
			s.logger.Error("expired session cleanup batch rolled back", zap.Int("batch_size", len(batch)), zap.Error(err))
			return report, persistenceError("cleanup expired logins", err)
		}

		report.Batches++
		report.Deleted += deleted
		s.metrics.ObserveCleanup(deleted)

		if len(batch) < s.opts.BatchSize {
			break
		}
	}

	if report.Deleted > 0 {
		s.logger.Info("expired pending logins removed", zap.Int64("deleted", report.Deleted), zap.Int("batches", report.Batches))
	}
	return report, nil
}

func (s *PendingLoginService) release(ctx context.Context, lease port.Lease) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("failed to release cleanup lock", zap.Error(err))
	}
}
