package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/repository"
)

var errStorage = errors.New("storage offline")

type fakeAuthRecords struct {
	mu       sync.Mutex
	rowLocks map[string]*sync.Mutex
	records  map[string]domain.AuthRecord
	getErr   error
	saveErr  error
	insertFn func(domain.AuthRecord) error
}

func newFakeAuthRecords(records ...domain.AuthRecord) *fakeAuthRecords {
	repo := &fakeAuthRecords{records: make(map[string]domain.AuthRecord)}
	for _, r := range records {
		repo.records[r.UserID] = r
	}
	return repo
}

func (f *fakeAuthRecords) Get(_ context.Context, userID string) (*domain.AuthRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	record, ok := f.records[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if record.Recovery != nil {
		record.Recovery = append([]string{}, record.Recovery...)
	}
	return &record, nil
}

// GetForUpdate holds a per-user lock until the fakeTx that owns ctx finishes.
func (f *fakeAuthRecords) GetForUpdate(ctx context.Context, userID string) (*domain.AuthRecord, error) {
	scope, ok := ctx.Value(fakeTxKey{}).(*fakeTxScope)
	if !ok {
		return nil, errors.New("GetForUpdate called outside a transaction")
	}

	f.mu.Lock()
	if f.rowLocks == nil {
		f.rowLocks = make(map[string]*sync.Mutex)
	}
	row, exists := f.rowLocks[userID]
	if !exists {
		row = &sync.Mutex{}
		f.rowLocks[userID] = row
	}
	f.mu.Unlock()

	row.Lock()
	scope.onEnd(row.Unlock)
	return f.Get(ctx, userID)
}

func (f *fakeAuthRecords) Upsert(_ context.Context, userID string, method domain.AuthMethod, secretHex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.records[userID]
	record.UserID = userID
	record.Method = method
	record.Secret = secretHex
	f.records[userID] = record
	return nil
}

func (f *fakeAuthRecords) Insert(_ context.Context, record domain.AuthRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFn != nil {
		if err := f.insertFn(record); err != nil {
			return err
		}
	}
	if _, exists := f.records[record.UserID]; exists {
		return errors.New("duplicate key")
	}
	f.records[record.UserID] = record
	return nil
}

func (f *fakeAuthRecords) InsertMissing(_ context.Context, records []domain.AuthRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inserted int64
	for _, r := range records {
		if _, exists := f.records[r.UserID]; exists {
			continue
		}
		f.records[r.UserID] = r
		inserted++
	}
	return inserted, nil
}

func (f *fakeAuthRecords) FilterEnrolled(_ context.Context, userIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, ok := f.records[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeAuthRecords) SaveRecovery(_ context.Context, userID string, hashed []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	record, ok := f.records[userID]
	if !ok {
		return repository.ErrNotFound
	}
	record.Recovery = append([]string{}, hashed...)
	f.records[userID] = record
	return nil
}

func (f *fakeAuthRecords) snapshot(userID string) (domain.AuthRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[userID]
	return record, ok
}

type fakeLegacySecrets struct {
	mu      sync.Mutex
	secrets []domain.LegacySecret
	delErr  error
}

func (f *fakeLegacySecrets) GetByUser(_ context.Context, userID string) (*domain.LegacySecret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.secrets {
		if s.UserID == userID {
			copy := s
			return &copy, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeLegacySecrets) DeleteByUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	kept := f.secrets[:0]
	for _, s := range f.secrets {
		if s.UserID != userID {
			kept = append(kept, s)
		}
	}
	f.secrets = kept
	return nil
}

func (f *fakeLegacySecrets) ListAfter(_ context.Context, afterID int64, limit int) ([]domain.LegacySecret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := append([]domain.LegacySecret{}, f.secrets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	out := make([]domain.LegacySecret, 0, limit)
	for _, s := range sorted {
		if s.ID > afterID && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeLegacySecrets) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return 0, f.delErr
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	var removed int64
	kept := f.secrets[:0]
	for _, s := range f.secrets {
		if _, ok := drop[s.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	f.secrets = kept
	return removed, nil
}

type fakePendingLogins struct {
	mu     sync.Mutex
	nextID int64
	logins map[string]domain.PendingLogin

	deleteCalls int
	deleteErr   error

	// listStarted is signalled and listGate awaited on the first ListExpired call when set.
	listStarted chan struct{}
	listGate    chan struct{}
	gateOnce    sync.Once
}

func newFakePendingLogins() *fakePendingLogins {
	return &fakePendingLogins{logins: make(map[string]domain.PendingLogin)}
}

func (f *fakePendingLogins) Create(_ context.Context, login domain.PendingLogin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	login.ID = f.nextID
	f.logins[login.Token] = login
	return nil
}

func (f *fakePendingLogins) Get(_ context.Context, token string) (*domain.PendingLogin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	login, ok := f.logins[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &login, nil
}

func (f *fakePendingLogins) Delete(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.logins, token)
	return nil
}

func (f *fakePendingLogins) ListExpired(_ context.Context, reference time.Time, afterID int64, limit int) ([]domain.PendingLogin, error) {
	if f.listGate != nil {
		f.gateOnce.Do(func() {
			close(f.listStarted)
			<-f.listGate
		})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	expired := make([]domain.PendingLogin, 0)
	for _, login := range f.logins {
		if login.ID > afterID && !login.ExpiresAt.After(reference) {
			expired = append(expired, login)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (f *fakePendingLogins) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	var removed int64
	for token, login := range f.logins {
		if _, ok := drop[login.ID]; ok {
			delete(f.logins, token)
			removed++
		}
	}
	return removed, nil
}

func (f *fakePendingLogins) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logins)
}

type fakeLoginAttempts struct {
	mu       sync.Mutex
	attempts map[string]domain.FailedAttempt
	updates  int
}

func newFakeLoginAttempts() *fakeLoginAttempts {
	return &fakeLoginAttempts{attempts: make(map[string]domain.FailedAttempt)}
}

func (f *fakeLoginAttempts) Get(_ context.Context, ip string) (*domain.FailedAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt, ok := f.attempts[ip]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &attempt, nil
}

func (f *fakeLoginAttempts) Insert(_ context.Context, attempt domain.FailedAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attempts[attempt.IP]; ok {
		return errors.New("duplicate key")
	}
	f.attempts[attempt.IP] = attempt
	return nil
}

func (f *fakeLoginAttempts) Update(_ context.Context, attempt domain.FailedAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attempts[attempt.IP]; !ok {
		return repository.ErrNotFound
	}
	f.updates++
	f.attempts[attempt.IP] = attempt
	return nil
}

type fakeLoginLog struct {
	mu        sync.Mutex
	entries   []domain.LoginLogEntry
	insertErr error
}

func (f *fakeLoginLog) Insert(_ context.Context, entries ...domain.LoginLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeLoginLog) withStatus(status domain.LoginStatus) []domain.LoginLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.LoginLogEntry, 0)
	for _, e := range f.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

// fakeTx runs fn directly and counts outcomes. Rollback of the fakes is not modelled; tests that
// need atomicity assert that the failing step prevented later steps instead. Row locks taken via
// GetForUpdate are released when fn returns.
type fakeTx struct {
	mu        sync.Mutex
	commits   int
	rollbacks int
}

type fakeTxKey struct{}

type fakeTxScope struct {
	mu      sync.Mutex
	release []func()
}

func (s *fakeTxScope) onEnd(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release = append(s.release, fn)
}

func (s *fakeTxScope) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range s.release {
		fn()
	}
	s.release = nil
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	scope := &fakeTxScope{}
	err := fn(context.WithValue(ctx, fakeTxKey{}, scope))
	scope.end()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

type fakeUsers struct {
	profiles map[string]domain.UserProfile
}

func newFakeUsers(profiles ...domain.UserProfile) *fakeUsers {
	users := &fakeUsers{profiles: make(map[string]domain.UserProfile)}
	for _, p := range profiles {
		users.profiles[p.ID] = p
	}
	return users
}

func (f *fakeUsers) GetProfile(_ context.Context, userID string) (*domain.UserProfile, error) {
	profile, ok := f.profiles[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &profile, nil
}

type fakeThrottle struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func newFakeThrottle() *fakeThrottle {
	return &fakeThrottle{marks: make(map[string]time.Time)}
}

func (f *fakeThrottle) MarkSent(_ context.Context, userID string, nextAllowed time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[userID] = nextAllowed
	return nil
}

func (f *fakeThrottle) NextAllowed(_ context.Context, userID string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, ok := f.marks[userID]
	return next, ok, nil
}

func (f *fakeThrottle) Clear(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.marks, userID)
	return nil
}

type fakeSetupSecrets struct {
	mu      sync.Mutex
	secrets map[string]string
	saveErr error
}

func newFakeSetupSecrets() *fakeSetupSecrets {
	return &fakeSetupSecrets{secrets: make(map[string]string)}
}

func (f *fakeSetupSecrets) Save(_ context.Context, userID, secretHex string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.secrets[userID] = secretHex
	return nil
}

func (f *fakeSetupSecrets) Get(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secret, ok := f.secrets[userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return secret, nil
}

func (f *fakeSetupSecrets) Delete(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.secrets, userID)
	return nil
}

type sentMail struct {
	To, Subject, Body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeEvents struct {
	mu        sync.Mutex
	audited   []domain.LoginAuditedEvent
	enrolled  []domain.TwoFactorEnrolledEvent
	generated []domain.RecoveryCodesGeneratedEvent
	used      []domain.RecoveryCodeUsedEvent
	lockouts  []domain.IPLockedOutEvent
}

func (f *fakeEvents) PublishLoginAudited(_ context.Context, e domain.LoginAuditedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audited = append(f.audited, e)
	return nil
}

func (f *fakeEvents) PublishTwoFactorEnrolled(_ context.Context, e domain.TwoFactorEnrolledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrolled = append(f.enrolled, e)
	return nil
}

func (f *fakeEvents) PublishRecoveryCodesGenerated(_ context.Context, e domain.RecoveryCodesGeneratedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, e)
	return nil
}

func (f *fakeEvents) PublishRecoveryCodeUsed(_ context.Context, e domain.RecoveryCodeUsedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = append(f.used, e)
	return nil
}

func (f *fakeEvents) PublishIPLockedOut(_ context.Context, e domain.IPLockedOutEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockouts = append(f.lockouts, e)
	return nil
}

// plainHasher stands in for argon2 so tests stay fast.
type plainHasher struct{}

func (plainHasher) Hash(value string) (string, error) { return "plain$" + value, nil }

func (plainHasher) Verify(value, encoded string) (bool, error) {
	stored, ok := strings.CutPrefix(encoded, "plain$")
	if !ok {
		return false, errors.New("unknown hash format")
	}
	return stored == value, nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	_ port.AuthRecordRepository   = (*fakeAuthRecords)(nil)
	_ port.LegacySecretRepository = (*fakeLegacySecrets)(nil)
	_ port.PendingLoginRepository = (*fakePendingLogins)(nil)
	_ port.LoginAttemptRepository = (*fakeLoginAttempts)(nil)
	_ port.LoginLogRepository     = (*fakeLoginLog)(nil)
	_ port.Transactor             = (*fakeTx)(nil)
	_ port.UserDirectory          = (*fakeUsers)(nil)
	_ port.EmailThrottleStore     = (*fakeThrottle)(nil)
	_ port.SetupSecretStore       = (*fakeSetupSecrets)(nil)
	_ port.Mailer                 = (*fakeMailer)(nil)
	_ port.EventPublisher         = (*fakeEvents)(nil)
	_ port.CodeHasher             = plainHasher{}
)
