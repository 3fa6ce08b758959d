package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rgaa-audit-workers/internal/common/lock"
	"rgaa-audit-workers/internal/common/logger"
	"rgaa-audit-workers/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store that counts calls.
type memStore struct {
	mu      sync.Mutex
	records map[string]*models.UserRecord
	reads   int
	writes  int

	// dropWrites acknowledges writes without applying them.
	dropWrites bool
	writeErr   error
	// beforeWrite runs ahead of each write, outside mu.
	beforeWrite func(ctx context.Context) error
}

func newMemStore(recs ...*models.UserRecord) *memStore {
	s := &memStore{records: make(map[string]*models.UserRecord)}
	for _, r := range recs {
		s.records[NormalizeEmail(r.Email)] = r.Clone()
	}
	return s
}

func (s *memStore) FetchUserRecord(_ context.Context, email string) (*models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	rec, ok := s.records[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return rec.Clone(), nil
}

func (s *memStore) PersistUserRecord(ctx context.Context, rec, prev *models.UserRecord) error {
	if s.beforeWrite != nil {
		if err := s.beforeWrite(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writeErr != nil {
		return s.writeErr
	}
	if cur, ok := s.records[NormalizeEmail(rec.Email)]; !ok || !sameState(cur, prev) {
		return ErrWriteConflict
	}
	if !s.dropWrites {
		s.records[NormalizeEmail(rec.Email)] = rec.Clone()
	}
	return nil
}

func sameState(a, b *models.UserRecord) bool {
	if a.Subscription.Plan != b.Subscription.Plan {
		return false
	}
	ua, ub := a.Usage, b.Usage
	if ua.AuditsToday != ub.AuditsToday || ua.AuditsThisMonth != ub.AuditsThisMonth || ua.AuditsTotal != ub.AuditsTotal {
		return false
	}
	if ua.LastAuditDate == nil || ub.LastAuditDate == nil {
		return ua.LastAuditDate == nil && ub.LastAuditDate == nil
	}
	return ua.LastAuditDate.Equal(*ub.LastAuditDate)
}

func (s *memStore) get(email string) *models.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[email].Clone()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) Alert(ctx context.Context, subject, message string) error {
	args := m.Called(ctx, subject, message)
	return args.Error(0)
}

func fixedClock(s string) func() time.Time {
	now := at(s)
	return func() time.Time { return now }
}

func newTestLedger(t *testing.T, store Store, now string, opts ...Option) *Ledger {
	return NewLedger(store, logger.NewTestLogger(t), append([]Option{WithClock(fixedClock(now))}, opts...)...)
}

func TestRecordAudit_Scenario(t *testing.T) {
	u1 := freeUser(2, ptr(at("2025-06-10T09:00:00Z")))
	u1.Usage.AuditsTotal = 40
	u1.Usage.AuditsThisMonth = 10
	store := newMemStore(u1)
	ledger := newTestLedger(t, store, "2025-06-10T14:00:00Z")
	gate := NewGate(fixedClock("2025-06-10T14:00:00Z"))

	assert.True(t, gate.CanAudit(u1).Allowed)

	got, err := ledger.RecordAudit(context.Background(), u1)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Usage.AuditsToday)
	assert.Equal(t, 41, got.Usage.AuditsTotal)
	assert.Equal(t, 11, got.Usage.AuditsThisMonth)
	assert.Equal(t, "2025-06-10", got.Usage.LastAuditDate.UTC().Format("2006-01-02"))

	d := gate.CanAudit(got)
	assert.False(t, d.Allowed)
	assert.Equal(t, "daily audit limit reached", d.Reason)
}

func TestRecordAudit_Rollover(t *testing.T) {
	for _, n := range []int{0, 1, 3, 99} {
		rec := freeUser(n, ptr(at("2025-06-09T23:59:00Z")))
		rec.Usage.AuditsTotal = 5
		rec.Usage.AuditsThisMonth = 4
		store := newMemStore(rec)

		got, err := newTestLedger(t, store, "2025-06-10T00:01:00Z").RecordAudit(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Usage.AuditsToday)
		assert.Equal(t, 6, got.Usage.AuditsTotal)
		assert.Equal(t, 5, got.Usage.AuditsThisMonth)
	}
}

func TestRecordAudit_SameDayAccumulation(t *testing.T) {
	rec := freeUser(1, ptr(at("2025-06-10T08:00:00Z")))
	store := newMemStore(rec)

	got, err := newTestLedger(t, store, "2025-06-10T09:00:00Z").RecordAudit(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Usage.AuditsToday)
	assert.Equal(t, 1, store.writes)
	assert.Equal(t, 2, store.reads, "one read under the lock and one read-back")
}

func TestRecordAudit_LimitExceededWithoutWrite(t *testing.T) {
	rec := freeUser(3, ptr(at("2025-06-10T08:00:00Z")))
	store := newMemStore(rec)
	sink := &recordingSink{}

	_, err := newTestLedger(t, store, "2025-06-10T09:00:00Z", WithEventSink(sink)).RecordAudit(context.Background(), rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "free", limitErr.Plan)
	assert.Equal(t, 3, limitErr.Limit)
	assert.Equal(t, 0, store.writes)
	require.Len(t, sink.events, 1)
	assert.Equal(t, EventAuditDenied, sink.events[0].Type)
}

func TestRecordAudit_BetaBypass(t *testing.T) {
	rec := freeUser(50, ptr(at("2025-06-10T08:00:00Z")))
	rec.BetaAccess = models.BetaAccess{Granted: true}
	store := newMemStore(rec)

	got, err := newTestLedger(t, store, "2025-06-10T09:00:00Z").RecordAudit(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, rec.Usage, got.Usage)
	assert.Equal(t, 0, store.writes)
}

func TestRecordAudit_UnlimitedPlan(t *testing.T) {
	rec := freeUser(1000, ptr(at("2025-06-10T08:00:00Z")))
	rec.Subscription.Plan = models.PlanPro
	rec.Usage.AuditsThisMonth = 299
	store := newMemStore(rec)
	ledger := newTestLedger(t, store, "2025-06-10T09:00:00Z")

	for i := 0; i < 3; i++ {
		_, err := ledger.RecordAudit(context.Background(), rec)
		require.NoError(t, err)
	}
	got := store.get(rec.Email)
	assert.Equal(t, 1003, got.Usage.AuditsToday)
	assert.Equal(t, 3, got.Usage.AuditsTotal)
	assert.Equal(t, 302, got.Usage.AuditsThisMonth, "monthly ceiling is display only")
}

func TestRecordAudit_ReadBackStale(t *testing.T) {
	rec := freeUser(0, nil)
	store := newMemStore(rec)
	store.dropWrites = true

	alerter := new(MockAlerter)
	alerter.On("Alert", mock.Anything, "Usage persistence failure", mock.AnythingOfType("string")).Return(nil).Once()

	_, err := newTestLedger(t, store, "2025-06-10T09:00:00Z", WithAlerter(alerter)).RecordAudit(context.Background(), rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 1, perr.Attempted.AuditsToday)
	assert.Equal(t, 1, perr.Attempted.AuditsTotal)
	alerter.AssertExpectations(t)
}

func TestRecordAudit_WriteFailureFailsClosed(t *testing.T) {
	rec := freeUser(0, nil)
	store := newMemStore(rec)
	store.writeErr = context.DeadlineExceeded

	_, err := newTestLedger(t, store, "2025-06-10T09:00:00Z").RecordAudit(context.Background(), rec)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecordAudit_UserNotFound(t *testing.T) {
	store := newMemStore()
	_, err := newTestLedger(t, store, "2025-06-10T09:00:00Z").RecordAudit(context.Background(), &models.UserRecord{Email: "ghost@example.com"})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, 0, store.writes)
}

func TestRecordAudit_UsesFreshRecordNotCallerCopy(t *testing.T) {
	stored := freeUser(3, ptr(at("2025-06-10T08:00:00Z")))
	store := newMemStore(stored)
	stale := freeUser(0, nil)

	_, err := newTestLedger(t, store, "2025-06-10T09:00:00Z").RecordAudit(context.Background(), stale)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestRecordAudit_ConcurrentNoLostUpdates(t *testing.T) {
	rec := freeUser(0, nil)
	rec.Subscription.Plan = models.PlanEnterprise
	store := newMemStore(rec)
	ledger := newTestLedger(t, store, "2025-06-10T09:00:00Z")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.RecordAudit(context.Background(), rec)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := store.get(rec.Email)
	assert.Equal(t, n, got.Usage.AuditsTotal)
	assert.Equal(t, n, got.Usage.AuditsThisMonth)
	assert.Equal(t, n, got.Usage.AuditsToday)
}

func TestRecordAudit_ConcurrentRespectsDailyLimit(t *testing.T) {
	rec := freeUser(0, nil)
	store := newMemStore(rec)
	ledger := newTestLedger(t, store, "2025-06-10T09:00:00Z")

	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount, denied := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.RecordAudit(context.Background(), rec)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				okCount++
			} else if errors.Is(err, ErrLimitExceeded) {
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, okCount)
	assert.Equal(t, 7, denied)
	assert.Equal(t, 3, store.get(rec.Email).Usage.AuditsToday)
}

func TestRecordAudit_ExpiredLockWriterIsFenced(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	locker := lock.NewRedisLocker(rdb, lock.RedisOptions{TTL: 10 * time.Second, MaxWait: 2 * time.Second}, nil)

	rec := freeUser(0, nil)
	rec.Subscription.Plan = models.PlanEnterprise
	store := newMemStore(rec)

	entered := make(chan struct{})
	release := make(chan struct{})
	var held int32
	store.beforeWrite = func(context.Context) error {
		if atomic.CompareAndSwapInt32(&held, 0, 1) {
			close(entered)
			<-release
		}
		return nil
	}

	slow := newTestLedger(t, store, "2025-06-10T09:00:00Z", WithLocker(locker))
	fast := newTestLedger(t, store, "2025-06-10T09:00:00Z", WithLocker(locker))

	slowErr := make(chan error, 1)
	go func() {
		_, err := slow.RecordAudit(context.Background(), rec)
		slowErr <- err
	}()
	<-entered

	// The slow writer still believes it holds the lock when the key expires.
	mr.FastForward(11 * time.Second)

	got, err := fast.RecordAudit(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.AuditsTotal)

	close(release)
	err = <-slowErr
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteConflict)
	assert.ErrorIs(t, err, ErrPersistence)

	// One audit acknowledged, one audit stored.
	assert.Equal(t, 1, store.get(rec.Email).Usage.AuditsTotal)
}

func TestRecordAudit_LockHoldBoundsWrite(t *testing.T) {
	rec := freeUser(0, nil)
	store := newMemStore(rec)
	store.beforeWrite = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	ledger := newTestLedger(t, store, "2025-06-10T09:00:00Z", WithLockHold(20*time.Millisecond))
	_, err := ledger.RecordAudit(context.Background(), rec)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, store.get(rec.Email).Usage.AuditsTotal)
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("redis down")
}

func TestRecordAudit_LockFailure(t *testing.T) {
	rec := freeUser(0, nil)
	store := newMemStore(rec)

	_, err := newTestLedger(t, store, "2025-06-10T09:00:00Z", WithLocker(failingLocker{})).RecordAudit(context.Background(), rec)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, store.reads)
}

func TestCheck(t *testing.T) {
	rec := freeUser(3, ptr(at("2025-06-10T08:00:00Z")))
	store := newMemStore(rec)

	ent, err := newTestLedger(t, store, "2025-06-10T09:00:00Z").Check(context.Background(), " U1@Example.com ")
	require.NoError(t, err)
	assert.False(t, ent.Decision.Allowed)
	assert.Equal(t, 0, ent.Summary.RemainingToday)
	assert.Equal(t, 0, store.writes)
}

func TestReset(t *testing.T) {
	rec := freeUser(3, ptr(at("2025-06-10T08:00:00Z")))
	rec.Usage.AuditsThisMonth = 12
	rec.Usage.AuditsTotal = 40
	store := newMemStore(rec)
	ledger := newTestLedger(t, store, "2025-06-10T09:00:00Z")

	got, err := ledger.Reset(context.Background(), rec.Email, false)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Usage.AuditsToday)
	assert.Equal(t, 0, got.Usage.AuditsThisMonth)
	assert.Equal(t, 40, got.Usage.AuditsTotal)

	_, err = ledger.RecordAudit(context.Background(), rec)
	assert.NoError(t, err)
}

func TestAdminUpdate_ReadBackStale(t *testing.T) {
	tests := []struct {
		name   string
		update func(*Ledger, string) (*models.UserRecord, error)
	}{
		{"reset", func(l *Ledger, email string) (*models.UserRecord, error) {
			return l.Reset(context.Background(), email, true)
		}},
		{"change plan", func(l *Ledger, email string) (*models.UserRecord, error) {
			return l.ChangePlan(context.Background(), email, "enterprise")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := freeUser(3, ptr(at("2025-06-10T08:00:00Z")))
			rec.Usage.AuditsTotal = 40
			store := newMemStore(rec)
			store.dropWrites = true

			alerter := new(MockAlerter)
			alerter.On("Alert", mock.Anything, "Usage persistence failure", mock.AnythingOfType("string")).Return(nil).Once()
			sink := &recordingSink{}

			ledger := newTestLedger(t, store, "2025-06-10T09:00:00Z", WithAlerter(alerter), WithEventSink(sink))
			got, err := tt.update(ledger, rec.Email)
			assert.Nil(t, got)
			assert.ErrorIs(t, err, ErrPersistence)
			assert.Empty(t, sink.events)
			alerter.AssertExpectations(t)
		})
	}
}

func TestChangePlan(t *testing.T) {
	rec := freeUser(3, ptr(at("2025-06-10T08:00:00Z")))
	store := newMemStore(rec)
	ledger := newTestLedger(t, store, "2025-06-10T09:00:00Z")

	_, err := ledger.ChangePlan(context.Background(), rec.Email, "platinum")
	assert.Error(t, err)

	got, err := ledger.ChangePlan(context.Background(), rec.Email, "Pro")
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, got.Subscription.Plan)

	_, err = ledger.RecordAudit(context.Background(), rec)
	assert.NoError(t, err)
}
