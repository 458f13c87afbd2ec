package credit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-credit/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

const staffActor int64 = 42

type recordingNotifier struct {
	mu   sync.Mutex
	apps []CreditApplication
	err  error
}

func (n *recordingNotifier) ApplicationDecided(ctx context.Context, app CreditApplication) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.apps = append(n.apps, app)
	return n.err
}

func (n *recordingNotifier) decided() []CreditApplication {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]CreditApplication(nil), n.apps...)
}

type recordingAuditor struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAuditor) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type testEnv struct {
	svc      *Service
	store    *memStore
	notifier *recordingNotifier
	auditor  *recordingAuditor
	redis    *miniredis.Miniredis
}

func newTestEnv(t *testing.T, settings Settings) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemStore()
	manager := NewSettingsManager(store, settings)
	require.NoError(t, manager.Load(context.Background()))

	env := &testEnv{store: store, notifier: &recordingNotifier{}, auditor: &recordingAuditor{}, redis: mr}
	env.svc = NewService(ServiceParams{
		Store:    store,
		Settings: manager,
		Cache:    cache.NewJSONCache(client, "credit-test", time.Minute),
		Notifier: env.notifier,
		Auditor:  env.auditor,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   Config{MaxRetries: 3, LockTTL: 5 * time.Second},
	})
	return env
}

func (e *testEnv) openLimit(t *testing.T, clientID int64, amount float64) *CreditLimit {
	t.Helper()
	res, err := e.svc.SetLimit(context.Background(), SetLimitInput{ClientID: clientID, LimitAmount: amount, Actor: staffActor})
	require.NoError(t, err)
	return res.Limit
}

func (e *testEnv) record(t *testing.T, clientID int64, typ TransactionType, amount float64) *TransactionResult {
	t.Helper()
	res, err := e.svc.RecordTransaction(context.Background(), RecordTransactionInput{ClientID: clientID, Type: typ, Amount: amount, Actor: staffActor})
	require.NoError(t, err)
	return res
}

func TestSetLimitCreatesActiveLimitWithEntry(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()

	res, err := env.svc.SetLimit(ctx, SetLimitInput{ClientID: 1, LimitAmount: 1000, Actor: staffActor})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, 1000.0, res.Limit.LimitAmount)
	assert.Equal(t, 1000.0, res.Limit.AvailableAmount)
	assert.Equal(t, LimitStatusActive, res.Limit.Status)
	assert.True(t, res.Limit.IsActive)
	require.NotNil(t, res.Limit.DueDate)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *res.Limit.DueDate, time.Minute)

	require.NotNil(t, res.Entry)
	assert.Equal(t, TxLimitChange, res.Entry.Type)
	assert.Equal(t, 1000.0, res.Entry.Amount)
	assert.Zero(t, res.Entry.BalanceBefore)
	assert.Zero(t, res.Entry.BalanceAfter)
	assert.Equal(t, staffActor, res.Entry.PerformedBy)

	unchanged, err := env.svc.SetLimit(ctx, SetLimitInput{ClientID: 1, LimitAmount: 1000, Actor: staffActor})
	require.NoError(t, err)
	assert.False(t, unchanged.Created)
	assert.Nil(t, unchanged.Entry, "unchanged amount writes no entry")
	assert.Contains(t, env.auditor.actions(), "credit.limit.set")
}

func TestSetLimitValidation(t *testing.T) {
	env := newTestEnv(t, Settings{MaxLimitAmount: 5000, DefaultDueDays: 30})
	ctx := context.Background()

	_, err := env.svc.SetLimit(ctx, SetLimitInput{ClientID: 1, LimitAmount: -1, Actor: staffActor})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.svc.SetLimit(ctx, SetLimitInput{ClientID: 1, LimitAmount: 5000.01, Actor: staffActor})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.svc.SetLimit(ctx, SetLimitInput{ClientID: 0, LimitAmount: 10, Actor: staffActor})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Empty(t, env.store.snapshot().entries)
}

func TestPurchaseThenEligibility(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)

	res := env.record(t, 1, TxPurchase, 400)
	assert.Equal(t, 400.0, res.Limit.UsedAmount)
	assert.Equal(t, 600.0, res.Limit.AvailableAmount)
	assert.Zero(t, res.Entry.BalanceBefore)
	assert.Equal(t, 400.0, res.Entry.BalanceAfter)

	elig, err := env.svc.CheckEligibility(ctx, 1, 700)
	require.NoError(t, err)
	assert.False(t, elig.Allowed)
	assert.Equal(t, 600.0, elig.AvailableCredit)
	assert.Equal(t, ReasonInsufficient, elig.Reason)

	elig, err = env.svc.CheckEligibility(ctx, 1, 600)
	require.NoError(t, err)
	assert.True(t, elig.Allowed)
}

func TestPaymentClampsAtZero(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	env.openLimit(t, 1, 1000)
	env.record(t, 1, TxPurchase, 400)

	res := env.record(t, 1, TxPayment, 900)
	assert.Zero(t, res.Limit.UsedAmount)
	assert.Equal(t, 1000.0, res.Limit.AvailableAmount)
	assert.Equal(t, 400.0, res.Entry.BalanceBefore)
	assert.Zero(t, res.Entry.BalanceAfter)
	assert.Equal(t, 900.0, res.Entry.Amount)
}

func TestApproveApplicationUpdatesLimitAndLedger(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)
	env.record(t, 1, TxPurchase, 250)

	submitted, err := env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 1, RequestedLimit: 2000, Reason: "seasonal", Actor: staffActor})
	require.NoError(t, err)
	require.NotNil(t, submitted.Application)
	assert.Equal(t, ApplicationPending, submitted.Application.Status)
	assert.Equal(t, 1000.0, submitted.Application.CurrentLimitAtRequest)
	assert.False(t, submitted.AutoApproved)
	assert.Empty(t, env.notifier.decided(), "pending applications are not announced")

	approved := 1500.0
	out, err := env.svc.DecideApplication(ctx, DecideInput{
		ApplicationID: submitted.Application.ID,
		Decision:      DecisionApproved,
		Actor:         7,
		ApprovedLimit: &approved,
	})
	require.NoError(t, err)
	assert.Equal(t, ApplicationApproved, out.Application.Status)
	require.NotNil(t, out.Application.ApprovedLimit)
	assert.Equal(t, 1500.0, *out.Application.ApprovedLimit)
	require.NotNil(t, out.Application.ApprovedBy)
	assert.Equal(t, int64(7), *out.Application.ApprovedBy)
	assert.Equal(t, 1500.0, out.Limit.LimitAmount)
	assert.Equal(t, 1250.0, out.Limit.AvailableAmount)

	require.NotNil(t, out.Entry)
	assert.Equal(t, TxLimitChange, out.Entry.Type)
	assert.Equal(t, 500.0, out.Entry.Amount)
	assert.Equal(t, 250.0, out.Entry.BalanceBefore)
	assert.Equal(t, 250.0, out.Entry.BalanceAfter)

	entries, err := env.svc.ListTransactions(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, out.Entry.ID, entries[0].ID, "newest first")

	decided := env.notifier.decided()
	require.Len(t, decided, 1)
	assert.Equal(t, submitted.Application.ID, decided[0].ID)
	assert.Contains(t, env.auditor.actions(), "credit.application.approved")
}

func TestApproveDefaultsToRequestedLimit(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()

	submitted, err := env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 5, RequestedLimit: 800, Reason: "first order", Actor: staffActor})
	require.NoError(t, err)
	assert.Zero(t, submitted.Application.CurrentLimitAtRequest)

	out, err := env.svc.DecideApplication(ctx, DecideInput{ApplicationID: submitted.Application.ID, Decision: DecisionApproved, Actor: staffActor})
	require.NoError(t, err)
	assert.Equal(t, 800.0, out.Limit.LimitAmount)
	assert.Equal(t, 800.0, out.Entry.Amount)
}

func TestRejectApplication(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)

	submitted, err := env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 1, RequestedLimit: 3000, Reason: "expansion", Actor: staffActor})
	require.NoError(t, err)

	_, err = env.svc.DecideApplication(ctx, DecideInput{ApplicationID: submitted.Application.ID, Decision: DecisionRejected, Actor: staffActor})
	assert.ErrorIs(t, err, ErrInvalidArgument, "rejection needs a reason")

	reason := "  insufficient history  "
	out, err := env.svc.DecideApplication(ctx, DecideInput{
		ApplicationID:  submitted.Application.ID,
		Decision:       DecisionRejected,
		Actor:          staffActor,
		RejectedReason: &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, ApplicationRejected, out.Application.Status)
	require.NotNil(t, out.Application.RejectedReason)
	assert.Equal(t, "insufficient history", *out.Application.RejectedReason)
	assert.Nil(t, out.Entry)

	limit, err := env.svc.GetLimit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, limit.LimitAmount)
	assert.Len(t, env.notifier.decided(), 1)
}

func TestDecideTerminalApplicationHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)

	submitted, err := env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 1, RequestedLimit: 1200, Reason: "growth", Actor: staffActor})
	require.NoError(t, err)
	_, err = env.svc.DecideApplication(ctx, DecideInput{ApplicationID: submitted.Application.ID, Decision: DecisionApproved, Actor: staffActor})
	require.NoError(t, err)

	before := env.store.snapshot()
	for _, in := range []DecideInput{
		{ApplicationID: submitted.Application.ID, Decision: DecisionApproved, Actor: staffActor},
		{ApplicationID: submitted.Application.ID, Decision: DecisionRejected, Actor: staffActor, RejectedReason: stringPtr("late")},
	} {
		_, err := env.svc.DecideApplication(ctx, in)
		assert.ErrorIs(t, err, ErrInvalidState)
	}
	after := env.store.snapshot()
	assert.Equal(t, before.entries, after.entries)
	assert.Equal(t, before.limits, after.limits)
	assert.Equal(t, before.apps, after.apps)
	assert.Len(t, env.notifier.decided(), 1)
}

func TestDecideUnknownApplication(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	_, err := env.svc.DecideApplication(context.Background(), DecideInput{ApplicationID: 99, Decision: DecisionApproved, Actor: staffActor})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAutoApproveWithinThreshold(t *testing.T) {
	env := newTestEnv(t, Settings{DefaultDueDays: 30, AutoApproveEnabled: true, AutoApproveUpTo: 500})
	ctx := context.Background()

	out, err := env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 8, RequestedLimit: 400, Reason: "starter", Actor: staffActor})
	require.NoError(t, err)
	assert.True(t, out.AutoApproved)
	assert.Equal(t, ApplicationApproved, out.Application.Status)
	require.NotNil(t, out.Application.ApprovedBy)
	assert.Equal(t, SystemActor, *out.Application.ApprovedBy)
	assert.Equal(t, 400.0, out.Limit.LimitAmount)
	assert.Equal(t, SystemActor, out.Entry.PerformedBy)
	assert.Len(t, env.notifier.decided(), 1)

	out, err = env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 8, RequestedLimit: 900, Reason: "more", Actor: staffActor})
	require.NoError(t, err)
	assert.False(t, out.AutoApproved)
	assert.Equal(t, ApplicationPending, out.Application.Status)
	assert.Equal(t, 400.0, out.Application.CurrentLimitAtRequest)
}

func TestSubmitApplicationValidation(t *testing.T) {
	env := newTestEnv(t, Settings{MaxLimitAmount: 1000})
	ctx := context.Background()

	_, err := env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 1, RequestedLimit: 0, Reason: "x", Actor: staffActor})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 1, RequestedLimit: 100, Reason: "   ", Actor: staffActor})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 1, RequestedLimit: 1500, Reason: "too much", Actor: staffActor})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, env.store.snapshot().apps)
}

func TestPurchaseRevalidatedAtWrite(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 500)
	env.record(t, 1, TxPurchase, 450)
	entriesBefore := len(env.store.snapshot().entries)

	_, err := env.svc.RecordTransaction(ctx, RecordTransactionInput{ClientID: 1, Type: TxPurchase, Amount: 60, Actor: staffActor})
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Len(t, env.store.snapshot().entries, entriesBefore)
	limit, err := env.svc.GetLimit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 450.0, limit.UsedAmount)
}

func TestRecordTransactionValidation(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()

	_, err := env.svc.RecordTransaction(ctx, RecordTransactionInput{ClientID: 1, Type: TxPurchase, Amount: 10, Actor: staffActor})
	assert.ErrorIs(t, err, ErrInvalidState, "no limit yet")

	env.openLimit(t, 1, 100)
	for _, in := range []RecordTransactionInput{
		{ClientID: 1, Type: TxLimitChange, Amount: 10},
		{ClientID: 1, Type: TxPurchase, Amount: 0},
		{ClientID: 1, Type: TxPayment, Amount: -1},
		{ClientID: 1, Type: TxAdjustment, Amount: 0},
		{ClientID: 1, Type: TransactionType("refund"), Amount: 5},
		{ClientID: 1, Type: TxPurchase, Amount: 5, SaleID: int64Ptr(-3)},
		{ClientID: -1, Type: TxPurchase, Amount: 5},
	} {
		_, err := env.svc.RecordTransaction(ctx, in)
		assert.ErrorIs(t, err, ErrInvalidArgument, "%+v", in)
	}
}

func TestAdjustmentAndDescriptionDefaults(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	env.openLimit(t, 1, 1000)
	env.record(t, 1, TxPurchase, 100)

	res := env.record(t, 1, TxAdjustment, -30)
	assert.Equal(t, 70.0, res.Limit.UsedAmount)
	assert.Equal(t, "adjustment", res.Entry.Description)
	assert.NotEqual(t, [16]byte{}, [16]byte(res.Entry.Ref))
}

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)

	in := RecordTransactionInput{ClientID: 1, Type: TxPurchase, Amount: 100, Actor: staffActor, IdempotencyKey: "sale-77"}
	_, err := env.svc.RecordTransaction(ctx, in)
	require.NoError(t, err)
	_, err = env.svc.RecordTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	limit, err := env.svc.GetLimit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 100.0, limit.UsedAmount)
}

func TestIdempotencyKeyReleasedOnFailure(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 100)

	in := RecordTransactionInput{ClientID: 1, Type: TxPurchase, Amount: 150, Actor: staffActor, IdempotencyKey: "sale-78"}
	_, err := env.svc.RecordTransaction(ctx, in)
	require.ErrorIs(t, err, ErrNotEligible)

	_, err = env.svc.SetLimit(ctx, SetLimitInput{ClientID: 1, LimitAmount: 200, Actor: staffActor})
	require.NoError(t, err)
	_, err = env.svc.RecordTransaction(ctx, in)
	assert.NoError(t, err, "a rolled back claim can be retried")
}

func TestWriteRetriesConcurrentModification(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	env.openLimit(t, 1, 1000)

	env.store.mu.Lock()
	env.store.conflicts = 2
	env.store.mu.Unlock()

	res := env.record(t, 1, TxPurchase, 100)
	assert.Equal(t, 100.0, res.Limit.UsedAmount)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.svc.metrics.retries))
	assert.Len(t, env.store.snapshot().entries, 2, "failed attempts leave no entries")
}

func TestWriteGivesUpAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)
	txBefore := env.store.txCalls

	env.store.mu.Lock()
	env.store.conflicts = 10
	env.store.mu.Unlock()

	_, err := env.svc.RecordTransaction(ctx, RecordTransactionInput{ClientID: 1, Type: TxPurchase, Amount: 100, Actor: staffActor})
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, txBefore+4, env.store.txCalls)
	assert.Len(t, env.store.snapshot().entries, 1)
}

func TestFailedWriteLeavesNoPartialState(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)
	before := env.store.snapshot()

	diskErr := errors.New("disk full")
	env.store.mu.Lock()
	env.store.failUpsert = diskErr
	env.store.mu.Unlock()

	_, err := env.svc.RecordTransaction(ctx, RecordTransactionInput{ClientID: 1, Type: TxPurchase, Amount: 100, Actor: staffActor})
	assert.ErrorIs(t, err, diskErr)

	after := env.store.snapshot()
	assert.Equal(t, before.entries, after.entries)
	assert.Equal(t, before.limits, after.limits)
}

func TestConcurrentPurchasesNeverOverdraw(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		denied   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.RecordTransaction(ctx, RecordTransactionInput{ClientID: 1, Type: TxPurchase, Amount: 100, Actor: staffActor})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrNotEligible):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	assert.Equal(t, 10, denied)
	limit, err := env.svc.GetLimit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, limit.UsedAmount)
	assert.Zero(t, limit.AvailableAmount)

	check, err := env.svc.VerifyLedger(ctx, 1)
	require.NoError(t, err)
	assert.True(t, check.Consistent())
	assert.Equal(t, 11, check.Entries)
}

func TestSuspendedAccountRejectsPurchasesOnly(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)
	env.record(t, 1, TxPurchase, 300)

	limit, err := env.svc.SetStatus(ctx, 1, LimitStatusSuspended, staffActor, stringPtr("review"))
	require.NoError(t, err)
	assert.Equal(t, LimitStatusSuspended, limit.Status)

	elig, err := env.svc.CheckEligibility(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, elig.Allowed)
	assert.Equal(t, "suspended account", elig.Reason)

	_, err = env.svc.RecordTransaction(ctx, RecordTransactionInput{ClientID: 1, Type: TxPurchase, Amount: 10, Actor: staffActor})
	assert.ErrorIs(t, err, ErrNotEligible)

	res := env.record(t, 1, TxPayment, 100)
	assert.Equal(t, 200.0, res.Limit.UsedAmount)

	view, err := env.svc.View(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, view.Status.Status)

	_, err = env.svc.SetStatus(ctx, 1, LimitStatus("closed"), staffActor, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = env.svc.SetStatus(ctx, 2, LimitStatusBlocked, staffActor, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestViewIsCachedAndInvalidatedOnWrite(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)

	first, err := env.svc.View(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, first.Limit)
	reads := env.store.readCalls

	second, err := env.svc.View(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, reads, env.store.readCalls, "served from cache")
	assert.Equal(t, first.Limit.ID, second.Limit.ID)

	second.Transactions = append(second.Transactions, CreditTransaction{ID: 999})
	third, err := env.svc.View(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, third.Transactions, 1, "callers cannot mutate the cached view")

	env.record(t, 1, TxPurchase, 100)
	fresh, err := env.svc.View(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 100.0, fresh.Limit.UsedAmount)
	assert.Len(t, fresh.Transactions, 2)
}

func TestViewWithoutLimit(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	view, err := env.svc.View(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, view.Limit)
	assert.NotNil(t, view.Transactions)
	assert.NotNil(t, view.Applications)
	assert.Equal(t, StatusNone, view.Status.Status)

	_, err = env.svc.View(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestViewFallsBackWhenCacheDown(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	env.openLimit(t, 1, 1000)
	env.redis.Close()

	view, err := env.svc.View(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, view.Limit.LimitAmount)
}

func TestStoreReadFailure(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	unavailableErr := unavailable("get credit limit", errors.New("connection refused"))
	env.store.mu.Lock()
	env.store.failReads = unavailableErr
	env.store.mu.Unlock()

	_, err := env.svc.View(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = env.svc.GetLimit(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestVerifyAndScanLedgers(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)
	env.openLimit(t, 2, 500)
	env.record(t, 1, TxPurchase, 400)
	env.record(t, 2, TxPurchase, 100)

	var checks []LedgerCheck
	require.NoError(t, env.svc.ScanLedgers(ctx, func(c LedgerCheck) error {
		checks = append(checks, c)
		return nil
	}))
	require.Len(t, checks, 2)
	for _, c := range checks {
		assert.True(t, c.Consistent(), "client %d", c.ClientID)
	}

	env.store.mu.Lock()
	id := env.store.state.active[2]
	corrupted := env.store.state.limits[id]
	corrupted.UsedAmount = 140
	env.store.state.limits[id] = corrupted
	env.store.mu.Unlock()

	check, err := env.svc.VerifyLedger(ctx, 2)
	require.NoError(t, err)
	assert.False(t, check.Consistent())
	assert.Equal(t, 140.0, check.StoredUsed)
	assert.Equal(t, 100.0, check.ReplayedUsed)

	stop := errors.New("stop")
	err = env.svc.ScanLedgers(ctx, func(LedgerCheck) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()

	enabled := true
	upTo := 750.0
	updated, err := env.svc.UpdateSettings(ctx, staffActor, SettingsPatch{AutoApproveEnabled: &enabled, AutoApproveUpTo: &upTo})
	require.NoError(t, err)
	assert.True(t, updated.AutoApproveEnabled)
	assert.Equal(t, 750.0, updated.AutoApproveUpTo)
	assert.Equal(t, staffActor, updated.UpdatedBy)
	assert.Equal(t, updated, env.svc.Settings())
	assert.Contains(t, env.auditor.actions(), "credit.settings.updated")

	maxLimit := 500.0
	_, err = env.svc.UpdateSettings(ctx, staffActor, SettingsPatch{MaxLimitAmount: &maxLimit})
	assert.ErrorIs(t, err, ErrInvalidArgument, "threshold above max")
	assert.Equal(t, 750.0, env.svc.Settings().AutoApproveUpTo)
}

func TestNotifierFailureDoesNotFailDecision(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	env.notifier.err = errors.New("queue down")
	ctx := context.Background()

	submitted, err := env.svc.SubmitApplication(ctx, SubmitInput{ClientID: 1, RequestedLimit: 100, Reason: "trial", Actor: staffActor})
	require.NoError(t, err)
	out, err := env.svc.DecideApplication(ctx, DecideInput{ApplicationID: submitted.Application.ID, Decision: DecisionApproved, Actor: staffActor})
	require.NoError(t, err)
	assert.Equal(t, ApplicationApproved, out.Application.Status)
}

func TestAnalyzeRiskUsesCurrentLimit(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	env.openLimit(t, 1, 1000)
	env.record(t, 1, TxPurchase, 900)

	res, err := env.svc.AnalyzeRisk(context.Background(), ClientProfile{ClientID: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 90.0, res.Utilization)
	assert.Contains(t, factorCodes(res), "high_utilization")

	_, err = env.svc.AnalyzeRisk(context.Background(), ClientProfile{}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func int64Ptr(v int64) *int64 { return &v }

// pausingStore blocks the first armed GetCreditLimit after it has read, so a
// write can commit while a view load holds the old limit.
type pausingStore struct {
	*memStore
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (p *pausingStore) GetCreditLimit(ctx context.Context, clientID int64) (*CreditLimit, error) {
	limit, err := p.memStore.GetCreditLimit(ctx, clientID)
	if p.armed.CompareAndSwap(true, false) {
		close(p.read)
		<-p.release
	}
	return limit, err
}

func TestViewLoadRacingWriteIsNotCached(t *testing.T) {
	env := newTestEnv(t, DefaultSettings)
	ctx := context.Background()
	env.openLimit(t, 1, 1000)

	paused := &pausingStore{memStore: env.store, read: make(chan struct{}), release: make(chan struct{})}
	client := redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reader := NewService(ServiceParams{
		Store:  paused,
		Cache:  cache.NewJSONCache(client, "credit-test", time.Minute),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	paused.armed.Store(true)
	done := make(chan *View, 1)
	go func() {
		view, err := reader.View(ctx, 1)
		assert.NoError(t, err)
		done <- view
	}()
	<-paused.read

	env.record(t, 1, TxPurchase, 400)
	close(paused.release)

	stale := <-done
	require.NotNil(t, stale.Limit)
	assert.Equal(t, 0.0, stale.Limit.UsedAmount)

	fresh, err := env.svc.View(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 400.0, fresh.Limit.UsedAmount)
	elig, err := env.svc.CheckEligibility(ctx, 1, 700)
	require.NoError(t, err)
	assert.False(t, elig.Allowed)
}

func TestSetLimitUsesDefaultAmount(t *testing.T) {
	env := newTestEnv(t, Settings{DefaultLimitAmount: 500, MaxLimitAmount: 5000, DefaultDueDays: 30})
	ctx := context.Background()

	res, err := env.svc.SetLimit(ctx, SetLimitInput{ClientID: 1, LimitAmount: 9999, UseDefault: true, Actor: staffActor})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 500.0, res.Limit.LimitAmount)
	require.NotNil(t, res.Entry)
	assert.Equal(t, 500.0, res.Entry.Amount)

	_, err = env.svc.SetLimit(ctx, SetLimitInput{ClientID: 1, LimitAmount: 1200, Actor: staffActor})
	require.NoError(t, err)
	again, err := env.svc.SetLimit(ctx, SetLimitInput{ClientID: 1, UseDefault: true, Actor: staffActor})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, 1200.0, again.Limit.LimitAmount, "existing limit keeps its amount")
	assert.Nil(t, again.Entry)

	upTo := 800.0
	_, err = env.svc.UpdateSettings(ctx, staffActor, SettingsPatch{DefaultLimitAmount: &upTo})
	require.NoError(t, err)
	second, err := env.svc.SetLimit(ctx, SetLimitInput{ClientID: 2, UseDefault: true, Actor: staffActor})
	require.NoError(t, err)
	assert.Equal(t, 800.0, second.Limit.LimitAmount)
}
