package recon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tollgate/internal/gateway"
	"tollgate/internal/journal"
	"tollgate/internal/ledger"
	"tollgate/internal/realtime"
	"tollgate/internal/webhook"
)

type spyJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (s *spyJournal) Record(ctx context.Context, e journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *spyJournal) outcomes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		out = append(out, e.Outcome)
	}
	return out
}

type spySink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *spySink) Notify(ctx context.Context, kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
}

type spyBroadcaster struct {
	mu      sync.Mutex
	updates []realtime.StatusUpdate
}

func (s *spyBroadcaster) Publish(update realtime.StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

type fixture struct {
	service *Service
	store   *ledger.InMemoryStore
	orders  *InMemoryOrderStore
	gateway *gateway.InMemoryClient
	journal *spyJournal
	sink    *spySink
	caster  *spyBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   ledger.NewInMemoryStore(),
		orders:  NewInMemoryOrderStore(),
		gateway: gateway.NewInMemoryClient(),
		journal: &spyJournal{},
		sink:    &spySink{},
		caster:  &spyBroadcaster{},
	}
	f.service = NewService(f.store, f.orders, f.gateway,
		WithJournal(f.journal),
		WithNotificationSink(f.sink),
		WithBroadcaster(f.caster),
		WithLogger(func(format string, args ...any) {}),
		WithReturnURLs("https://merchant.test/payments/callback", "https://merchant.test/return"),
	)
	return f
}

func (f *fixture) initiate(t *testing.T, orderID string, amount int64) InitiateResult {
	t.Helper()
	res, err := f.service.Initiate(context.Background(), orderID, amount)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return res
}

func successEvent(res InitiateResult, amount int64) webhook.Event {
	return webhook.Event{
		MerchantOrderID:      res.MerchantOrderID,
		GatewayCorrelationID: "gw-1",
		AmountCents:          amount,
		Status:               "COMPLETED",
	}
}

func TestInitiate_CreatesPendingAndReturnsRedirect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.initiate(t, "O1", 500)

	if res.RedirectURL == "" || res.TransactionID == "" || res.MerchantOrderID == "" {
		t.Fatalf("incomplete result: %+v", res)
	}

	txn, err := f.store.GetByTransactionID(context.Background(), res.TransactionID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.State != ledger.StatePending || txn.AmountCents != 500 || txn.OrderID != "O1" {
		t.Fatalf("unexpected transaction: %+v", txn)
	}

	status, _ := f.orders.GetPaymentStatus(context.Background(), "O1")
	if status != OrderStatusPending {
		t.Fatalf("expected pending order status, got %v", status)
	}
}

func TestInitiate_GatewayFailureLeavesFailedTransaction(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.InitiateErr = gateway.ErrUnavailable

	_, err := f.service.Initiate(context.Background(), "O1", 500)
	if !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected gateway error, got %v", err)
	}

	// Never left dangling in PENDING with no gateway record.
	if _, err := f.store.PendingByOrderID(context.Background(), "O1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected no pending transaction, got %v", err)
	}
	status, _ := f.orders.GetPaymentStatus(context.Background(), "O1")
	if status != OrderStatusFailed {
		t.Fatalf("expected failed order status, got %v", status)
	}
}

func TestInitiate_RejectsSecondPendingAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.initiate(t, "O1", 500)

	_, err := f.service.Initiate(context.Background(), "O1", 500)
	if !errors.Is(err, ErrPaymentInProgress) {
		t.Fatalf("expected payment in progress, got %v", err)
	}
}

func TestInitiate_ConcurrentAttemptsSinglePending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	const attempts = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Initiate(ctx, "O1", 500)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrPaymentInProgress) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning initiation, got %d", wins)
	}
	// The order never ends up with more than one open transaction, so the
	// customer cannot be charged twice.
	if _, err := f.store.PendingByOrderID(ctx, "O1"); err != nil {
		t.Fatalf("pending lookup: %v", err)
	}
}

func TestInitiate_RetryAfterFailureCreatesNewTransaction(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.initiate(t, "O1", 500)

	if _, err := f.service.ApplyOutcome(context.Background(), webhook.Event{
		MerchantOrderID: res.MerchantOrderID,
		AmountCents:     500,
		Status:          "FAILED",
	}, "webhook"); err != nil {
		t.Fatalf("apply failure: %v", err)
	}

	res2 := f.initiate(t, "O1", 500)
	if res2.MerchantOrderID == res.MerchantOrderID {
		t.Fatalf("expected fresh merchant order id on retry")
	}
}

func TestInitiate_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.service.Initiate(context.Background(), "", 500); err == nil {
		t.Fatalf("expected error for empty order id")
	}
	if _, err := f.service.Initiate(context.Background(), "O1", 0); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestApplyOutcome_SuccessScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)
	ev := successEvent(res, 500)

	txn, err := f.service.ApplyOutcome(ctx, ev, "webhook")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if txn.State != ledger.StateSuccess || txn.GatewayCorrelationID != "gw-1" {
		t.Fatalf("unexpected transaction: %+v", txn)
	}

	status, _ := f.orders.GetPaymentStatus(ctx, "O1")
	if status != OrderStatusPaid {
		t.Fatalf("expected paid, got %v", status)
	}

	if len(f.caster.updates) != 1 || f.caster.updates[0].State != "SUCCESS" {
		t.Fatalf("expected one broadcast, got %+v", f.caster.updates)
	}
}

func TestApplyOutcome_DuplicateDeliveryIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)
	ev := successEvent(res, 500)

	if _, err := f.service.ApplyOutcome(ctx, ev, "webhook"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	updatesAfterFirst := f.orders.UpdateCount("O1")

	txn, err := f.service.ApplyOutcome(ctx, ev, "webhook")
	if err != nil {
		t.Fatalf("duplicate apply must be a no-op, got %v", err)
	}
	if txn.State != ledger.StateSuccess {
		t.Fatalf("state changed on duplicate: %v", txn.State)
	}
	if f.orders.UpdateCount("O1") != updatesAfterFirst {
		t.Fatalf("order updated twice for one outcome")
	}

	outcomes := f.journal.outcomes()
	if outcomes[len(outcomes)-1] != "duplicate" {
		t.Fatalf("expected duplicate journal entry, got %v", outcomes)
	}
}

func TestApplyOutcome_TerminalStateNeverOverwritten(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)

	if _, err := f.service.ApplyOutcome(ctx, successEvent(res, 500), "webhook"); err != nil {
		t.Fatalf("apply success: %v", err)
	}

	// A stale FAILED retry must not change anything.
	stale := webhook.Event{
		MerchantOrderID: res.MerchantOrderID,
		AmountCents:     500,
		Status:          "FAILED",
	}
	txn, err := f.service.ApplyOutcome(ctx, stale, "webhook")
	if !errors.Is(err, ErrConflictingTerminalUpdate) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if txn.State != ledger.StateSuccess {
		t.Fatalf("terminal state overwritten: %v", txn.State)
	}

	found := false
	for _, kind := range f.sink.kinds {
		if kind == "terminal_conflict" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected terminal_conflict alert, got %v", f.sink.kinds)
	}
}

func TestApplyOutcome_AmountMismatchRejectedWithoutMutation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)

	ev := successEvent(res, 600)
	_, err := f.service.ApplyOutcome(ctx, ev, "webhook")
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}

	txn, _ := f.store.GetByMerchantOrderID(ctx, res.MerchantOrderID)
	if txn.State != ledger.StatePending {
		t.Fatalf("transaction mutated on mismatch: %v", txn.State)
	}
	status, _ := f.orders.GetPaymentStatus(ctx, "O1")
	if status != OrderStatusPending {
		t.Fatalf("order mutated on mismatch: %v", status)
	}
	if len(f.sink.kinds) == 0 || f.sink.kinds[0] != "amount_mismatch" {
		t.Fatalf("expected amount_mismatch alert, got %v", f.sink.kinds)
	}
}

func TestApplyOutcome_UnknownMerchantOrderID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ev := webhook.Event{MerchantOrderID: "mo-ghost", AmountCents: 500, Status: "COMPLETED"}

	_, err := f.service.ApplyOutcome(context.Background(), ev, "webhook")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	// Never auto-creates a transaction.
	if _, err := f.store.GetByMerchantOrderID(context.Background(), "mo-ghost"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("transaction was created for unknown id")
	}
}

func TestApplyOutcome_UnrecognizedStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)

	ev := webhook.Event{MerchantOrderID: res.MerchantOrderID, AmountCents: 500, Status: "ON_HOLD"}
	_, err := f.service.ApplyOutcome(ctx, ev, "webhook")
	if !errors.Is(err, ErrUnrecognizedStatus) {
		t.Fatalf("expected unrecognized status, got %v", err)
	}

	txn, _ := f.store.GetByMerchantOrderID(ctx, res.MerchantOrderID)
	if txn.State != ledger.StatePending {
		t.Fatalf("transaction mutated on unrecognized status: %v", txn.State)
	}
}

func TestApplyOutcome_CancelledFirstAttemptLeavesOrderUnpaid(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)

	ev := webhook.Event{MerchantOrderID: res.MerchantOrderID, AmountCents: 500, Status: "CANCELLED"}
	if _, err := f.service.ApplyOutcome(ctx, ev, "webhook"); err != nil {
		t.Fatalf("apply cancel: %v", err)
	}

	status, _ := f.orders.GetPaymentStatus(ctx, "O1")
	if status != OrderStatusUnpaid {
		t.Fatalf("expected unpaid, got %v", status)
	}
}

func TestApplyOutcome_CancelledRetryKeepsEarlierFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	first := f.initiate(t, "O1", 500)
	if _, err := f.service.ApplyOutcome(ctx, webhook.Event{
		MerchantOrderID: first.MerchantOrderID,
		AmountCents:     500,
		Status:          "FAILED",
	}, "webhook"); err != nil {
		t.Fatalf("apply failure: %v", err)
	}

	retry := f.initiate(t, "O1", 500)
	if _, err := f.service.ApplyOutcome(ctx, webhook.Event{
		MerchantOrderID: retry.MerchantOrderID,
		AmountCents:     500,
		Status:          "CANCELLED",
	}, "webhook"); err != nil {
		t.Fatalf("apply cancel: %v", err)
	}

	// The cancelled retry defers to the order's last real outcome.
	status, _ := f.orders.GetPaymentStatus(ctx, "O1")
	if status != OrderStatusFailed {
		t.Fatalf("expected failed, got %v", status)
	}
}

func TestApplyOutcome_ConcurrentRaceSingleTerminalWrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)
	ev := successEvent(res, 500)

	const writers = 12
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.ApplyOutcome(ctx, ev, "webhook")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("identical concurrent events must all succeed, got %v", err)
		}
	}

	txn, _ := f.store.GetByMerchantOrderID(ctx, res.MerchantOrderID)
	if txn.State != ledger.StateSuccess {
		t.Fatalf("unexpected final state: %v", txn.State)
	}
	// pending -> paid is a single visible change, plus the initiate's
	// unpaid -> pending: exactly two updates total, not one per writer.
	if got := f.orders.UpdateCount("O1"); got != 2 {
		t.Fatalf("expected 2 order updates, got %d", got)
	}

	applied := 0
	for _, outcome := range f.journal.outcomes() {
		if outcome == "applied" {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied journal entry, got %d", applied)
	}
}

func TestStatus_RefreshesPendingFromGateway(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)

	// Gateway knows the outcome but no webhook has arrived yet.
	f.gateway.SetStatus(res.MerchantOrderID, "COMPLETED")

	status, err := f.service.Status(ctx, res.TransactionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Transaction.State != ledger.StateSuccess {
		t.Fatalf("expected on-demand resolution, got %v", status.Transaction.State)
	}
	if status.OrderStatus != OrderStatusPaid {
		t.Fatalf("expected paid projection, got %v", status.OrderStatus)
	}
}

func TestStatus_GatewayStillPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)

	status, err := f.service.Status(ctx, res.TransactionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Transaction.State != ledger.StatePending {
		t.Fatalf("expected still pending, got %v", status.Transaction.State)
	}
	if status.OrderStatus != OrderStatusPending {
		t.Fatalf("expected pending projection, got %v", status.OrderStatus)
	}
}

func TestStatus_UnknownTransaction(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.service.Status(context.Background(), "txn-ghost"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMapStatus_Classes(t *testing.T) {
	t.Parallel()

	cases := map[string]ledger.State{
		"COMPLETED":      ledger.StateSuccess,
		"success":        ledger.StateSuccess,
		"PAYMENT_ERROR":  ledger.StateFailed,
		"declined":       ledger.StateFailed,
		"REFUNDED":       ledger.StateRefunded,
		"refund_success": ledger.StateRefunded,
		"CANCELLED":      ledger.StateCancelled,
		"expired":        ledger.StateCancelled,
	}
	for status, want := range cases {
		got, ok := MapStatus(status)
		if !ok || got != want {
			t.Fatalf("MapStatus(%q) = %v, %v; want %v", status, got, ok, want)
		}
	}

	for _, status := range []string{"", "ON_HOLD", "PROCESSING", "banana"} {
		if _, ok := MapStatus(status); ok {
			t.Fatalf("MapStatus(%q) unexpectedly recognized", status)
		}
	}
}

func TestPoller_ResolvesStalePending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)
	f.gateway.SetStatus(res.MerchantOrderID, "COMPLETED")

	poller := NewPoller(f.service, PollerConfig{
		Interval:    time.Minute,
		GracePeriod: time.Minute,
		BatchLimit:  10,
	}, func(format string, args ...any) {})
	// Pretend time has moved past the grace period.
	poller.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if err := poller.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	txn, _ := f.store.GetByMerchantOrderID(ctx, res.MerchantOrderID)
	if txn.State != ledger.StateSuccess {
		t.Fatalf("expected poller to resolve, got %v", txn.State)
	}
}

func TestPoller_LeavesFreshPendingAlone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)
	f.gateway.SetStatus(res.MerchantOrderID, "COMPLETED")

	poller := NewPoller(f.service, PollerConfig{
		Interval:    time.Minute,
		GracePeriod: time.Hour,
		BatchLimit:  10,
	}, func(format string, args ...any) {})

	if err := poller.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	txn, _ := f.store.GetByMerchantOrderID(ctx, res.MerchantOrderID)
	if txn.State != ledger.StatePending {
		t.Fatalf("poller touched a transaction inside the grace period: %v", txn.State)
	}
}

func TestPoller_SkipsNonTerminalGatewayStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)
	// Gateway still reports PENDING; nothing to apply.

	poller := NewPoller(f.service, PollerConfig{
		Interval:    time.Minute,
		GracePeriod: time.Minute,
	}, func(format string, args ...any) {})
	poller.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if err := poller.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	txn, _ := f.store.GetByMerchantOrderID(ctx, res.MerchantOrderID)
	if txn.State != ledger.StatePending {
		t.Fatalf("unexpected state: %v", txn.State)
	}
}

func TestPoller_RaceWithWebhookSingleWinner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.initiate(t, "O1", 500)
	f.gateway.SetStatus(res.MerchantOrderID, "COMPLETED")

	poller := NewPoller(f.service, PollerConfig{
		Interval:    time.Minute,
		GracePeriod: time.Millisecond,
	}, func(format string, args ...any) {})
	poller.now = func() time.Time { return time.Now().Add(time.Minute) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = poller.Tick(ctx)
	}()
	go func() {
		defer wg.Done()
		ev := webhook.Event{
			MerchantOrderID:      res.MerchantOrderID,
			GatewayCorrelationID: "gw-1",
			AmountCents:          500,
			Status:               "COMPLETED",
		}
		_, _ = f.service.ApplyOutcome(ctx, ev, "webhook")
	}()
	wg.Wait()

	txn, _ := f.store.GetByMerchantOrderID(ctx, res.MerchantOrderID)
	if txn.State != ledger.StateSuccess {
		t.Fatalf("unexpected final state: %v", txn.State)
	}

	applied := 0
	for _, outcome := range f.journal.outcomes() {
		if outcome == "applied" {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied entry, got %d", applied)
	}
	if got := f.orders.UpdateCount("O1"); got != 2 {
		t.Fatalf("expected 2 order updates (pending, paid), got %d", got)
	}
}
