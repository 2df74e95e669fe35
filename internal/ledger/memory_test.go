package ledger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newTxn(transactionID, merchantOrderID string) Transaction {
	return Transaction{
		TransactionID:   transactionID,
		MerchantOrderID: merchantOrderID,
		OrderID:         "order-1",
		AmountCents:     500,
		State:           StatePending,
	}
}

func TestInMemoryStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTxn("txn-1", "mo-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	byTxn, err := store.GetByTransactionID(ctx, "txn-1")
	if err != nil {
		t.Fatalf("get by transaction id: %v", err)
	}
	if byTxn.MerchantOrderID != "mo-1" || byTxn.State != StatePending {
		t.Fatalf("unexpected transaction: %+v", byTxn)
	}
	if byTxn.CreatedAt.IsZero() || byTxn.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set")
	}

	byMO, err := store.GetByMerchantOrderID(ctx, "mo-1")
	if err != nil {
		t.Fatalf("get by merchant order id: %v", err)
	}
	if byMO.TransactionID != "txn-1" {
		t.Fatalf("unexpected transaction: %+v", byMO)
	}
}

func TestInMemoryStore_DuplicateMerchantOrderID(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTxn("txn-1", "mo-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newTxn("txn-2", "mo-1")); !errors.Is(err, ErrDuplicateMerchantOrderID) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestInMemoryStore_SecondPendingForOrderRejected(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTxn("txn-1", "mo-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newTxn("txn-2", "mo-2")); !errors.Is(err, ErrPendingExists) {
		t.Fatalf("expected pending exists, got %v", err)
	}

	if err := store.Resolve(ctx, "mo-1", Resolution{State: StateFailed}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.Create(ctx, newTxn("txn-2", "mo-2")); err != nil {
		t.Fatalf("create after resolve: %v", err)
	}
}

func TestInMemoryStore_ConcurrentCreateSinglePending(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Create(ctx, newTxn(
				"txn-"+strconv.Itoa(i), "mo-"+strconv.Itoa(i)))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrPendingExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning create, got %d", wins)
	}
	if _, err := store.PendingByOrderID(ctx, "order-1"); err != nil {
		t.Fatalf("pending lookup: %v", err)
	}
}

func TestInMemoryStore_LatestNonCancelledByOrderID(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if _, err := store.LatestNonCancelledByOrderID(ctx, "order-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on empty store, got %v", err)
	}

	first := newTxn("txn-1", "mo-1")
	first.CreatedAt = base.Add(-10 * time.Minute)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := store.Resolve(ctx, "mo-1", Resolution{State: StateFailed}); err != nil {
		t.Fatalf("resolve first: %v", err)
	}

	retry := newTxn("txn-2", "mo-2")
	retry.CreatedAt = base.Add(-5 * time.Minute)
	if err := store.Create(ctx, retry); err != nil {
		t.Fatalf("create retry: %v", err)
	}
	if err := store.Resolve(ctx, "mo-2", Resolution{State: StateCancelled}); err != nil {
		t.Fatalf("resolve retry: %v", err)
	}

	latest, err := store.LatestNonCancelledByOrderID(ctx, "order-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.MerchantOrderID != "mo-1" || latest.State != StateFailed {
		t.Fatalf("unexpected latest transaction: %+v", latest)
	}
}

func TestInMemoryStore_GetMissing(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.GetByTransactionID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetByMerchantOrderID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInMemoryStore_ResolveOnce(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTxn("txn-1", "mo-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	res := Resolution{State: StateSuccess, GatewayCorrelationID: "gw-1", RawEvent: []byte(`{"status":"COMPLETED"}`)}
	if err := store.Resolve(ctx, "mo-1", res); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	txn, err := store.GetByMerchantOrderID(ctx, "mo-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if txn.State != StateSuccess || txn.GatewayCorrelationID != "gw-1" {
		t.Fatalf("unexpected transaction: %+v", txn)
	}
	if string(txn.RawLastEvent) != `{"status":"COMPLETED"}` {
		t.Fatalf("unexpected raw event: %s", txn.RawLastEvent)
	}

	err = store.Resolve(ctx, "mo-1", Resolution{State: StateFailed})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}

	txn, _ = store.GetByMerchantOrderID(ctx, "mo-1")
	if txn.State != StateSuccess {
		t.Fatalf("terminal state overwritten: %v", txn.State)
	}
}

func TestInMemoryStore_ResolveMissing(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	err := store.Resolve(context.Background(), "mo-missing", Resolution{State: StateSuccess})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInMemoryStore_ConcurrentResolveSingleWinner(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTxn("txn-1", "mo-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Resolve(ctx, "mo-1", Resolution{State: StateSuccess})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAlreadyResolved) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning resolve, got %d", wins)
	}
}

func TestInMemoryStore_ListStalePending(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	ctx := context.Background()

	old1 := newTxn("txn-1", "mo-1")
	old1.CreatedAt = base.Add(-10 * time.Minute)
	old2 := newTxn("txn-2", "mo-2")
	old2.OrderID = "order-2"
	old2.CreatedAt = base.Add(-5 * time.Minute)
	fresh := newTxn("txn-3", "mo-3")
	fresh.OrderID = "order-3"
	fresh.CreatedAt = base.Add(-30 * time.Second)

	for _, txn := range []Transaction{old1, old2, fresh} {
		if err := store.Create(ctx, txn); err != nil {
			t.Fatalf("create %s: %v", txn.TransactionID, err)
		}
	}
	if err := store.Resolve(ctx, "mo-2", Resolution{State: StateFailed}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	stale, err := store.ListStalePending(ctx, base.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].MerchantOrderID != "mo-1" {
		t.Fatalf("unexpected stale set: %+v", stale)
	}
}
