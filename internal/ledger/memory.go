package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewInMemoryStore constructs an in-memory ledger store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byMerchantOrder: make(map[string]*Transaction),
		byTransaction:   make(map[string]string),
		now:             time.Now,
	}
}

// InMemoryStore keeps transactions in memory with the same conditional-write
// semantics as the Postgres store. Used as the dev fallback and in tests.
type InMemoryStore struct {
	mu              sync.Mutex
	byMerchantOrder map[string]*Transaction
	byTransaction   map[string]string
	now             func() time.Time
}

func (s *InMemoryStore) Create(ctx context.Context, txn Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byMerchantOrder[txn.MerchantOrderID]; ok {
		return ErrDuplicateMerchantOrderID
	}
	for _, existing := range s.byMerchantOrder {
		if existing.OrderID == txn.OrderID && existing.State == StatePending {
			return ErrPendingExists
		}
	}

	now := s.now()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = txn.CreatedAt
	if txn.State == "" {
		txn.State = StatePending
	}

	stored := txn
	s.byMerchantOrder[txn.MerchantOrderID] = &stored
	s.byTransaction[txn.TransactionID] = txn.MerchantOrderID
	return nil
}

func (s *InMemoryStore) GetByTransactionID(ctx context.Context, transactionID string) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merchantOrderID, ok := s.byTransaction[transactionID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *s.byMerchantOrder[merchantOrderID], nil
}

func (s *InMemoryStore) GetByMerchantOrderID(ctx context.Context, merchantOrderID string) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.byMerchantOrder[merchantOrderID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *txn, nil
}

// Resolve performs the set-state-if-PENDING write under the store mutex,
// mirroring the conditional UPDATE of the Postgres store.
func (s *InMemoryStore) Resolve(ctx context.Context, merchantOrderID string, res Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.byMerchantOrder[merchantOrderID]
	if !ok {
		return ErrNotFound
	}
	if txn.State != StatePending {
		return ErrAlreadyResolved
	}

	txn.State = res.State
	txn.GatewayCorrelationID = res.GatewayCorrelationID
	txn.RawLastEvent = append([]byte(nil), res.RawEvent...)
	txn.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) PendingByOrderID(ctx context.Context, orderID string) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, txn := range s.byMerchantOrder {
		if txn.OrderID == orderID && txn.State == StatePending {
			return *txn, nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (s *InMemoryStore) LatestNonCancelledByOrderID(ctx context.Context, orderID string) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Transaction
	for _, txn := range s.byMerchantOrder {
		if txn.OrderID != orderID || txn.State == StateCancelled {
			continue
		}
		if latest == nil || txn.CreatedAt.After(latest.CreatedAt) {
			latest = txn
		}
	}
	if latest == nil {
		return Transaction{}, ErrNotFound
	}
	return *latest, nil
}

func (s *InMemoryStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []Transaction
	for _, txn := range s.byMerchantOrder {
		if txn.State == StatePending && txn.CreatedAt.Before(olderThan) {
			stale = append(stale, *txn)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
