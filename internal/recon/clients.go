package recon

import (
	"context"
	"log"
	"sync"
)

// NewInMemoryOrderStore constructs an in-memory order store.
func NewInMemoryOrderStore() *InMemoryOrderStore {
	return &InMemoryOrderStore{
		statuses: make(map[string]OrderStatus),
		updates:  make(map[string]int),
	}
}

// InMemoryOrderStore tracks order payment statuses in memory. Used as the
// dev fallback and in tests.
type InMemoryOrderStore struct {
	mu       sync.Mutex
	statuses map[string]OrderStatus
	updates  map[string]int
}

func (s *InMemoryOrderStore) SetPaymentStatus(ctx context.Context, orderID string, status OrderStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[orderID] == status {
		return nil // repeated identical update is a no-op
	}
	s.statuses[orderID] = status
	s.updates[orderID]++
	return nil
}

func (s *InMemoryOrderStore) GetPaymentStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[orderID]
	if !ok {
		return OrderStatusUnpaid, nil
	}
	return status, nil
}

// UpdateCount returns how many visible status changes an order saw
// (for testing/inspection).
func (s *InMemoryOrderStore) UpdateCount(orderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[orderID]
}

// LogSink is a NotificationSink that writes alerts to the log. Stands in for
// the surrounding system's real alerting channel.
type LogSink struct {
	Logf func(format string, args ...any)
}

func (l LogSink) Notify(ctx context.Context, kind, message string) {
	logf := l.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("alert [%s]: %s", kind, message)
}
