package ledger

import (
	"context"
	"errors"
	"time"
)

// State is a transaction's position in the payment state machine.
// PENDING is initial; the four other states are terminal.
type State string

const (
	StatePending   State = "PENDING"
	StateSuccess   State = "SUCCESS"
	StateFailed    State = "FAILED"
	StateRefunded  State = "REFUNDED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transition is permitted from s.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateRefunded, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known ledger state.
func (s State) Valid() bool {
	return s == StatePending || s.Terminal()
}

// Transaction is the ledger's unit of truth. A row is created in PENDING at
// initiation, resolved at most once to a terminal state, and never deleted.
type Transaction struct {
	TransactionID        string
	MerchantOrderID      string
	OrderID              string
	AmountCents          int64
	State                State
	GatewayCorrelationID string
	RawLastEvent         []byte
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ErrNotFound signals that no transaction exists for the given key.
var ErrNotFound = errors.New("transaction not found")

// ErrDuplicateMerchantOrderID signals a second Create for the same
// merchant order id.
var ErrDuplicateMerchantOrderID = errors.New("merchant order id already exists")

// ErrAlreadyResolved signals a Resolve against a transaction that has
// already left PENDING.
var ErrAlreadyResolved = errors.New("transaction already resolved")

// ErrPendingExists signals a Create for an order that already has an open
// transaction. Enforced inside the store so two racing initiations cannot
// both leave a PENDING row behind.
var ErrPendingExists = errors.New("order already has a pending transaction")

// Resolution is the terminal write applied to a PENDING transaction.
type Resolution struct {
	State                State
	GatewayCorrelationID string
	RawEvent             []byte
}

// Store persists transactions. Resolve must be atomic set-state-if-PENDING:
// of two racing writers exactly one succeeds, the other gets
// ErrAlreadyResolved.
type Store interface {
	// Create inserts a PENDING transaction. ErrDuplicateMerchantOrderID on a
	// reused merchant order id; ErrPendingExists when the order already has
	// an open transaction (of two racing creators exactly one succeeds).
	Create(ctx context.Context, txn Transaction) error
	GetByTransactionID(ctx context.Context, transactionID string) (Transaction, error)
	GetByMerchantOrderID(ctx context.Context, merchantOrderID string) (Transaction, error)
	Resolve(ctx context.Context, merchantOrderID string, res Resolution) error
	// PendingByOrderID returns the order's open transaction, or ErrNotFound
	// when every transaction for the order is terminal. At most one open
	// transaction per order exists at a time.
	PendingByOrderID(ctx context.Context, orderID string) (Transaction, error)
	// LatestNonCancelledByOrderID returns the order's most recent transaction
	// whose state is not CANCELLED, or ErrNotFound.
	LatestNonCancelledByOrderID(ctx context.Context, orderID string) (Transaction, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)
}
