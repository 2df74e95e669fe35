package ledgerdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tollgate/internal/ledger"
)

// PostgresStore persists the transaction ledger in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a ledger store backed by Postgres.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// pendingPerOrderConstraint is the partial unique index that lets the
// database itself reject a second open transaction for the same order.
const pendingPerOrderConstraint = "transactions_one_pending_per_order"

// InitSchema creates the transactions table and its indexes if they do
// not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			transaction_id TEXT PRIMARY KEY,
			merchant_order_id TEXT UNIQUE NOT NULL,
			order_id TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			state TEXT NOT NULL,
			gateway_correlation_id TEXT,
			raw_last_event BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS `+pendingPerOrderConstraint+`
		ON transactions (order_id)
		WHERE state = 'PENDING'
	`)
	return err
}

// Create inserts a new transaction row. A second insert for the same
// merchant order id returns ledger.ErrDuplicateMerchantOrderID; an insert
// for an order that already has an open transaction trips the partial
// unique index and returns ledger.ErrPendingExists.
func (s *PostgresStore) Create(ctx context.Context, txn ledger.Transaction) error {
	if txn.MerchantOrderID == "" {
		return fmt.Errorf("merchant order id required")
	}
	if txn.State == "" {
		txn.State = ledger.StatePending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, merchant_order_id, order_id, amount_cents, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (merchant_order_id) DO NOTHING`,
		txn.TransactionID, txn.MerchantOrderID, txn.OrderID, txn.AmountCents, string(txn.State),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == pendingPerOrderConstraint {
			return ledger.ErrPendingExists
		}
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrDuplicateMerchantOrderID
	}
	return nil
}

const selectColumns = `transaction_id, merchant_order_id, order_id, amount_cents, state, gateway_correlation_id, raw_last_event, created_at, updated_at`

// GetByTransactionID fetches a transaction by its internal id.
func (s *PostgresStore) GetByTransactionID(ctx context.Context, transactionID string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM transactions
		WHERE transaction_id = $1`,
		transactionID,
	)
	return scanTransaction(row)
}

// GetByMerchantOrderID fetches a transaction by its gateway correlation key.
func (s *PostgresStore) GetByMerchantOrderID(ctx context.Context, merchantOrderID string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM transactions
		WHERE merchant_order_id = $1`,
		merchantOrderID,
	)
	return scanTransaction(row)
}

// Resolve atomically moves a PENDING transaction to a terminal state. The
// WHERE clause on state makes this a compare-and-set: of two racing writers
// exactly one row update succeeds.
func (s *PostgresStore) Resolve(ctx context.Context, merchantOrderID string, res ledger.Resolution) error {
	if !res.State.Terminal() {
		return fmt.Errorf("resolve to non-terminal state %q", res.State)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET state = $2, gateway_correlation_id = $3, raw_last_event = $4, updated_at = NOW()
		WHERE merchant_order_id = $1 AND state = 'PENDING'`,
		merchantOrderID, string(res.State), res.GatewayCorrelationID, res.RawEvent,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// No row moved: either the transaction is unknown or already terminal.
	row := s.db.QueryRowContext(ctx, `SELECT state FROM transactions WHERE merchant_order_id = $1`, merchantOrderID)
	var state string
	switch scanErr := row.Scan(&state); {
	case scanErr == nil:
		return ledger.ErrAlreadyResolved
	case errors.Is(scanErr, sql.ErrNoRows):
		return ledger.ErrNotFound
	default:
		return scanErr
	}
}

// PendingByOrderID returns the order's open transaction if one exists.
func (s *PostgresStore) PendingByOrderID(ctx context.Context, orderID string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM transactions
		WHERE order_id = $1 AND state = 'PENDING'
		ORDER BY created_at DESC
		LIMIT 1`,
		orderID,
	)
	return scanTransaction(row)
}

// LatestNonCancelledByOrderID returns the order's most recent transaction
// that was not cancelled. Backs the order-status projection after a
// cancelled retry.
func (s *PostgresStore) LatestNonCancelledByOrderID(ctx context.Context, orderID string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM transactions
		WHERE order_id = $1 AND state <> 'CANCELLED'
		ORDER BY created_at DESC
		LIMIT 1`,
		orderID,
	)
	return scanTransaction(row)
}

// ListStalePending returns PENDING transactions created before olderThan,
// oldest first, for the status poller.
func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM transactions
		WHERE state = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []ledger.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, txn)
	}
	return stale, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var txn ledger.Transaction
	var state string
	var correlationID sql.NullString
	var rawEvent []byte

	err := row.Scan(
		&txn.TransactionID,
		&txn.MerchantOrderID,
		&txn.OrderID,
		&txn.AmountCents,
		&state,
		&correlationID,
		&rawEvent,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, ledger.ErrNotFound
		}
		return ledger.Transaction{}, err
	}

	txn.State = ledger.State(state)
	txn.GatewayCorrelationID = correlationID.String
	txn.RawLastEvent = rawEvent
	return txn, nil
}
