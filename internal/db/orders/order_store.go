package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PaymentStatus is the order-side projection of the ledger, the only order
// field this system writes.
type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "unpaid"
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// ErrOrderNotFound signals an update against an unknown order id.
var ErrOrderNotFound = errors.New("order not found")

// PostgresOrderStore updates the payment status column of the orders table.
// The rest of the order record belongs to the surrounding system and is
// never touched here.
type PostgresOrderStore struct {
	db *sql.DB
}

// NewPostgresOrderStore constructs an order store backed by Postgres.
func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

// NewPostgresOrderStoreWithSchema initializes the schema then returns the store.
func NewPostgresOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresOrderStore, error) {
	store := NewPostgresOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist. In a deployment
// where the order system owns this table the statement is a no-op.
func (s *PostgresOrderStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			payment_status TEXT NOT NULL DEFAULT 'unpaid',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// SetPaymentStatus writes the projection. The status guard in the WHERE
// clause makes a repeated identical update a no-op, so a duplicate webhook
// delivery never produces a second visible order mutation.
func (s *PostgresOrderStore) SetPaymentStatus(ctx context.Context, orderID string, status PaymentStatus) error {
	if orderID == "" {
		return fmt.Errorf("order id required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $2, updated_at = NOW()
		WHERE order_id = $1 AND payment_status <> $2`,
		orderID, string(status),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current string
	row := s.db.QueryRowContext(ctx, `SELECT payment_status FROM orders WHERE order_id = $1`, orderID)
	switch scanErr := row.Scan(&current); {
	case scanErr == nil:
		return nil // already at the requested status
	case errors.Is(scanErr, sql.ErrNoRows):
		return ErrOrderNotFound
	default:
		return scanErr
	}
}

// GetPaymentStatus reads the current projection.
func (s *PostgresOrderStore) GetPaymentStatus(ctx context.Context, orderID string) (PaymentStatus, error) {
	var current string
	row := s.db.QueryRowContext(ctx, `SELECT payment_status FROM orders WHERE order_id = $1`, orderID)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrOrderNotFound
		}
		return "", err
	}
	return PaymentStatus(current), nil
}
