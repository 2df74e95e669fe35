package recon

import (
	"context"
	"database/sql"
	"log"
	"time"

	ledgerdb "tollgate/internal/db/ledger"
	ordersdb "tollgate/internal/db/orders"
	"tollgate/internal/gateway"
	"tollgate/internal/ledger"
)

// BuildStores wires the ledger and order stores from config (Postgres DSN
// and logger). If the DSN is empty or initialization fails, it falls back to
// in-memory stores. The returned cleanup closes any external resources.
func BuildStores(ctx context.Context, dsn string, logf func(format string, args ...any)) (ledger.Store, OrderStore, func()) {
	if logf == nil {
		logf = log.Printf
	}

	cleanup := func() {}
	var store ledger.Store = ledger.NewInMemoryStore()
	var orders OrderStore = NewInMemoryOrderStore()

	if dsn != "" {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			logf("postgres open failed, falling back to in-memory stores: %v", err)
			return store, orders, cleanup
		}

		setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		pgLedger, err := ledgerdb.NewPostgresStoreWithSchema(setupCtx, sqlDB)
		if err != nil {
			logf("postgres ledger init failed, falling back to in-memory stores: %v", err)
			_ = sqlDB.Close()
			return store, orders, cleanup
		}
		pgOrders, err := ordersdb.NewPostgresOrderStoreWithSchema(setupCtx, sqlDB)
		if err != nil {
			logf("postgres orders init failed, falling back to in-memory stores: %v", err)
			_ = sqlDB.Close()
			return store, orders, cleanup
		}

		logf("postgres ledger enabled")
		store = pgLedger
		orders = orderStoreAdapter{store: pgOrders}
		cleanup = func() {
			if err := sqlDB.Close(); err != nil {
				logf("close postgres: %v", err)
			}
		}
	}

	return store, orders, cleanup
}

// orderStoreAdapter maps the db-level status type onto the service contract.
type orderStoreAdapter struct {
	store *ordersdb.PostgresOrderStore
}

func (a orderStoreAdapter) SetPaymentStatus(ctx context.Context, orderID string, status OrderStatus) error {
	return a.store.SetPaymentStatus(ctx, orderID, ordersdb.PaymentStatus(status))
}

func (a orderStoreAdapter) GetPaymentStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	status, err := a.store.GetPaymentStatus(ctx, orderID)
	return OrderStatus(status), err
}

// DefaultRetryPolicy is the bounded-retry policy applied to outbound gateway
// calls: transient failures retry with exponential backoff, everything else
// surfaces immediately.
func DefaultRetryPolicy() gateway.RetryPolicy {
	return gateway.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}
