package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"tollgate/internal/gateway"
	"tollgate/internal/ident"
	"tollgate/internal/journal"
	"tollgate/internal/ledger"
	"tollgate/internal/realtime"
	"tollgate/internal/webhook"
)

// ErrAmountMismatch signals an event whose amount differs from the
// transaction's stored amount. Flagged for manual review, never resolved by
// picking one value.
var ErrAmountMismatch = errors.New("event amount does not match transaction amount")

// ErrConflictingTerminalUpdate signals an event that disagrees with an
// already-terminal transaction.
var ErrConflictingTerminalUpdate = errors.New("conflicting update for terminal transaction")

// ErrUnrecognizedStatus signals a gateway status outside the mapping table.
var ErrUnrecognizedStatus = errors.New("unrecognized gateway status")

// ErrPaymentInProgress signals an initiate for an order that already has an
// open transaction.
var ErrPaymentInProgress = errors.New("order already has a pending payment")

// OrderStatus is the order-side payment status projection.
type OrderStatus string

const (
	OrderStatusUnpaid   OrderStatus = "unpaid"
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRefunded OrderStatus = "refunded"
)

// OrderStore is the narrow contract on the external order system: this core
// only ever reads and writes the payment status field.
type OrderStore interface {
	SetPaymentStatus(ctx context.Context, orderID string, status OrderStatus) error
	GetPaymentStatus(ctx context.Context, orderID string) (OrderStatus, error)
}

// NotificationSink receives best-effort operator alerts. Failures to notify
// never fail reconciliation.
type NotificationSink interface {
	Notify(ctx context.Context, kind, message string)
}

// Journal receives an audit entry for every event the service saw, applied
// or rejected.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Broadcaster pushes state changes to watching clients.
type Broadcaster interface {
	Publish(update realtime.StatusUpdate)
}

// InitiateResult is returned to the API caller after a successful initiation.
type InitiateResult struct {
	TransactionID   string
	MerchantOrderID string
	RedirectURL     string
}

// StatusResult is the transaction plus its linked order projection.
type StatusResult struct {
	Transaction ledger.Transaction
	OrderStatus OrderStatus
}

// Service orchestrates payment initiation and reconciles asynchronous
// outcome events into the ledger. Webhook delivery and status polling both
// funnel into ApplyOutcome, the single idempotent entry point.
type Service struct {
	store    ledger.Store
	orders   OrderStore
	gateway  gateway.Client
	journal  Journal
	sink     NotificationSink
	caster   Broadcaster
	logf     func(format string, args ...any)
	now      func() time.Time
	newTxnID func() string
	newMOID  func() string

	callbackURL string
	redirectURL string

	// sharded keyed locks serialize appliers per merchant order id without
	// growing with the id space; the ledger's conditional write remains the
	// hard guarantee.
	locks [lockShards]sync.Mutex
}

const lockShards = 256

// Option tweaks optional Service collaborators.
type Option func(*Service)

// WithJournal attaches an audit journal.
func WithJournal(j Journal) Option { return func(s *Service) { s.journal = j } }

// WithNotificationSink attaches an operator alert sink.
func WithNotificationSink(sink NotificationSink) Option { return func(s *Service) { s.sink = sink } }

// WithBroadcaster attaches a realtime status broadcaster.
func WithBroadcaster(b Broadcaster) Option { return func(s *Service) { s.caster = b } }

// WithLogger overrides the logger.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(s *Service) { s.logf = logf }
}

// WithReturnURLs sets the callback and user-redirect URLs sent to the
// gateway at initiation.
func WithReturnURLs(callbackURL, redirectURL string) Option {
	return func(s *Service) {
		s.callbackURL = callbackURL
		s.redirectURL = redirectURL
	}
}

// NewService constructs a reconciliation service.
func NewService(store ledger.Store, orders OrderStore, gw gateway.Client, opts ...Option) *Service {
	s := &Service{
		store:    store,
		orders:   orders,
		gateway:  gw,
		logf:     log.Printf,
		now:      time.Now,
		newTxnID: ident.NewTransactionID,
		newMOID:  ident.NewMerchantOrderID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate creates a PENDING ledger entry, registers the payment with the
// gateway, and returns the redirect URL. A gateway failure leaves the
// transaction in FAILED, never dangling in PENDING with no gateway record.
func (s *Service) Initiate(ctx context.Context, orderID string, amountCents int64) (InitiateResult, error) {
	if orderID == "" {
		return InitiateResult{}, fmt.Errorf("order id required")
	}
	if amountCents <= 0 {
		return InitiateResult{}, fmt.Errorf("amount must be positive")
	}

	if _, err := s.store.PendingByOrderID(ctx, orderID); err == nil {
		return InitiateResult{}, ErrPaymentInProgress
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return InitiateResult{}, err
	}

	txn := ledger.Transaction{
		TransactionID:   s.newTxnID(),
		MerchantOrderID: s.newMOID(),
		OrderID:         orderID,
		AmountCents:     amountCents,
		State:           ledger.StatePending,
	}
	if err := s.store.Create(ctx, txn); err != nil {
		// The store enforces one open transaction per order, so a racer that
		// slipped past the pending check above still loses here.
		if errors.Is(err, ledger.ErrPendingExists) {
			return InitiateResult{}, ErrPaymentInProgress
		}
		return InitiateResult{}, fmt.Errorf("create transaction: %w", err)
	}
	s.setOrderStatus(ctx, orderID, OrderStatusPending)

	res, err := s.gateway.Initiate(ctx, gateway.InitiateRequest{
		MerchantOrderID: txn.MerchantOrderID,
		AmountCents:     amountCents,
		CallbackURL:     s.callbackURL,
		RedirectURL:     s.redirectURL,
	})
	if err != nil {
		failure := webhook.Event{
			MerchantOrderID: txn.MerchantOrderID,
			AmountCents:     amountCents,
			Status:          "INITIATE_FAILED",
		}
		raw, _ := json.Marshal(failure)
		if resolveErr := s.store.Resolve(ctx, txn.MerchantOrderID, ledger.Resolution{
			State:    ledger.StateFailed,
			RawEvent: raw,
		}); resolveErr != nil {
			s.logf("recon: mark initiate failure for %s: %v", txn.MerchantOrderID, resolveErr)
		}
		s.setOrderStatus(ctx, orderID, OrderStatusFailed)
		return InitiateResult{}, fmt.Errorf("gateway initiate: %w", err)
	}

	return InitiateResult{
		TransactionID:   txn.TransactionID,
		MerchantOrderID: txn.MerchantOrderID,
		RedirectURL:     res.RedirectURL,
	}, nil
}

// ApplyOutcome applies one normalized outcome event to the ledger. It is
// idempotent: replaying an applied event is a no-op, and a terminal
// transaction is never overwritten. Source labels the delivery path for the
// audit journal ("webhook", "poller", "status-query").
func (s *Service) ApplyOutcome(ctx context.Context, ev webhook.Event, source string) (ledger.Transaction, error) {
	unlock := s.lock(ev.MerchantOrderID)
	defer unlock()

	txn, err := s.store.GetByMerchantOrderID(ctx, ev.MerchantOrderID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.record(ctx, ev, "", "not_found", source)
			return ledger.Transaction{}, fmt.Errorf("merchant order %s: %w", ev.MerchantOrderID, err)
		}
		return ledger.Transaction{}, err
	}

	if txn.State.Terminal() {
		return s.reconcileTerminal(ctx, txn, ev, source)
	}

	if ev.AmountCents != txn.AmountCents {
		s.record(ctx, ev, txn.TransactionID, "amount_mismatch", source)
		s.alert(ctx, "amount_mismatch", fmt.Sprintf(
			"merchant order %s: event amount %d != transaction amount %d",
			ev.MerchantOrderID, ev.AmountCents, txn.AmountCents))
		return txn, fmt.Errorf("merchant order %s: %w", ev.MerchantOrderID, ErrAmountMismatch)
	}

	target, ok := MapStatus(ev.Status)
	if !ok {
		s.record(ctx, ev, txn.TransactionID, "unrecognized_status", source)
		s.logf("recon: unrecognized gateway status %q for %s", ev.Status, ev.MerchantOrderID)
		return txn, fmt.Errorf("status %q: %w", ev.Status, ErrUnrecognizedStatus)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return txn, err
	}

	err = s.store.Resolve(ctx, ev.MerchantOrderID, ledger.Resolution{
		State:                target,
		GatewayCorrelationID: ev.GatewayCorrelationID,
		RawEvent:             raw,
	})
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		// Lost the race to a concurrent applier; reconcile against what won.
		txn, getErr := s.store.GetByMerchantOrderID(ctx, ev.MerchantOrderID)
		if getErr != nil {
			return ledger.Transaction{}, getErr
		}
		return s.reconcileTerminal(ctx, txn, ev, source)
	}
	if err != nil {
		return txn, err
	}

	s.setOrderStatus(ctx, txn.OrderID, s.projectOrderStatus(ctx, txn.OrderID, target))
	s.record(ctx, ev, txn.TransactionID, "applied", source)

	resolved, err := s.store.GetByMerchantOrderID(ctx, ev.MerchantOrderID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if s.caster != nil {
		s.caster.Publish(realtime.StatusUpdate{
			TransactionID:   resolved.TransactionID,
			MerchantOrderID: resolved.MerchantOrderID,
			OrderID:         resolved.OrderID,
			State:           string(resolved.State),
			UpdatedAt:       resolved.UpdatedAt,
		})
	}
	return resolved, nil
}

// reconcileTerminal decides whether an event against a terminal transaction
// is a duplicate delivery (no-op) or a conflict (flagged, never applied).
func (s *Service) reconcileTerminal(ctx context.Context, txn ledger.Transaction, ev webhook.Event, source string) (ledger.Transaction, error) {
	var last webhook.Event
	if len(txn.RawLastEvent) > 0 {
		if err := json.Unmarshal(txn.RawLastEvent, &last); err != nil {
			s.logf("recon: decode stored event for %s: %v", txn.MerchantOrderID, err)
		}
	}

	if last == ev {
		s.record(ctx, ev, txn.TransactionID, "duplicate", source)
		return txn, nil
	}

	s.record(ctx, ev, txn.TransactionID, "conflict", source)
	s.alert(ctx, "terminal_conflict", fmt.Sprintf(
		"merchant order %s: %s event %q conflicts with terminal state %s",
		txn.MerchantOrderID, source, ev.Status, txn.State))
	return txn, fmt.Errorf("merchant order %s: %w", txn.MerchantOrderID, ErrConflictingTerminalUpdate)
}

// Status returns the transaction and its order projection. A transaction
// still PENDING triggers an on-demand gateway query first, bridging the gap
// between webhook delivery and user-facing polling.
func (s *Service) Status(ctx context.Context, transactionID string) (StatusResult, error) {
	txn, err := s.store.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return StatusResult{}, err
	}

	if txn.State == ledger.StatePending {
		if refreshed, ok := s.refreshFromGateway(ctx, txn); ok {
			txn = refreshed
		}
	}

	status := s.projectOrderStatus(ctx, txn.OrderID, txn.State)
	if s.orders != nil {
		if current, err := s.orders.GetPaymentStatus(ctx, txn.OrderID); err == nil {
			status = current
		}
	}
	return StatusResult{Transaction: txn, OrderStatus: status}, nil
}

func (s *Service) refreshFromGateway(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, bool) {
	res, err := s.gateway.QueryStatus(ctx, txn.MerchantOrderID)
	if err != nil {
		s.logf("recon: status query for %s: %v", txn.MerchantOrderID, err)
		return ledger.Transaction{}, false
	}
	if _, ok := MapStatus(res.Status); !ok {
		// Still pending on the gateway side, nothing to apply.
		return ledger.Transaction{}, false
	}

	applied, err := s.ApplyOutcome(ctx, webhook.Event{
		MerchantOrderID:      res.MerchantOrderID,
		GatewayCorrelationID: res.GatewayCorrelationID,
		AmountCents:          res.AmountCents,
		Status:               res.Status,
	}, "status-query")
	if err != nil {
		s.logf("recon: apply status query result for %s: %v", txn.MerchantOrderID, err)
		return ledger.Transaction{}, false
	}
	return applied, true
}

func (s *Service) setOrderStatus(ctx context.Context, orderID string, status OrderStatus) {
	if s.orders == nil {
		return
	}
	if err := s.orders.SetPaymentStatus(ctx, orderID, status); err != nil {
		s.logf("recon: set order %s payment status %s: %v", orderID, status, err)
		s.alert(ctx, "order_update_failed", fmt.Sprintf("order %s: set status %s: %v", orderID, status, err))
	}
}

func (s *Service) record(ctx context.Context, ev webhook.Event, transactionID, outcome, source string) {
	if s.journal == nil {
		return
	}
	err := s.journal.Record(ctx, journal.Entry{
		MerchantOrderID:      ev.MerchantOrderID,
		TransactionID:        transactionID,
		GatewayCorrelationID: ev.GatewayCorrelationID,
		AmountCents:          ev.AmountCents,
		Status:               ev.Status,
		Outcome:              outcome,
		Source:               source,
		At:                   s.now(),
	})
	if err != nil {
		s.logf("recon: journal %s for %s: %v", outcome, ev.MerchantOrderID, err)
	}
}

func (s *Service) alert(ctx context.Context, kind, message string) {
	if s.sink == nil {
		return
	}
	s.sink.Notify(ctx, kind, message)
}

func (s *Service) lock(merchantOrderID string) func() {
	h := fnv.New32a()
	h.Write([]byte(merchantOrderID))
	mu := &s.locks[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}

// MapStatus maps a gateway-reported status to a terminal ledger state.
// Unknown statuses are rejected for manual triage rather than guessed.
func MapStatus(status string) (ledger.State, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED", "SUCCESS", "PAYMENT_SUCCESS", "PAID", "CAPTURED":
		return ledger.StateSuccess, true
	case "FAILED", "FAILURE", "PAYMENT_ERROR", "ERROR", "DECLINED":
		return ledger.StateFailed, true
	case "REFUNDED", "REFUND_SUCCESS":
		return ledger.StateRefunded, true
	case "CANCELLED", "CANCELED", "EXPIRED":
		return ledger.StateCancelled, true
	}
	return "", false
}

// projectOrderStatus derives the order's payment status after a transaction
// reached state. A cancellation defers to the order's most recent
// non-cancelled transaction, so cancelling a retry does not erase an earlier
// failure; only an order with no other attempts drops back to unpaid.
func (s *Service) projectOrderStatus(ctx context.Context, orderID string, state ledger.State) OrderStatus {
	if state != ledger.StateCancelled {
		return orderStatusFor(state)
	}

	prior, err := s.store.LatestNonCancelledByOrderID(ctx, orderID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			s.logf("recon: project status for order %s: %v", orderID, err)
		}
		return OrderStatusUnpaid
	}
	return orderStatusFor(prior.State)
}

func orderStatusFor(state ledger.State) OrderStatus {
	switch state {
	case ledger.StateSuccess:
		return OrderStatusPaid
	case ledger.StateFailed:
		return OrderStatusFailed
	case ledger.StateRefunded:
		return OrderStatusRefunded
	case ledger.StateCancelled:
		return OrderStatusUnpaid
	}
	return OrderStatusPending
}
