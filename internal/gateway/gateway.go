package gateway

import (
	"context"
	"errors"
)

// ErrUnavailable signals a transient gateway failure worth retrying.
var ErrUnavailable = errors.New("gateway unavailable")

// InitiateRequest asks the gateway to start a redirect-based payment.
type InitiateRequest struct {
	MerchantOrderID string
	AmountCents     int64
	CallbackURL     string
	RedirectURL     string
}

// InitiateResult carries the redirect target for the paying user.
type InitiateResult struct {
	RedirectURL          string
	GatewayCorrelationID string
}

// StatusResult is the gateway's answer to a direct status query. The fields
// mirror a webhook body so both paths normalize identically.
type StatusResult struct {
	MerchantOrderID      string
	GatewayCorrelationID string
	AmountCents          int64
	Status               string
}

// Client is the capability the reconciliation service holds on the external
// payment gateway. Constructed once at process start and injected; no
// package-level singleton.
type Client interface {
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	QueryStatus(ctx context.Context, merchantOrderID string) (StatusResult, error)
}
