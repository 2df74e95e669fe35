package gateway

import (
	"context"
	"fmt"
	"sync"
)

// NewInMemoryClient constructs an in-memory gateway for dev mode and tests.
func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{
		payments: make(map[string]StatusResult),
	}
}

// InMemoryClient simulates a gateway: Initiate records the payment, and
// tests flip the stored status to drive QueryStatus answers.
type InMemoryClient struct {
	mu       sync.Mutex
	payments map[string]StatusResult
	seq      int

	// InitiateErr, when set, is returned by Initiate.
	InitiateErr error
	// QueryErr, when set, is returned by QueryStatus.
	QueryErr error
}

func (c *InMemoryClient) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := ctx.Err(); err != nil {
		return InitiateResult{}, err
	}
	if c.InitiateErr != nil {
		return InitiateResult{}, c.InitiateErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	correlationID := fmt.Sprintf("gw-%d", c.seq)
	c.payments[req.MerchantOrderID] = StatusResult{
		MerchantOrderID:      req.MerchantOrderID,
		GatewayCorrelationID: correlationID,
		AmountCents:          req.AmountCents,
		Status:               "PENDING",
	}

	return InitiateResult{
		RedirectURL:          "https://sandbox.gateway.test/pay/" + req.MerchantOrderID,
		GatewayCorrelationID: correlationID,
	}, nil
}

func (c *InMemoryClient) QueryStatus(ctx context.Context, merchantOrderID string) (StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return StatusResult{}, err
	}
	if c.QueryErr != nil {
		return StatusResult{}, c.QueryErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	res, ok := c.payments[merchantOrderID]
	if !ok {
		return StatusResult{}, fmt.Errorf("unknown merchant order id %q", merchantOrderID)
	}
	return res, nil
}

// SetStatus flips the simulated gateway-side outcome for a payment.
func (c *InMemoryClient) SetStatus(merchantOrderID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.payments[merchantOrderID]; ok {
		res.Status = status
		c.payments[merchantOrderID] = res
	}
}

// SetAmount overrides the simulated amount, for mismatch scenarios.
func (c *InMemoryClient) SetAmount(merchantOrderID string, amountCents int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.payments[merchantOrderID]; ok {
		res.AmountCents = amountCents
		c.payments[merchantOrderID] = res
	}
}
