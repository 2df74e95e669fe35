package recon

import (
	"context"
	"log"
	"time"

	"tollgate/internal/webhook"
)

// PollerConfig configures the status poller.
type PollerConfig struct {
	Interval    time.Duration
	GracePeriod time.Duration
	BatchLimit  int
}

// Poller periodically queries the gateway for transactions stuck in PENDING
// beyond the grace period. It races webhook delivery on purpose: both paths
// funnel into ApplyOutcome, so whichever arrives first wins and the other is
// a no-op.
type Poller struct {
	service *Service
	cfg     PollerConfig
	logf    func(format string, args ...any)
	now     func() time.Time
}

// NewPoller constructs a Poller over the reconciliation service.
func NewPoller(service *Service, cfg PollerConfig, logf func(format string, args ...any)) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Poller{
		service: service,
		cfg:     cfg,
		logf:    logf,
		now:     time.Now,
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.logf("poller: tick: %v", err)
			}
		}
	}
}

// Tick runs one polling pass. Per-transaction failures are logged and do not
// stop the pass; the next tick retries whatever is still pending.
func (p *Poller) Tick(ctx context.Context) error {
	cutoff := p.now().Add(-p.cfg.GracePeriod)
	stale, err := p.service.store.ListStalePending(ctx, cutoff, p.cfg.BatchLimit)
	if err != nil {
		return err
	}

	for _, txn := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := p.service.gateway.QueryStatus(ctx, txn.MerchantOrderID)
		if err != nil {
			p.logf("poller: query %s: %v", txn.MerchantOrderID, err)
			continue
		}
		if _, ok := MapStatus(res.Status); !ok {
			// Gateway still reports a non-terminal status; leave it pending.
			continue
		}

		if _, err := p.service.ApplyOutcome(ctx, webhook.Event{
			MerchantOrderID:      res.MerchantOrderID,
			GatewayCorrelationID: res.GatewayCorrelationID,
			AmountCents:          res.AmountCents,
			Status:               res.Status,
		}, "poller"); err != nil {
			p.logf("poller: apply %s: %v", txn.MerchantOrderID, err)
		}
	}
	return nil
}
