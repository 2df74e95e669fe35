package observability

import (
	"context"

	"tollgate/internal/journal"
)

// Recorder is the audit journal contract this decorator wraps.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// CountingJournal forwards entries to an inner journal and bumps the
// reconciliation counters keyed by the entry outcome. Wrapping the journal
// catches every delivery path, webhook and poller alike.
type CountingJournal struct {
	inner   Recorder
	metrics *Metrics
}

// NewCountingJournal wraps inner with outcome counting. A nil inner journal
// still counts.
func NewCountingJournal(inner Recorder, metrics *Metrics) *CountingJournal {
	return &CountingJournal{inner: inner, metrics: metrics}
}

func (j *CountingJournal) Record(ctx context.Context, e journal.Entry) error {
	switch e.Outcome {
	case "duplicate":
		j.metrics.AddDuplicateDelivery()
	case "amount_mismatch":
		j.metrics.AddAmountMismatch()
	case "conflict":
		j.metrics.AddTerminalConflict()
	case "not_found":
		j.metrics.AddUnknownOrder()
	}
	if j.inner == nil {
		return nil
	}
	return j.inner.Record(ctx, e)
}
