package journal

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one reconciliation event as written to the audit journal. Outcome
// records what the ledger did with the event ("applied", "duplicate",
// "amount_mismatch", "conflict", "not_found", "unrecognized_status").
type Entry struct {
	MerchantOrderID      string
	TransactionID        string
	GatewayCorrelationID string
	AmountCents          int64
	Status               string
	Outcome              string
	Source               string // "webhook" or "poller"
	At                   time.Time
}

// RedisJournal appends entries to a Redis stream and keeps the latest entry
// per merchant order id in a TTL'd hash for operator triage.
type RedisJournal struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisPipelineClient is the minimal client surface used by RedisJournal.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisJournal constructs a Redis-backed event journal.
func NewRedisJournal(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisJournal {
	if stream == "" {
		stream = "payment_events"
	}
	return &RedisJournal{
		client:    client,
		stream:    stream,
		keyPrefix: "payment:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// NewRedisJournalFromClient wraps a concrete go-redis client.
func NewRedisJournalFromClient(client *redis.Client, stream string, ttl time.Duration, maxLen int64) *RedisJournal {
	return NewRedisJournal(clientAdapter{client: client}, stream, ttl, maxLen)
}

// Record writes the latest entry for the merchant order id and appends to
// the stream.
func (j *RedisJournal) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	timestamp := at.UTC().Format(time.RFC3339Nano)

	fields := map[string]any{
		"merchant_order_id":      e.MerchantOrderID,
		"transaction_id":         e.TransactionID,
		"gateway_correlation_id": e.GatewayCorrelationID,
		"amount_cents":           e.AmountCents,
		"status":                 e.Status,
		"outcome":                e.Outcome,
		"source":                 e.Source,
		"timestamp":              timestamp,
	}

	key := j.keyPrefix + e.MerchantOrderID

	pipe := j.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if j.ttl > 0 {
		pipe.Expire(ctx, key, j.ttl)
	}

	args := &redis.XAddArgs{
		Stream: j.stream,
		Values: fields,
	}
	if j.maxLen > 0 {
		args.MaxLen = j.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}

type clientAdapter struct {
	client *redis.Client
}

func (a clientAdapter) Pipeline() RedisPipeliner {
	return pipelineAdapter{pipe: a.client.Pipeline()}
}

type pipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p pipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p pipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p pipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p pipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
