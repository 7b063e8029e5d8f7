// Package outbox delivers committed store events to an external
// collaborator. The store guarantees durable, ordered, at-least-once
// handoff; actual transport (queue, webhook, log shipper) lives behind the
// Publisher interface.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/synagraph/internal/store"
)

// Publisher is the external delivery collaborator. Publish must return nil
// only once the event is safely handed off; redelivery after an error or a
// crash is expected, so consumers de-duplicate on the payload's
// deterministic content.
type Publisher interface {
	Publish(ctx context.Context, ev store.OutboxEvent) error
}

// LogPublisher ships events to the structured log. It is the default
// delivery collaborator for deployments without a queue or webhook target.
type LogPublisher struct {
	Log *zap.Logger
}

func (p *LogPublisher) Publish(ctx context.Context, ev store.OutboxEvent) error {
	p.Log.Info("outbox event",
		zap.Int64("id", ev.ID),
		zap.String("tenant", ev.TenantID),
		zap.String("kind", ev.Kind),
		zap.ByteString("payload", ev.Payload))
	return nil
}

// Dispatcher periodically drains unpublished events and acknowledges only
// what the publisher accepted, preserving commit order per tenant.
type Dispatcher struct {
	db        *store.DB
	publisher Publisher
	batchSize int
	interval  time.Duration
	log       *zap.Logger
}

// New creates a Dispatcher. A zero interval disables the background loop;
// DrainOnce can still be called directly.
func New(db *store.DB, publisher Publisher, batchSize int, interval time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		db:        db,
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
		log:       log,
	}
}

// Run drains on the configured interval until ctx is canceled. Suitable as
// an errgroup goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.log.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce pulls one batch, publishes each event in order, and acks the
// delivered prefix. A publish failure stops the batch there: the failed
// event and everything after it stay unpublished, keeping per-tenant
// order intact on redelivery.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	events, err := d.db.Drain(d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var delivered []int64
	for _, ev := range events {
		if err := d.publisher.Publish(ctx, ev); err != nil {
			d.log.Warn("publish event failed",
				zap.Int64("event_id", ev.ID),
				zap.String("tenant", ev.TenantID),
				zap.String("kind", ev.Kind),
				zap.Error(err))
			break
		}
		delivered = append(delivered, ev.ID)
	}

	if len(delivered) == 0 {
		return 0, nil
	}
	if err := d.db.Ack(delivered); err != nil {
		// Events stay unpublished and will be redelivered. At-least-once.
		return 0, err
	}
	return len(delivered), nil
}
