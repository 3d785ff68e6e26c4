// ABOUTME: Outbox relay delivering committed audit records to an external sink
// ABOUTME: At-least-once, oldest first, with a ticker loop for the service binary

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/nainya/govlifecycle/internal/logger"
)

const (
	DefaultRelayInterval = time.Second
	DefaultRelayBatch    = 100
)

// RelayObserver receives delivery counts; internal/metrics implements it.
type RelayObserver interface {
	AuditDelivered(n int)
	AuditPending(n int)
}

// Relay moves records from an Outbox into a Sink. A record is marked
// delivered only after the sink accepted it, so a crash between the two
// re-delivers it.
type Relay struct {
	outbox   Outbox
	sink     Sink
	interval time.Duration
	batch    int
	log      *logger.Logger
	observer RelayObserver
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithLogger(l *logger.Logger) RelayOption {
	return func(r *Relay) {
		if l != nil {
			r.log = l.RelayLogger()
		}
	}
}

func WithObserver(o RelayObserver) RelayOption {
	return func(r *Relay) { r.observer = o }
}

// NewRelay creates a relay from outbox to sink.
func NewRelay(outbox Outbox, sink Sink, opts ...RelayOption) *Relay {
	r := &Relay{
		outbox:   outbox,
		sink:     sink,
		interval: DefaultRelayInterval,
		batch:    DefaultRelayBatch,
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DrainOnce delivers one batch and returns how many records were delivered.
// Delivery stops at the first sink failure to preserve ordering.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	pending, err := r.outbox.PendingAudit(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load pending audit records: %w", err)
	}
	if r.observer != nil {
		r.observer.AuditPending(len(pending))
	}
	if len(pending) == 0 {
		return 0, nil
	}

	delivered := make([]string, 0, len(pending))
	var sinkErr error
	for _, rec := range pending {
		if err := r.sink.Record(ctx, rec); err != nil {
			sinkErr = fmt.Errorf("deliver audit record %s: %w", rec.ID, err)
			break
		}
		delivered = append(delivered, rec.ID)
	}

	if len(delivered) > 0 {
		if err := r.outbox.MarkAuditDelivered(ctx, delivered...); err != nil {
			return 0, fmt.Errorf("mark audit records delivered: %w", err)
		}
		if r.observer != nil {
			r.observer.AuditDelivered(len(delivered))
		}
	}
	return len(delivered), sinkErr
}

// Run drains on every tick until ctx is cancelled. Full batches are
// followed immediately by another drain.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		for {
			n, err := r.DrainOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Warn("Audit relay drain failed").Err(err).Send()
				break
			}
			if n < r.batch {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
