// Package dispatch consumes events from the durable stream and routes each to
// its registered handler. Entries are acked only after the handler succeeds,
// so a crash mid-handle redelivers the entry to a live consumer. Handlers are
// idempotent, which makes at-least-once delivery safe.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/Jmemon/fuel/internal/models"
	"github.com/Jmemon/fuel/internal/stream"
)

const (
	fetchCount    = 32
	fetchBlock    = 5 * time.Second
	claimInterval = 30 * time.Second
	claimMinIdle  = time.Minute
)

// Handler processes a single event. Returning an error leaves the entry
// unacked for redelivery.
type Handler func(ctx context.Context, e *models.Event) error

// Dispatcher pulls entries from the stream and fans them out by event type.
type Dispatcher struct {
	stream   *stream.Client
	logger   *slog.Logger
	handlers map[models.EventType]Handler
}

// NewDispatcher creates a dispatcher with an empty handler registry.
func NewDispatcher(sc *stream.Client, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		stream:   sc,
		logger:   logger,
		handlers: make(map[models.EventType]Handler),
	}
}

// Register binds a handler to an event type. Call before Run; the registry is
// not mutated afterwards.
func (d *Dispatcher) Register(t models.EventType, h Handler) {
	d.handlers[t] = h
}

// Run consumes the stream until ctx is cancelled. It interleaves reads of new
// entries with periodic claims of entries abandoned by dead consumers.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.stream.EnsureGroup(ctx); err != nil {
		return err
	}

	claimTicker := time.NewTicker(claimInterval)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-claimTicker.C:
			entries, err := d.stream.ClaimStale(ctx, claimMinIdle, fetchCount)
			if err != nil {
				d.logger.Error("claim stale entries failed", "error", err)
				continue
			}
			d.handleBatch(ctx, entries)
		default:
			entries, err := d.stream.Fetch(ctx, fetchCount, fetchBlock)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger.Error("stream fetch failed", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
				continue
			}
			d.handleBatch(ctx, entries)
		}
	}
}

func (d *Dispatcher) handleBatch(ctx context.Context, entries []stream.Entry) {
	for _, entry := range entries {
		if err := d.handle(ctx, &entry.Event); err != nil {
			d.logger.Error("event handling failed",
				"event_id", entry.Event.ID, "type", entry.Event.Type, "error", err)
			continue
		}
		if err := d.stream.Ack(ctx, entry.StreamID); err != nil {
			// Redelivery of an already-handled event is fine, the handler is
			// idempotent.
			d.logger.Warn("ack failed", "stream_id", entry.StreamID, "error", err)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, e *models.Event) error {
	h, ok := d.handlers[e.Type]
	if !ok {
		// Unknown types are acked and dropped so a newer producer cannot wedge
		// the group's pending list.
		d.logger.Warn("no handler for event type", "type", e.Type, "event_id", e.ID)
		return nil
	}
	return h(ctx, e)
}
