package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/peng/internal/history"
)

// Reader is the part of the history store the poller reads.
type Reader interface {
	List(ctx context.Context, f history.ListFilter) ([]history.Record, error)
	Get(ctx context.Context, id string) (*history.Record, error)
}

// DefaultPollInterval is how often Poller rereads the history database.
const DefaultPollInterval = 2 * time.Second

// Poller turns history database changes into hub events. Invocations are
// recorded by separate peng processes, so the database is the only shared
// signal.
type Poller struct {
	hub      *Hub
	store    Reader
	interval time.Duration
	window   int
	logger   *slog.Logger

	seen map[string]history.Status
}

func NewPoller(hub *Hub, store Reader, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		hub:      hub,
		store:    store,
		interval: interval,
		window:   100,
		logger:   logger,
		seen:     make(map[string]history.Status),
	}
}

// Prime records the current state without publishing, so a fresh server
// does not replay old invocations as new events.
func (p *Poller) Prime(ctx context.Context) error {
	records, err := p.store.List(ctx, history.ListFilter{Limit: p.window})
	if err != nil {
		return err
	}
	for _, r := range records {
		p.seen[r.ID] = r.Status
	}
	return nil
}

// Poll publishes one event per new or newly finished invocation and
// returns how many were published.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	records, err := p.store.List(ctx, history.ListFilter{Limit: p.window})
	if err != nil {
		return 0, err
	}

	published := 0
	current := make(map[string]history.Status, len(records))
	// List is newest first; publish oldest first.
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		current[r.ID] = r.Status

		prev, known := p.seen[r.ID]
		switch {
		case !known && r.Status == history.StatusRunning:
			p.hub.Publish(TypeInvocationStarted, r)
			published++
		case !known:
			// Started and finished between polls.
			p.hub.Publish(TypeInvocationStarted, r)
			p.hub.Publish(TypeInvocationFinished, r)
			published += 2
		case prev == history.StatusRunning && r.Status != history.StatusRunning:
			p.hub.Publish(TypeInvocationFinished, r)
			published++
		}
	}

	// Running invocations pushed out of the window by a burst are followed
	// by ID until they finish or are pruned.
	for id, prev := range p.seen {
		if _, ok := current[id]; ok || prev != history.StatusRunning {
			continue
		}
		r, err := p.store.Get(ctx, id)
		switch {
		case errors.Is(err, history.ErrNotFound):
			continue
		case err != nil:
			current[id] = prev
			p.logger.Warn("failed to read invocation", "id", id, "error", err)
			continue
		}
		current[id] = r.Status
		if r.Status != history.StatusRunning {
			p.hub.Publish(TypeInvocationFinished, *r)
			published++
		}
	}

	p.seen = current
	return published, nil
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Prime(ctx); err != nil {
		p.logger.Warn("initial history read failed", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Warn("history poll failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Debug("published invocation events", "count", n)
			}
		}
	}
}
