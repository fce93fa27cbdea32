// Package usage aggregates transcript token counts into rolling daily
// and weekly windows and broadcasts them to every connected client.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crewdock/crewdock/internal/server/store"
	"github.com/crewdock/crewdock/internal/server/ws"
)

// Broadcaster pushes usage snapshots to connected clients. Implemented
// by ws.EventBroadcaster.
type Broadcaster interface {
	UsageUpdate(ev ws.UsageUpdateEvent)
}

// Config holds the collection cadence and the configured limits
// reported alongside the usage numbers.
type Config struct {
	Interval    time.Duration
	DailyLimit  int64
	WeeklyLimit int64
}

func (c Config) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return time.Minute
}

// Collector periodically sums token counts from the transcript store
// and broadcasts the result.
type Collector struct {
	store  *store.Queries
	events Broadcaster
	cfg    Config
	now    func() time.Time
}

// New creates a Collector.
func New(queries *store.Queries, events Broadcaster, cfg Config) *Collector {
	return &Collector{
		store:  queries,
		events: events,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run collects once immediately, then on every interval tick until ctx
// is cancelled. Collection failures are logged and retried on the next
// tick; they never stop the loop.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.interval())
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		slog.Warn("usage collection failed", "error", err)
		return
	}
	c.events.UsageUpdate(snap)
}

// Snapshot sums token counts for the current day (since UTC midnight)
// and week (since Monday UTC midnight). Transient store errors are
// retried with exponential backoff.
func (c *Collector) Snapshot(ctx context.Context) (ws.UsageUpdateEvent, error) {
	now := c.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := dayStart.AddDate(0, 0, -((int(dayStart.Weekday()) + 6) % 7))

	daily, err := c.sumSince(ctx, dayStart)
	if err != nil {
		return ws.UsageUpdateEvent{}, err
	}
	weekly, err := c.sumSince(ctx, weekStart)
	if err != nil {
		return ws.UsageUpdateEvent{}, err
	}

	return ws.UsageUpdateEvent{
		Daily:  ws.UsageWindow{Used: daily, Limit: c.cfg.DailyLimit},
		Weekly: ws.UsageWindow{Used: weekly, Limit: c.cfg.WeeklyLimit},
	}, nil
}

func (c *Collector) sumSince(ctx context.Context, since time.Time) (int64, error) {
	return backoff.Retry(ctx, func() (int64, error) {
		return c.store.SumTokenCounts(ctx, since)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
}
