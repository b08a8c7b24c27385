// Package retrychecker periodically promotes due pending+backoff items
// back onto a Task Engine's ready queue.
package retrychecker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/genmedia/broker/internal/engine"
	"github.com/genmedia/broker/internal/store"
)

// Enqueuer is the subset of the Task Engine's surface the Retry Checker
// needs: pushing a ready item onto the in-memory queue.
type Enqueuer interface {
	Enqueue(item store.Item, mission store.Mission)
}

// Checker runs a single periodic loop reconstructing ready-queue payloads
// for due retries. It does not clear next_retry_at — the consumer
// rechecks and admits only when due, a second defense against clock races.
// One Checker is bound to one Engine track; run one per track.
type Checker struct {
	store    *store.Store
	engine   Enqueuer
	track    engine.Track
	interval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Retry Checker bound to one Task Engine's track.
func New(st *store.Store, eng Enqueuer, track engine.Track, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Checker{store: st, engine: eng, track: track, interval: interval}
}

// Start runs the checker loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Checker) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Checker) tick(ctx context.Context) {
	items, missions, err := c.store.ListDueRetryItems(ctx)
	if err != nil {
		slog.Warn("retry checker list due items failed", "error", err)
		return
	}
	for _, item := range items {
		mission, ok := missions[item.MissionID]
		if !ok || engine.RouteTrack(mission.TaskType) != c.track {
			continue
		}
		c.engine.Enqueue(item, mission)
	}
}
