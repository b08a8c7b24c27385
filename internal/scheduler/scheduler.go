// Package scheduler promotes scheduled missions to queued once their
// scheduled_time arrives, and enqueues their items onto a Task Engine.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/genmedia/broker/internal/engine"
	"github.com/genmedia/broker/internal/store"
)

// Enqueuer is the subset of a Task Engine's surface the Scheduler needs.
type Enqueuer interface {
	Enqueue(item store.Item, mission store.Mission)
}

// Scheduler runs a single periodic loop that queues missions whose
// scheduled_time has arrived. One Scheduler is bound to one Engine track;
// run one per track, mirroring the two-engine split.
type Scheduler struct {
	store    *store.Store
	engine   Enqueuer
	track    engine.Track
	interval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Scheduler bound to one Task Engine's track.
func New(st *store.Store, eng Enqueuer, track engine.Track, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{store: st, engine: eng, track: track, interval: interval}
}

// ExpireOverdue runs the startup step of §4.4b: missions left scheduled
// past their window (process was down through the scheduled_time) are
// expired rather than silently started late. expirySeconds bounds how far
// past scheduled_time a mission may still be honored on recovery.
func (s *Scheduler) ExpireOverdue(ctx context.Context, expirySeconds int) (int64, error) {
	count, err := s.store.ExpireOverdueScheduled(ctx, expirySeconds)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		slog.Warn("expired overdue scheduled missions on startup", "count", count)
	}
	return count, nil
}

// Start runs the scheduler loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.ListDueScheduledMissions(ctx)
	if err != nil {
		slog.Warn("scheduler list due missions failed", "error", err)
		return
	}
	for _, mission := range due {
		if engine.RouteTrack(mission.TaskType) != s.track {
			continue
		}
		s.promote(ctx, mission)
	}
}

func (s *Scheduler) promote(ctx context.Context, mission store.Mission) {
	ok, err := s.store.TransitionMission(ctx, mission.ID, store.MissionQueued, "mission.scheduled_start")
	if err != nil {
		slog.Warn("scheduler transition mission failed", "mission_id", mission.ID, "error", err)
		return
	}
	if !ok {
		// Already moved by another path (e.g. cancelled between list and transition).
		return
	}

	items, err := s.store.ListItems(ctx, mission.ID)
	if err != nil {
		slog.Warn("scheduler list items failed", "mission_id", mission.ID, "error", err)
		return
	}
	mission.Status = store.MissionQueued
	for _, item := range items {
		if item.Status == store.ItemPending {
			s.engine.Enqueue(item, mission)
		}
	}
}
