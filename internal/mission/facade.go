// Package mission is the Mission Facade: the one surface the HTTP gateway
// calls into. It composes the Store's CRUD/transition
// functions with the Task Engine's ready queue so that creating or
// retrying a mission both persists the change and sets its items moving.
package mission

import (
	"context"
	"fmt"
	"time"

	"github.com/genmedia/broker/internal/engine"
	"github.com/genmedia/broker/internal/store"
)

// Enqueuer is the subset of engine.Engine the facade needs.
type Enqueuer interface {
	Enqueue(item store.Item, mission store.Mission)
}

// Facade wires the Store to both Task Engine tracks, routing each
// mission's items to whichever track its task_type belongs to.
type Facade struct {
	store *store.Store
	api   Enqueuer
	app   Enqueuer
}

// New constructs a Facade. api and app are the two Task Engine tracks
// constructed in cmd/broker/main.go.
func New(st *store.Store, apiEngine, appEngine Enqueuer) *Facade {
	return &Facade{store: st, api: apiEngine, app: appEngine}
}

func (f *Facade) engineFor(taskType string) Enqueuer {
	if engine.RouteTrack(taskType) == engine.TrackApp {
		return f.app
	}
	return f.api
}

// CreateRequest is the input to a new batch mission.
type CreateRequest struct {
	Name             string
	Description      string
	TaskType         string
	ModelID          string
	PlatformStrategy string
	Config           map[string]any
	BatchInput       []map[string]any
	ScheduledTime    *time.Time
}

// CreateMission persists a new mission and its items, then — if it is
// immediately runnable rather than scheduled for later — hands every item
// straight to its Task Engine track.
func (f *Facade) CreateMission(ctx context.Context, req CreateRequest) (*store.Mission, []store.Item, error) {
	m, items, err := f.store.CreateMission(ctx, req.Name, req.Description, req.TaskType, req.ModelID, req.PlatformStrategy, req.Config, req.BatchInput, req.ScheduledTime)
	if err != nil {
		return nil, nil, err
	}
	if m.Status == store.MissionQueued {
		eng := f.engineFor(m.TaskType)
		for _, item := range items {
			eng.Enqueue(item, *m)
		}
	}
	return m, items, nil
}

// GetMission returns one mission by id.
func (f *Facade) GetMission(ctx context.Context, id int64) (*store.Mission, error) {
	return f.store.GetMission(ctx, id)
}

// ListItems returns every item of a mission, for the mission detail view.
func (f *Facade) ListItems(ctx context.Context, missionID int64) ([]store.Item, error) {
	return f.store.ListItems(ctx, missionID)
}

// ListMissions returns a page of missions, optionally filtered by status.
func (f *Facade) ListMissions(ctx context.Context, status string, page, pageSize int) ([]store.Mission, int, error) {
	return f.store.ListMissions(ctx, status, page, pageSize)
}

// CancelMission cancels a mission and its still-pending items. Items
// already submitted keep polling to their natural terminal state — the
// engine's poll loop notices the cancellation on its next status recheck
// and stops there without a further write. A cancel is a request to stop
// starting new work, not an attempt to abort an in-flight provider call.
func (f *Facade) CancelMission(ctx context.Context, id int64) (int64, error) {
	return f.store.CancelMission(ctx, id)
}

// RetryMission resets every failed item of a non-terminal mission back to
// pending and hands the reset ones to the mission's Task Engine track.
func (f *Facade) RetryMission(ctx context.Context, id int64) (int64, error) {
	affected, err := f.store.RetryMission(ctx, id)
	if err != nil || affected == 0 {
		return affected, err
	}

	m, err := f.store.GetMission(ctx, id)
	if err != nil {
		return affected, fmt.Errorf("reload mission after retry: %w", err)
	}
	items, err := f.store.ListItems(ctx, id)
	if err != nil {
		return affected, fmt.Errorf("reload items after retry: %w", err)
	}
	eng := f.engineFor(m.TaskType)
	for _, item := range items {
		if item.Status == store.ItemPending && item.NextRetryAt == nil {
			eng.Enqueue(item, *m)
		}
	}
	return affected, nil
}

// DeleteMission removes a mission and its items/events permanently.
func (f *Facade) DeleteMission(ctx context.Context, id int64) error {
	return f.store.DeleteMission(ctx, id)
}
