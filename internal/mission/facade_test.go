package mission_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/genmedia/broker/internal/bus"
	"github.com/genmedia/broker/internal/mission"
	"github.com/genmedia/broker/internal/store"
)

// recordingEnqueuer captures every item handed to it, so tests can assert
// routing and re-enqueue behavior without a real Task Engine worker pool.
type recordingEnqueuer struct {
	mu    sync.Mutex
	items []store.Item
}

func (r *recordingEnqueuer) Enqueue(item store.Item, _ store.Mission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "broker.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateMissionRoutesToAPITrack(t *testing.T) {
	st := openTestStore(t)
	api, app := &recordingEnqueuer{}, &recordingEnqueuer{}
	facade := mission.New(st, api, app)

	_, items, err := facade.CreateMission(context.Background(), mission.CreateRequest{
		Name:       "batch",
		TaskType:   "text_to_image",
		BatchInput: []map[string]any{{"prompt": "a"}, {"prompt": "b"}},
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if api.count() != 2 {
		t.Fatalf("expected both items routed to the api track, got %d", api.count())
	}
	if app.count() != 0 {
		t.Fatalf("expected nothing routed to the app track, got %d", app.count())
	}
}

func TestCreateMissionRoutesVideoToAppTrack(t *testing.T) {
	st := openTestStore(t)
	api, app := &recordingEnqueuer{}, &recordingEnqueuer{}
	facade := mission.New(st, api, app)

	_, _, err := facade.CreateMission(context.Background(), mission.CreateRequest{
		Name:       "video batch",
		TaskType:   "text_to_video",
		BatchInput: []map[string]any{{"prompt": "a"}},
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if app.count() != 1 {
		t.Fatalf("expected the video item routed to the app track, got %d", app.count())
	}
	if api.count() != 0 {
		t.Fatalf("expected nothing routed to the api track, got %d", api.count())
	}
}

func TestCreateScheduledMissionDoesNotEnqueue(t *testing.T) {
	st := openTestStore(t)
	api, app := &recordingEnqueuer{}, &recordingEnqueuer{}
	facade := mission.New(st, api, app)

	future := time.Now().Add(time.Hour)
	m, _, err := facade.CreateMission(context.Background(), mission.CreateRequest{
		Name:          "later",
		TaskType:      "text_to_image",
		BatchInput:    []map[string]any{{"prompt": "a"}},
		ScheduledTime: &future,
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if m.Status != store.MissionScheduled {
		t.Fatalf("expected scheduled status, got %s", m.Status)
	}
	if api.count() != 0 || app.count() != 0 {
		t.Fatalf("expected a scheduled mission to not enqueue any items yet")
	}
}

func TestRetryMissionReenqueuesOnlyResetItems(t *testing.T) {
	st := openTestStore(t)
	api, app := &recordingEnqueuer{}, &recordingEnqueuer{}
	facade := mission.New(st, api, app)

	_, items, err := facade.CreateMission(context.Background(), mission.CreateRequest{
		Name:       "batch",
		TaskType:   "text_to_image",
		BatchInput: []map[string]any{{"prompt": "a"}},
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	item := items[0]

	if _, err := st.StartProcessing(context.Background(), item.ID, "mock", "task-1"); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if _, _, err := st.FailItemOrRetry(context.Background(), item.ID, "boom", 0, time.Second); err != nil {
		t.Fatalf("fail item: %v", err)
	}
	if _, err := st.FinalizeMissionIfDone(context.Background(), item.MissionID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	beforeRetryCount := api.count()
	affected, err := facade.RetryMission(context.Background(), item.MissionID)
	if err != nil {
		t.Fatalf("retry mission: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 item reset, got %d", affected)
	}
	if api.count() != beforeRetryCount+1 {
		t.Fatalf("expected exactly one additional item re-enqueued, got %d -> %d", beforeRetryCount, api.count())
	}
}

func TestRetryMissionNoOpDoesNotEnqueue(t *testing.T) {
	st := openTestStore(t)
	api, app := &recordingEnqueuer{}, &recordingEnqueuer{}
	facade := mission.New(st, api, app)

	_, items, err := facade.CreateMission(context.Background(), mission.CreateRequest{
		Name:       "batch",
		TaskType:   "text_to_image",
		BatchInput: []map[string]any{{"prompt": "a"}},
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if _, err := facade.CancelMission(context.Background(), items[0].MissionID); err != nil {
		t.Fatalf("cancel mission: %v", err)
	}

	before := api.count()
	affected, err := facade.RetryMission(context.Background(), items[0].MissionID)
	if err != nil {
		t.Fatalf("retry mission: %v", err)
	}
	if affected != 0 {
		t.Fatalf("expected 0 affected on a cancelled mission, got %d", affected)
	}
	if api.count() != before {
		t.Fatalf("expected no additional enqueue on a no-op retry")
	}
}

func TestDeleteMission(t *testing.T) {
	st := openTestStore(t)
	facade := mission.New(st, &recordingEnqueuer{}, &recordingEnqueuer{})

	m, _, err := facade.CreateMission(context.Background(), mission.CreateRequest{
		Name:       "batch",
		TaskType:   "text_to_image",
		BatchInput: []map[string]any{{"prompt": "a"}},
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if err := facade.DeleteMission(context.Background(), m.ID); err != nil {
		t.Fatalf("delete mission: %v", err)
	}
	if _, err := facade.GetMission(context.Background(), m.ID); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
