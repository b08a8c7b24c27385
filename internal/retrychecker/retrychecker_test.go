package retrychecker_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/genmedia/broker/internal/bus"
	"github.com/genmedia/broker/internal/engine"
	"github.com/genmedia/broker/internal/retrychecker"
	"github.com/genmedia/broker/internal/store"
)

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

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestCheckerEnqueuesDueRetryItem(t *testing.T) {
	st := openTestStore(t)
	_, items, err := st.CreateMission(context.Background(), "m", "", "text_to_image", "", "specified",
		nil, []map[string]any{{"prompt": "a"}}, nil)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	item := items[0]

	if _, err := st.StartProcessing(context.Background(), item.ID, "mock", "task-1"); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if _, _, err := st.FailItemOrRetry(context.Background(), item.ID, "boom", 5, -time.Second); err != nil {
		t.Fatalf("fail item: %v", err)
	}

	rec := &recordingEnqueuer{}
	checker := retrychecker.New(st, rec, engine.TrackAPI, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checker.Start(ctx)
	defer checker.Stop()

	waitFor(t, time.Second, func() bool { return rec.count() > 0 })
}

func TestCheckerIgnoresOtherTrack(t *testing.T) {
	st := openTestStore(t)
	_, items, err := st.CreateMission(context.Background(), "m", "", "text_to_video", "", "specified",
		nil, []map[string]any{{"prompt": "a"}}, nil)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	item := items[0]

	if _, err := st.StartProcessing(context.Background(), item.ID, "mock", "task-1"); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if _, _, err := st.FailItemOrRetry(context.Background(), item.ID, "boom", 5, -time.Second); err != nil {
		t.Fatalf("fail item: %v", err)
	}

	rec := &recordingEnqueuer{}
	checker := retrychecker.New(st, rec, engine.TrackAPI, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	checker.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	checker.Stop()

	if rec.count() != 0 {
		t.Fatalf("expected the API-track checker to ignore a video-track item, got %d enqueued", rec.count())
	}
}
