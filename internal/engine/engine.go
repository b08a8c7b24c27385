// Package engine is the Task Engine: it submits pending items to a
// Platform Adapter, polls in-flight items to completion, and applies the
// exponential-backoff retry decision on failure. Two instances run side
// by side — one per track — so a flood of lightweight image jobs never
// starves the handful of heavier video jobs.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/genmedia/broker/internal/adapter"
	otelpkg "github.com/genmedia/broker/internal/otel"
	"github.com/genmedia/broker/internal/platform"
	"github.com/genmedia/broker/internal/store"
)

// Track names one of the two concurrency pools an item's task_type routes
// to. Image generation is cheap and high-volume (the "api" track); video
// generation is expensive and rate-limited upstream, so it gets its own
// small pool (the "app" track) and can never be crowded out.
type Track string

const (
	TrackAPI Track = "api"
	TrackApp Track = "app"
)

// RouteTrack decides which track owns a mission's items, by task_type.
func RouteTrack(taskType string) Track {
	switch adapter.TaskKind(taskType) {
	case adapter.TextToVideo, adapter.ImageToVideo:
		return TrackApp
	default:
		return TrackAPI
	}
}

// Config controls one Engine's worker pool size and retry/poll timing.
type Config struct {
	Track          Track
	Concurrency    int
	PollInterval   time.Duration
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	MaxRetry       int
	QueueDepth     int // 0 = a sized default

	// Metrics and Tracer are optional; a nil Metrics/Tracer (the zero
	// value of Config) disables instrumentation rather than panicking, so
	// tests that build an Engine.Config{} directly keep working unchanged.
	Metrics *otelpkg.Metrics
	Tracer  trace.Tracer
}

type queuedItem struct {
	item    store.Item
	mission store.Mission
}

// Engine is one concurrency-bounded worker pool that owns submission and
// polling for every item routed to its Track.
type Engine struct {
	store    *store.Store
	platform *platform.Manager
	cfg      Config

	ready chan queuedItem

	once sync.Once
	wg   sync.WaitGroup

	droppedMu sync.Mutex
	dropped   int64

	inflight int64 // atomic; current items occupying a concurrency slot, for GET /queue/status
}

// New constructs an Engine. Call Start to spin up its worker pool.
func New(st *store.Store, mgr *platform.Manager, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 60 * time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 3600 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 7
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4096
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("engine")
	}
	return &Engine{
		store:    st,
		platform: mgr,
		cfg:      cfg,
		ready:    make(chan queuedItem, cfg.QueueDepth),
	}
}

// Enqueue offers an item to the ready queue without blocking the caller.
// A full queue means the engine is badly backlogged; the drop is counted
// and logged rather than stalling whichever component called Enqueue
// (mirrors the bus's own drop-counting idiom for a saturated subscriber).
func (e *Engine) Enqueue(item store.Item, mission store.Mission) {
	select {
	case e.ready <- queuedItem{item: item, mission: mission}:
		e.addQueueDepth(1)
	default:
		e.droppedMu.Lock()
		e.dropped++
		count := e.dropped
		e.droppedMu.Unlock()
		slog.Warn("engine ready queue full, dropping item", "track", e.cfg.Track, "item_id", item.ID, "dropped_total", count)
	}
}

func (e *Engine) addQueueDepth(delta int64) {
	if e.cfg.Metrics == nil {
		return
	}
	e.cfg.Metrics.QueueDepth.Add(context.Background(), delta, metric.WithAttributes(attribute.String("track", string(e.cfg.Track))))
}

func (e *Engine) addInflightMetric(delta int64) {
	if e.cfg.Metrics == nil {
		return
	}
	e.cfg.Metrics.EngineInflight.Add(context.Background(), delta, metric.WithAttributes(attribute.String("track", string(e.cfg.Track))))
}

// recordAdapterCall records AdapterDuration/AdapterErrors for one
// submit/query call to a platform adapter.
func (e *Engine) recordAdapterCall(ctx context.Context, call, taskType string, dur time.Duration, err error) {
	if e.cfg.Metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("call", call),
		otelpkg.AttrTaskType.String(taskType),
	)
	e.cfg.Metrics.AdapterDuration.Record(ctx, dur.Seconds(), attrs)
	if err != nil {
		e.cfg.Metrics.AdapterErrors.Add(ctx, 1, attrs)
	}
}

// DroppedCount reports how many Enqueue calls were dropped for a full queue.
func (e *Engine) DroppedCount() int64 {
	e.droppedMu.Lock()
	defer e.droppedMu.Unlock()
	return e.dropped
}

// QueueLength reports how many items are currently waiting in the ready
// queue, for GET /queue/status.
func (e *Engine) QueueLength() int { return len(e.ready) }

// Inflight reports the current number of items occupying a concurrency
// slot, for GET /queue/status and for tests asserting it never exceeds
// MaxConcurrent.
func (e *Engine) Inflight() int { return int(atomic.LoadInt64(&e.inflight)) }

// MaxConcurrent reports this engine's configured concurrency cap.
func (e *Engine) MaxConcurrent() int { return e.cfg.Concurrency }

// Start launches the worker pool and, once, the crash-recovery pass for
// this track. Safe to call only once per Engine.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		e.recover(ctx)
		for i := 0; i < e.cfg.Concurrency; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx)
			}()
		}
	})
}

// Wait blocks until every worker goroutine has exited (ctx cancellation).
func (e *Engine) Wait() { e.wg.Wait() }

// recover re-queues items left mid-flight by a crash: pending items with
// no pending retry timer are resubmitted from scratch; processing items
// with a live platform_task_id resume polling without resubmitting, since
// the provider may already be working on them.
func (e *Engine) recover(ctx context.Context) {
	pending, missions, err := e.store.ListPendingItemsForRecovery(ctx)
	if err != nil {
		slog.Error("recovery: list pending items failed", "track", e.cfg.Track, "error", err)
	} else {
		for _, it := range pending {
			m, ok := missions[it.MissionID]
			if !ok || RouteTrack(m.TaskType) != e.cfg.Track {
				continue
			}
			e.Enqueue(it, m)
		}
	}

	processing, err := e.store.ListProcessingItemsForRecovery(ctx)
	if err != nil {
		slog.Error("recovery: list processing items failed", "track", e.cfg.Track, "error", err)
		return
	}
	for _, it := range processing {
		mission, err := e.store.GetMission(ctx, it.MissionID)
		if err != nil || RouteTrack(mission.TaskType) != e.cfg.Track {
			continue
		}
		e.wg.Add(1)
		atomic.AddInt64(&e.inflight, 1)
		e.addInflightMetric(1)
		go func(it store.Item, mission store.Mission) {
			defer e.wg.Done()
			defer atomic.AddInt64(&e.inflight, -1)
			defer e.addInflightMetric(-1)
			e.poll(ctx, it, mission)
		}(it, *mission)
	}
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qi := <-e.ready:
			e.addQueueDepth(-1)
			atomic.AddInt64(&e.inflight, 1)
			e.addInflightMetric(1)
			e.handle(ctx, qi.item, qi.mission)
			atomic.AddInt64(&e.inflight, -1)
			e.addInflightMetric(-1)
		}
	}
}

// handle submits one item and then polls it to a terminal state,
// occupying this worker's slot for the item's whole lifetime. That is
// what makes cfg.Concurrency an exact bound on concurrently in-flight
// items, not just concurrently-submitting ones.
func (e *Engine) handle(ctx context.Context, item store.Item, mission store.Mission) {
	current, err := e.store.GetItem(ctx, item.ID)
	if err != nil {
		slog.Warn("handle: reload item failed", "item_id", item.ID, "error", err)
		return
	}
	if current.Status != store.ItemPending {
		// Cancelled, or already claimed and advanced by a recovered poller.
		return
	}
	if current.NextRetryAt != nil && time.Now().Before(*current.NextRetryAt) {
		// Enqueued ahead of its backoff window by a clock race between this
		// track's own re-queue path and the Retry Checker; the Retry
		// Checker's next tick will pick it back up once it is actually due.
		return
	}

	if mission.Status == store.MissionQueued {
		if ok, err := e.store.TransitionMission(ctx, mission.ID, store.MissionRunning, "mission.started"); err != nil {
			slog.Warn("handle: transition mission running failed", "mission_id", mission.ID, "error", err)
		} else if ok {
			mission.Status = store.MissionRunning
		}
	}

	submitCtx, submitSpan := otelpkg.StartClientSpan(ctx, e.cfg.Tracer, "adapter.submit",
		otelpkg.AttrMissionID.Int64(mission.ID),
		otelpkg.AttrItemID.Int64(item.ID),
		otelpkg.AttrTaskType.String(mission.TaskType),
	)
	submitStart := time.Now()
	outcome, err := e.platform.Submit(submitCtx, e.store, item.ID, "", adapter.TaskKind(mission.TaskType), mission.ModelID, current.InputParams)
	e.recordAdapterCall(ctx, "submit", mission.TaskType, time.Since(submitStart), err)
	if err != nil {
		submitSpan.SetStatus(codes.Error, err.Error())
	}
	submitSpan.End()
	if err != nil {
		e.handleSubmitError(ctx, *current, mission, err)
		return
	}

	submitted := *current
	submitted.Status = store.ItemProcessing
	submitted.PlatformID = outcome.PlatformID
	submitted.PlatformTaskID = outcome.PlatformTaskID
	e.poll(ctx, submitted, mission)
}

func (e *Engine) handleSubmitError(ctx context.Context, item store.Item, mission store.Mission, err error) {
	var aerr *adapter.Error
	if errors.As(err, &aerr) && aerr.Class == adapter.ErrorLocal {
		// A programmer/store error, not the provider's fault: leave the
		// item's retry budget untouched and give it back to this engine's
		// own queue rather than the Retry Checker, which only looks at
		// items with a next_retry_at already set.
		slog.Warn("submit local error, re-queuing without charging a retry", "item_id", item.ID, "error", err)
		e.Enqueue(item, mission)
		return
	}

	backoff := backoffDelay(item.RetryCount, e.cfg.BaseRetryDelay, e.cfg.MaxRetryDelay)
	terminal, missionID, ferr := e.store.FailItemOrRetry(ctx, item.ID, err.Error(), e.cfg.MaxRetry, backoff)
	if ferr != nil {
		slog.Error("submit error: fail-or-retry bookkeeping failed", "item_id", item.ID, "error", ferr)
		return
	}
	if terminal {
		e.finalizeMission(ctx, missionID)
	} else {
		e.addItemRetry(ctx, mission.TaskType)
	}
}

func (e *Engine) addItemRetry(ctx context.Context, taskType string) {
	if e.cfg.Metrics == nil {
		return
	}
	e.cfg.Metrics.ItemRetries.Add(ctx, 1, metric.WithAttributes(otelpkg.AttrTaskType.String(taskType)))
}

// poll drives one already-submitted item to success, terminal failure, or
// a scheduled retry, ticking at the engine's configured poll interval.
func (e *Engine) poll(ctx context.Context, item store.Item, mission store.Mission) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	plat, err := e.platform.GetAdapter(item.PlatformID)
	if err != nil {
		slog.Error("poll: unknown platform", "item_id", item.ID, "platform_id", item.PlatformID, "error", err)
		return
	}

	pollStart := time.Now()
	recordItemDuration := func() {
		if e.cfg.Metrics == nil {
			return
		}
		e.cfg.Metrics.ItemDuration.Record(ctx, time.Since(pollStart).Seconds(), metric.WithAttributes(otelpkg.AttrTaskType.String(mission.TaskType)))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := e.store.GetItem(ctx, item.ID)
		if err != nil {
			slog.Warn("poll: reload item failed", "item_id", item.ID, "error", err)
			return
		}
		if current.Status != store.ItemProcessing {
			// Cancelled out from under us, or finished by a racing recovery poller.
			return
		}

		queryCtx, querySpan := otelpkg.StartClientSpan(ctx, e.cfg.Tracer, "adapter.query",
			otelpkg.AttrMissionID.Int64(mission.ID),
			otelpkg.AttrItemID.Int64(item.ID),
			otelpkg.AttrPlatformID.String(item.PlatformID),
		)
		queryStart := time.Now()
		result, err := plat.Query(queryCtx, item.PlatformTaskID)
		e.recordAdapterCall(ctx, "query", mission.TaskType, time.Since(queryStart), err)
		if err != nil {
			querySpan.SetStatus(codes.Error, err.Error())
		}
		querySpan.End()
		if err != nil {
			// A polling transport error is free: it does not consume the
			// item's retry budget, it is simply tried again next tick.
			slog.Warn("poll query failed, will retry", "item_id", item.ID, "error", err)
			continue
		}

		switch result.Status {
		case adapter.StatusQueued, adapter.StatusRunning:
			continue
		case adapter.StatusSucceeded:
			_, missionID, err := e.store.CompleteItem(ctx, item.ID, result.ResultURL)
			if err != nil {
				slog.Error("complete item failed", "item_id", item.ID, "error", err)
				return
			}
			recordItemDuration()
			e.finalizeMission(ctx, missionID)
			return
		case adapter.StatusFailed:
			backoff := backoffDelay(item.RetryCount, e.cfg.BaseRetryDelay, e.cfg.MaxRetryDelay)
			terminal, missionID, err := e.store.FailItemOrRetry(ctx, item.ID, result.ErrorMessage, e.cfg.MaxRetry, backoff)
			if err != nil {
				slog.Error("poll: fail-or-retry bookkeeping failed", "item_id", item.ID, "error", err)
				return
			}
			if terminal {
				recordItemDuration()
				e.finalizeMission(ctx, missionID)
			} else {
				e.addItemRetry(ctx, mission.TaskType)
			}
			return
		}
	}
}

func (e *Engine) finalizeMission(ctx context.Context, missionID int64) {
	if _, err := e.store.FinalizeMissionIfDone(ctx, missionID); err != nil {
		slog.Warn("finalize mission failed", "mission_id", missionID, "error", err)
	}
}

// backoffDelay computes the exponential retry delay: min(base*2^retryCount, max).
func backoffDelay(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 62 { // guard against overflow before the min() clamp
		return max
	}
	delay := base << retryCount
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
