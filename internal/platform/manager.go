// Package platform routes a submission to the adapter configured for a
// deployment and records which adapter accepted it.
package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/genmedia/broker/internal/adapter"
	"github.com/genmedia/broker/internal/store"
)

// SubmitOutcome is the result of routing one item's submission through the
// Platform Manager.
type SubmitOutcome struct {
	PlatformID     string
	PlatformTaskID string
}

// Manager loads every enabled adapter at construction and routes
// submissions and polls to the one that owns a given item. Only the
// `specified` platform_strategy is wired end-to-end: a mission
// names its platform explicitly (or the manager's single default is used)
// and that mapping is recorded on the item at submit time.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]adapter.Adapter
	// defaultPlatformID is used for missions that did not specify one.
	defaultPlatformID string
}

// NewManager constructs a Manager from an explicit adapter list.
func NewManager(adapters []adapter.Adapter, defaultPlatformID string) *Manager {
	m := &Manager{adapters: make(map[string]adapter.Adapter, len(adapters))}
	for _, a := range adapters {
		m.adapters[a.Name()] = a
	}
	m.defaultPlatformID = defaultPlatformID
	if m.defaultPlatformID == "" && len(adapters) == 1 {
		m.defaultPlatformID = adapters[0].Name()
	}
	return m
}

// GetAdapter returns the adapter registered under platformID, used by a
// polling worker to query the same adapter that accepted submission.
func (m *Manager) GetAdapter(platformID string) (adapter.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[platformID]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platformID)
	}
	return a, nil
}

// resolvePlatform picks the adapter for a mission, honoring a
// mission-specified platform_id when present and valid, else the
// manager's configured default.
func (m *Manager) resolvePlatform(requested string) (adapter.Adapter, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id := requested
	if id == "" {
		id = m.defaultPlatformID
	}
	a, ok := m.adapters[id]
	if !ok {
		return nil, "", fmt.Errorf("no adapter registered for platform %q", id)
	}
	return a, id, nil
}

// Submit normalizes params, submits through the resolved adapter, and
// atomically records the chosen platform_id/platform_task_id on the item
// row via the Store. modelID is passed through to the adapter unchanged,
// so a provider backing several models (sora vs sorapro, veo vs veopro)
// can route the submission to the right one.
func (m *Manager) Submit(ctx context.Context, st *store.Store, itemID int64, requestedPlatform string, kind adapter.TaskKind, modelID string, params map[string]any) (SubmitOutcome, error) {
	a, platformID, err := m.resolvePlatform(requestedPlatform)
	if err != nil {
		return SubmitOutcome{}, adapter.NewError(adapter.ErrorLocal, err.Error())
	}

	normalized, err := a.NormalizeParams(kind, params)
	if err != nil {
		return SubmitOutcome{}, err
	}

	result, err := a.Submit(ctx, kind, modelID, normalized)
	if err != nil {
		return SubmitOutcome{}, err
	}

	if _, err := st.StartProcessing(ctx, itemID, platformID, result.PlatformTaskID); err != nil {
		return SubmitOutcome{}, adapter.NewError(adapter.ErrorLocal, "record submission: "+err.Error())
	}

	return SubmitOutcome{PlatformID: platformID, PlatformTaskID: result.PlatformTaskID}, nil
}
