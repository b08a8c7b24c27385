package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// mockTask is one simulated platform task. The task table is persisted to
// disk rather than kept only in memory, so a process restart does not
// lose track of already-submitted tasks.
type mockTask struct {
	PlatformTaskID string    `json:"platform_task_id"`
	Kind           TaskKind  `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	ResultURL      string    `json:"result_url"`
	Failed         bool      `json:"failed"`
}

// MockConfig configures the disk-persisted mock adapter.
type MockConfig struct {
	// StatePath is the JSON file the mock's task table is persisted to.
	StatePath string
	// QueuedDelay is how long a task reports queued before moving to
	// running. Defaults to a third of Delay.
	QueuedDelay time.Duration
	// Delay is the total time, from submission, before a task resolves
	// (queued, then running, then terminal).
	Delay time.Duration
	// FailureRate is the probability (0..1) a resolved task fails.
	FailureRate float64
}

// Mock is a disk-persisted fake PlatformAdapter used for deterministic
// end-to-end tests and for USE_MOCK deployments.
type Mock struct {
	cfg MockConfig
	mu  sync.Mutex
	tasks   map[string]*mockTask
	counter int
}

// NewMock constructs a Mock adapter, loading any persisted task table from
// cfg.StatePath if present.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Delay <= 0 {
		cfg.Delay = 3 * time.Second
	}
	if cfg.QueuedDelay <= 0 {
		cfg.QueuedDelay = cfg.Delay / 3
	}
	if cfg.QueuedDelay >= cfg.Delay {
		cfg.QueuedDelay = cfg.Delay / 2
	}
	m := &Mock{cfg: cfg, tasks: make(map[string]*mockTask)}
	m.load()
	return m
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) SupportedTaskKinds() []TaskKind {
	return []TaskKind{TextToImage, ImageToImage, TextToVideo, ImageToVideo}
}

func (m *Mock) NormalizeParams(kind TaskKind, params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, NewError(ErrorTerminal, "input_params must not be empty")
	}
	return params, nil
}

func (m *Mock) Submit(ctx context.Context, kind TaskKind, modelID string, params map[string]any) (SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	taskID := fmt.Sprintf("mock_task_%d_%d", m.counter, time.Now().UnixNano())
	failed := rand.Float64() < m.cfg.FailureRate

	task := &mockTask{
		PlatformTaskID: taskID,
		Kind:           kind,
		CreatedAt:      time.Now(),
		Failed:         failed,
	}
	if !failed {
		task.ResultURL = fmt.Sprintf("mock://results/%s.png", taskID)
	}
	m.tasks[taskID] = task
	m.persistLocked()

	return SubmitResult{PlatformTaskID: taskID}, nil
}

func (m *Mock) Query(ctx context.Context, platformTaskID string) (QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[platformTaskID]
	if !ok {
		return QueryResult{}, NewError(ErrorTerminal, "unknown mock task id")
	}

	elapsed := time.Since(task.CreatedAt)
	if elapsed < m.cfg.QueuedDelay {
		return QueryResult{Status: StatusQueued}, nil
	}
	if elapsed < m.cfg.Delay {
		return QueryResult{Status: StatusRunning}, nil
	}

	if task.Failed {
		return QueryResult{Status: StatusFailed, ErrorMessage: "mock simulated failure"}, nil
	}
	return QueryResult{Status: StatusSucceeded, ResultURL: task.ResultURL}, nil
}

// UploadFile fakes a provider upload: it never touches the network and
// returns a deterministic handle derived from the local path, so the
// media package's dedup logic can be exercised without USE_MOCK=false.
func (m *Mock) UploadFile(ctx context.Context, localPath string) (string, error) {
	return "mock_upload_" + filepath.Base(localPath), nil
}

// TaskCount returns the number of unique platform tasks ever submitted,
// used by tests asserting no duplicate submission happens across a
// restart.
func (m *Mock) TaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Mock) load() {
	if m.cfg.StatePath == "" {
		return
	}
	data, err := os.ReadFile(m.cfg.StatePath)
	if err != nil {
		return
	}
	var snapshot struct {
		Counter int                  `json:"counter"`
		Tasks   map[string]*mockTask `json:"tasks"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return
	}
	m.counter = snapshot.Counter
	if snapshot.Tasks != nil {
		m.tasks = snapshot.Tasks
	}
}

func (m *Mock) persistLocked() {
	if m.cfg.StatePath == "" {
		return
	}
	snapshot := struct {
		Counter int                  `json:"counter"`
		Tasks   map[string]*mockTask `json:"tasks"`
	}{Counter: m.counter, Tasks: m.tasks}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if dir := filepath.Dir(m.cfg.StatePath); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	_ = os.WriteFile(m.cfg.StatePath, data, 0o644)
}
