package gateway_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/genmedia/broker/internal/adapter"
	"github.com/genmedia/broker/internal/bus"
	"github.com/genmedia/broker/internal/config"
	"github.com/genmedia/broker/internal/gateway"
	"github.com/genmedia/broker/internal/media"
	"github.com/genmedia/broker/internal/mission"
	"github.com/genmedia/broker/internal/store"
)

// noopEnqueuer discards enqueued items; these tests exercise the REST
// surface and Store writes, not the Task Engine's worker loop.
type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(store.Item, store.Mission) {}

func newTestServer(t *testing.T) *gateway.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "broker.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	facade := mission.New(st, noopEnqueuer{}, noopEnqueuer{})
	mock := adapter.NewMock(adapter.MockConfig{})
	mediaSvc := media.New(st, mock, t.TempDir())

	return gateway.New(gateway.Config{
		Missions:          facade,
		Media:             mediaSvc,
		MaxRequestBytes:   1 << 20,
		ConfigFingerprint: "test",
		Healthy:           func() bool { return true },
	})
}

// decodeData unwraps the {code,data,msg} envelope and returns data as a
// map, the shape every JSON endpoint under test returns its payload in.
func decodeData(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var env struct {
		Code int            `json:"code"`
		Data map[string]any `json:"data"`
		Msg  string         `json:"msg"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v (body: %s)", err, body)
	}
	return env.Data
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateAndGetMission(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	body, _ := json.Marshal(map[string]any{
		"name":      "batch 1",
		"task_type": "text_to_image",
		"model_id":  "demo-model",
		"batch_input": []map[string]any{
			{"prompt": "a cat"},
			{"prompt": "a dog"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/missions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create mission: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	created := decodeData(t, rec.Body.Bytes())
	if created["status"] != string(store.MissionQueued) {
		t.Fatalf("expected status queued, got %v", created["status"])
	}
	id := int64(created["id"].(float64))

	getReq := httptest.NewRequest(http.MethodGet, "/v1/missions/"+strconv.FormatInt(id, 10), nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get mission: expected 200, got %d", getRec.Code)
	}
	got := decodeData(t, getRec.Body.Bytes())
	items, ok := got["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 items on mission, got %v", got["items"])
	}
}

func TestCreateMissionRejectsEmptyBatch(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"name":       "empty",
		"task_type":  "text_to_image",
		"batch_input": []map[string]any{},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/missions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", rec.Code)
	}
}

func TestCancelMission(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	body, _ := json.Marshal(map[string]any{
		"name":      "to cancel",
		"task_type": "text_to_image",
		"batch_input": []map[string]any{
			{"prompt": "a cat"},
		},
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/missions", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	h.ServeHTTP(createRec, createReq)
	created := decodeData(t, createRec.Body.Bytes())
	id := int64(created["id"].(float64))

	cancelReq := httptest.NewRequest(http.MethodPost, "/v1/missions/"+strconv.FormatInt(id, 10)+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	h.ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("cancel mission: expected 200, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}
	cancelled := decodeData(t, cancelRec.Body.Bytes())
	if cancelled["cancelled_items"].(float64) != 1 {
		t.Fatalf("expected 1 cancelled item, got %v", cancelled["cancelled_items"])
	}
}

func TestMissionNotFound(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/missions/99999", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var env struct {
		Code int    `json:"code"`
		Data any    `json:"data"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != http.StatusNotFound || env.Data != nil || env.Msg != "not found" {
		t.Fatalf("expected {code:404,data:null,msg:\"not found\"}, got %+v", env)
	}
}

func TestGetMissionItems(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	body, _ := json.Marshal(map[string]any{
		"name":      "batch items",
		"task_type": "text_to_image",
		"batch_input": []map[string]any{
			{"prompt": "a cat"},
			{"prompt": "a dog"},
		},
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/missions", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	h.ServeHTTP(createRec, createReq)
	created := decodeData(t, createRec.Body.Bytes())
	id := int64(created["id"].(float64))

	itemsReq := httptest.NewRequest(http.MethodGet, "/v1/missions/"+strconv.FormatInt(id, 10)+"/items", nil)
	itemsRec := httptest.NewRecorder()
	h.ServeHTTP(itemsRec, itemsReq)
	if itemsRec.Code != http.StatusOK {
		t.Fatalf("get mission items: expected 200, got %d: %s", itemsRec.Code, itemsRec.Body.String())
	}
	got := decodeData(t, itemsRec.Body.Bytes())
	items, ok := got["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 items, got %v", got["items"])
	}
}

func TestGetMissionItemsNotFound(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/missions/99999/items", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDownloadMissionBeforeCompletion(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	body, _ := json.Marshal(map[string]any{
		"name":      "to download",
		"task_type": "text_to_image",
		"batch_input": []map[string]any{
			{"prompt": "a cat"},
		},
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/missions", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	h.ServeHTTP(createRec, createReq)
	created := decodeData(t, createRec.Body.Bytes())
	id := int64(created["id"].(float64))

	downloadReq := httptest.NewRequest(http.MethodGet, "/v1/missions/"+strconv.FormatInt(id, 10)+"/download", nil)
	downloadRec := httptest.NewRecorder()
	h.ServeHTTP(downloadRec, downloadReq)
	if downloadRec.Code != http.StatusOK {
		t.Fatalf("download mission: expected 200, got %d: %s", downloadRec.Code, downloadRec.Body.String())
	}
	if ct := downloadRec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("expected a zip archive, got content-type %q", ct)
	}
}

func TestQueueStatusDefaultsToZero(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeData(t, rec.Body.Bytes())
	api, ok := got["api"].(map[string]any)
	if !ok || api["queue_length"].(float64) != 0 {
		t.Fatalf("expected a zeroed api track with no QueueStatus callback wired, got %v", got["api"])
	}
}

func TestQueueStatusReportsWiredCallback(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "broker.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	facade := mission.New(st, noopEnqueuer{}, noopEnqueuer{})
	mediaSvc := media.New(st, adapter.NewMock(adapter.MockConfig{}), t.TempDir())

	srv := gateway.New(gateway.Config{
		Missions:          facade,
		Media:             mediaSvc,
		MaxRequestBytes:   1 << 20,
		ConfigFingerprint: "test",
		Healthy:           func() bool { return true },
		QueueStatus: func() gateway.QueueStatus {
			return gateway.QueueStatus{
				API: gateway.TrackStatus{QueueLength: 3, CurrentInflight: 1, MaxConcurrent: 50},
				App: gateway.TrackStatus{QueueLength: 0, CurrentInflight: 2, MaxConcurrent: 2},
			}
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	got := decodeData(t, rec.Body.Bytes())
	api := got["api"].(map[string]any)
	if api["queue_length"].(float64) != 3 || api["max_concurrent"].(float64) != 50 {
		t.Fatalf("expected the wired queue status callback's values to flow through, got %v", api)
	}
}

func TestMediaUploadDedup(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	upload := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, _ := mw.CreateFormFile("file", "picture.png")
		part.Write([]byte("same bytes every time"))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/v1/media/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := upload()
	if first.Code != http.StatusOK {
		t.Fatalf("first upload: expected 200, got %d: %s", first.Code, first.Body.String())
	}
	firstResp := decodeData(t, first.Body.Bytes())
	if firstResp["existing"].(bool) {
		t.Fatalf("first upload should not be marked existing")
	}

	second := upload()
	secondResp := decodeData(t, second.Body.Bytes())
	if !secondResp["existing"].(bool) {
		t.Fatalf("second upload with identical bytes should be marked existing")
	}
	if firstResp["hash"] != secondResp["hash"] {
		t.Fatalf("expected identical content hash across both uploads")
	}
}
