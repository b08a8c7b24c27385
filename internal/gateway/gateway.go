// Package gateway is the broker's REST HTTP surface: batch mission
// submission, status polling, cancel/retry, and media upload, fronted by
// an auth/CORS/rate-limit middleware chain over plain request/response
// JSON.
package gateway

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/genmedia/broker/internal/config"
	"github.com/genmedia/broker/internal/media"
	"github.com/genmedia/broker/internal/mission"
	otelpkg "github.com/genmedia/broker/internal/otel"
	"github.com/genmedia/broker/internal/store"
)

// Config wires the gateway to the rest of the broker and to its own
// middleware configuration.
type Config struct {
	Missions *mission.Facade
	Media    *media.Service

	Auth      config.AuthConfig
	CORS      config.CORSConfig
	RateLimit config.RateLimitConfig

	MaxRequestBytes   int64
	ConfigFingerprint string

	// Healthy reports whether the store's underlying connection is live.
	Healthy func() bool

	// QueueStatus reports both Task Engine tracks' queue depth and
	// inflight counts for GET /queue/status. Optional: nil reports zeros.
	QueueStatus func() QueueStatus

	// Metrics and Tracer are optional; nil disables instrumentation rather
	// than panicking, so tests building a bare Config{} keep working.
	Metrics *otelpkg.Metrics
	Tracer  trace.Tracer
}

// TrackStatus is one Task Engine track's point-in-time load, for
// GET /queue/status.
type TrackStatus struct {
	QueueLength     int
	CurrentInflight int
	MaxConcurrent   int
}

// QueueStatus is the combined status of both Task Engine tracks.
type QueueStatus struct {
	API TrackStatus
	App TrackStatus
}

// Server is the broker's REST API server.
type Server struct {
	cfg       Config
	auth      *AuthMiddleware
	cors      func(http.Handler) http.Handler
	rateLimit *RateLimitMiddleware
}

// New constructs a Server from Config.
func New(cfg Config) *Server {
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("gateway")
	}
	return &Server{
		cfg:       cfg,
		auth:      NewAuthMiddleware(cfg.Auth),
		cors:      NewCORSMiddleware(cfg.CORS),
		rateLimit: NewRateLimitMiddleware(cfg.RateLimit, cfg.Metrics),
	}
}

// Handler builds the routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/missions", s.handleMissions)
	mux.HandleFunc("/v1/missions/", s.handleMissionByID)
	mux.HandleFunc("/v1/media/upload", s.handleMediaUpload)
	mux.HandleFunc("/v1/queue/status", s.handleQueueStatus)

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.rateLimit.Wrap(h)
	h = s.cors(h)
	h = s.instrument(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	return h
}

// instrument wraps the handler chain with a server span and a
// RequestDuration recording for every inbound request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otelpkg.StartServerSpan(r.Context(), s.cfg.Tracer, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		span.SetAttributes(attribute.Int("http.status_code", rec.status))

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				attribute.String("route", r.URL.Path),
				attribute.String("method", r.Method),
				attribute.Int("status", rec.status),
			))
		}
	})
}

// statusRecorder captures the status code written by the wrapped handler,
// for logging and metrics, since http.ResponseWriter does not expose it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ok := true
	if s.cfg.Healthy != nil {
		ok = s.cfg.Healthy()
	}
	payload := map[string]any{
		"healthy":            ok,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "store unhealthy")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// --- /v1/missions ---------------------------------------------------

func (s *Server) handleMissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createMission(w, r)
	case http.MethodGet:
		s.listMissions(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type createMissionRequest struct {
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	TaskType         string           `json:"task_type"`
	ModelID          string           `json:"model_id"`
	PlatformStrategy string           `json:"platform_strategy"`
	Config           map[string]any   `json:"config"`
	BatchInput       []map[string]any `json:"batch_input"`
	ScheduledTime    *time.Time       `json:"scheduled_time,omitempty"`
}

func (s *Server) createMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.PlatformStrategy == "" {
		req.PlatformStrategy = "specified"
	}

	m, items, err := s.cfg.Missions.CreateMission(r.Context(), mission.CreateRequest{
		Name: req.Name, Description: req.Description, TaskType: req.TaskType,
		ModelID: req.ModelID, PlatformStrategy: req.PlatformStrategy,
		Config: req.Config, BatchInput: req.BatchInput, ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, missionResponse(m, items))
}

func (s *Server) listMissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	missions, total, err := s.cfg.Missions.ListMissions(r.Context(), q.Get("status"), page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]any, 0, len(missions))
	for i := range missions {
		out = append(out, missionResponse(&missions[i], nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"missions": out, "total": total})
}

// --- /v1/missions/{id}[/action] --------------------------------------

func (s *Server) handleMissionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/missions/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "mission id required")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mission id")
		return
	}

	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getMission(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.deleteMission(w, r, id)
	case action == "items" && r.Method == http.MethodGet:
		s.getMissionItems(w, r, id)
	case action == "download" && r.Method == http.MethodGet:
		s.downloadMission(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelMission(w, r, id)
	case action == "retry" && r.Method == http.MethodPost:
		s.retryMission(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// getMissionItems serves GET /v1/missions/{id}/items: the same item rows
// embedded in the mission detail response, addressable on their own for
// clients that only need sub-item status.
func (s *Server) getMissionItems(w http.ResponseWriter, r *http.Request, id int64) {
	if _, err := s.cfg.Missions.GetMission(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	items, err := s.cfg.Missions.ListItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// downloadMission serves GET /v1/missions/{id}/download: a best-effort ZIP
// of every completed item's result, fetched over HTTP(S) and bundled
// under its item index. An item whose fetch fails is skipped rather than
// failing the whole archive.
func (s *Server) downloadMission(w http.ResponseWriter, r *http.Request, id int64) {
	if _, err := s.cfg.Missions.GetMission(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	items, err := s.cfg.Missions.ListItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="mission-%d.zip"`, id))
	zw := zip.NewWriter(w)
	defer zw.Close()

	for _, item := range items {
		if item.Status != store.ItemCompleted || item.ResultURL == "" {
			continue
		}
		if err := addResultToZip(r.Context(), zw, item); err != nil {
			slog.Warn("download: skipping item result", "item_id", item.ID, "error", err)
		}
	}
}

func addResultToZip(ctx context.Context, zw *zip.Writer, item store.Item) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.ResultURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch result: status %d", resp.StatusCode)
	}

	name := fmt.Sprintf("item-%d%s", item.ItemIndex, resultExt(item.ResultURL))
	entry, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, resp.Body)
	return err
}

func resultExt(resultURL string) string {
	u, err := url.Parse(resultURL)
	if err != nil {
		return ""
	}
	for i := len(u.Path) - 1; i >= 0; i-- {
		if u.Path[i] == '.' {
			return u.Path[i:]
		}
		if u.Path[i] == '/' {
			break
		}
	}
	return ""
}

// handleQueueStatus serves GET /v1/queue/status: both Task Engine tracks'
// queue depth and inflight counts in one response.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var qs QueueStatus
	if s.cfg.QueueStatus != nil {
		qs = s.cfg.QueueStatus()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"api": map[string]any{
			"queue_length":     qs.API.QueueLength,
			"running_tasks":    qs.API.CurrentInflight,
			"current_inflight": qs.API.CurrentInflight,
			"max_concurrent":   qs.API.MaxConcurrent,
		},
		"app": map[string]any{
			"queue_length":     qs.App.QueueLength,
			"running_tasks":    qs.App.CurrentInflight,
			"current_inflight": qs.App.CurrentInflight,
			"max_concurrent":   qs.App.MaxConcurrent,
		},
	})
}

func (s *Server) getMission(w http.ResponseWriter, r *http.Request, id int64) {
	m, err := s.cfg.Missions.GetMission(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	items, err := s.cfg.Missions.ListItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, missionResponse(m, items))
}

func (s *Server) deleteMission(w http.ResponseWriter, r *http.Request, id int64) {
	if err := s.cfg.Missions.DeleteMission(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) cancelMission(w http.ResponseWriter, r *http.Request, id int64) {
	cancelled, err := s.cfg.Missions.CancelMission(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mission_id": id, "cancelled_items": cancelled})
}

func (s *Server) retryMission(w http.ResponseWriter, r *http.Request, id int64) {
	retried, err := s.cfg.Missions.RetryMission(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mission_id": id, "retried_items": retried})
}

// --- /v1/media/upload --------------------------------------------------

func (s *Server) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing multipart file field: "+err.Error())
		return
	}
	defer file.Close()

	result, err := s.cfg.Media.Upload(r.Context(), header.Filename, file)
	if err != nil {
		slog.Error("media upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hash":            result.Hash,
		"provider_handle": result.ProviderHandle,
		"existing":        result.Existing,
	})
}

// --- helpers -----------------------------------------------------------

func missionResponse(m *store.Mission, items []store.Item) map[string]any {
	resp := map[string]any{
		"id":                m.ID,
		"name":              m.Name,
		"description":       m.Description,
		"task_type":         m.TaskType,
		"model_id":          m.ModelID,
		"platform_strategy": m.PlatformStrategy,
		"config":            m.Config,
		"total":             m.Total,
		"completed":         m.Completed,
		"failed":            m.Failed,
		"status":            m.Status,
		"scheduled_time":    m.ScheduledTime,
		"started_at":        m.StartedAt,
	}
	if items != nil {
		resp["items"] = items
	}
	return resp
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// envelope is every response's wire shape: code is 0 on success or the
// HTTP status on failure, data is the payload (null on failure), and msg
// carries a human-readable message (set only on failure).
type envelope struct {
	Code int    `json:"code"`
	Data any    `json:"data"`
	Msg  string `json:"msg,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: 0, Data: payload})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: status, Data: nil, Msg: message})
}
