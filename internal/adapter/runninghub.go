package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"
)

const runninghubHost = "https://www.runninghub.cn"

// RunninghubConfig configures a concrete Runninghub adapter instance.
type RunninghubConfig struct {
	APIKey string
	// WebappID and NodeSlots are the default webapp submission target,
	// used when a mission names no model_id or one with no entry in
	// Models.
	WebappID  string
	NodeSlots []RunninghubNodeSlot
	// Models maps a model_id (sora, sorapro, banana, veo, veopro, ...) to
	// the webapp submission target backing it. The provider exposes
	// several distinct generation models behind the same account, each
	// wired to its own webapp and node layout.
	Models map[string]RunninghubModelTarget
	Client *http.Client
}

// RunninghubModelTarget is the webapp submission target for one model_id.
type RunninghubModelTarget struct {
	WebappID  string
	NodeSlots []RunninghubNodeSlot
}

// RunninghubNodeSlot maps an input_params key to a webapp node field, per
// the nodeInfoList shape the provider's submit endpoint expects.
type RunninghubNodeSlot struct {
	ParamKey  string
	NodeID    string
	FieldName string
}

// resolveModelTarget picks the webapp/node-slot target for a submission:
// a mission-specified model_id with a registered target wins, otherwise
// the adapter's default webapp/node-slots.
func (r *Runninghub) resolveModelTarget(modelID string) (string, []RunninghubNodeSlot) {
	if modelID != "" {
		if target, ok := r.cfg.Models[modelID]; ok {
			return target.WebappID, target.NodeSlots
		}
	}
	return r.cfg.WebappID, r.cfg.NodeSlots
}

// Runninghub is a concrete PlatformAdapter grounded on the provider's
// webapp submit/poll API: submit posts {webappId, apiKey, nodeInfoList}
// and returns a taskId; poll interprets status codes 0 (success), 805
// (failed), 804 (running), 813 (queued).
type Runninghub struct {
	cfg    RunninghubConfig
	client *http.Client
}

// NewRunninghub constructs a Runninghub adapter. The zero-value Client
// defaults to one with the provider's self-signed-certificate tolerance,
// matching the reference client's unverified TLS context.
func NewRunninghub(cfg RunninghubConfig) *Runninghub {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	return &Runninghub{cfg: cfg, client: client}
}

func (r *Runninghub) Name() string { return "runninghub" }

func (r *Runninghub) SupportedTaskKinds() []TaskKind {
	return []TaskKind{TextToImage, ImageToImage, TextToVideo, ImageToVideo}
}

func (r *Runninghub) NormalizeParams(kind TaskKind, params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, NewError(ErrorTerminal, "input_params must not be empty")
	}
	return params, nil
}

type runninghubNodeEntry struct {
	NodeID     string `json:"nodeId"`
	FieldName  string `json:"fieldName"`
	FieldValue any    `json:"fieldValue"`
}

type runninghubSubmitRequest struct {
	WebappID     string                `json:"webappId"`
	APIKey       string                `json:"apiKey"`
	NodeInfoList []runninghubNodeEntry `json:"nodeInfoList"`
}

type runninghubSubmitResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

func (r *Runninghub) Submit(ctx context.Context, kind TaskKind, modelID string, params map[string]any) (SubmitResult, error) {
	webappID, nodeSlots := r.resolveModelTarget(modelID)

	nodes := make([]runninghubNodeEntry, 0, len(nodeSlots))
	for _, slot := range nodeSlots {
		value, ok := params[slot.ParamKey]
		if !ok {
			continue
		}
		nodes = append(nodes, runninghubNodeEntry{NodeID: slot.NodeID, FieldName: slot.FieldName, FieldValue: value})
	}

	body, err := json.Marshal(runninghubSubmitRequest{
		WebappID:     webappID,
		APIKey:       r.cfg.APIKey,
		NodeInfoList: nodes,
	})
	if err != nil {
		return SubmitResult{}, NewError(ErrorLocal, "marshal submit request")
	}

	resp, err := r.post(ctx, "/task/openapi/ai-app/run", body)
	if err != nil {
		return SubmitResult{}, NewError(ErrorTransient, "submit transport error").withCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResult{}, NewError(ErrorTransient, "read submit response").withCause(err)
	}
	if resp.StatusCode >= 500 {
		return SubmitResult{}, NewError(ErrorTransient, fmt.Sprintf("submit http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return SubmitResult{}, NewError(ErrorTerminal, fmt.Sprintf("submit http %d", resp.StatusCode))
	}

	var out runninghubSubmitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return SubmitResult{}, NewError(ErrorTransient, "parse submit response").withCause(err)
	}
	if out.Code != 0 || out.Data.TaskID == "" {
		return SubmitResult{}, NewError(ErrorTerminal, fmt.Sprintf("submit rejected: %s", out.Msg))
	}
	return SubmitResult{PlatformTaskID: out.Data.TaskID}, nil
}

type runninghubFailedReason struct {
	NodeName         string `json:"node_name"`
	ExceptionMessage string `json:"exception_message"`
}

type runninghubOutputsResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (r *Runninghub) Query(ctx context.Context, platformTaskID string) (QueryResult, error) {
	body, err := json.Marshal(map[string]string{"apiKey": r.cfg.APIKey, "taskId": platformTaskID})
	if err != nil {
		return QueryResult{}, NewError(ErrorLocal, "marshal query request")
	}

	resp, err := r.post(ctx, "/task/openapi/outputs", body)
	if err != nil {
		return QueryResult{}, NewError(ErrorTransient, "query transport error").withCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return QueryResult{}, NewError(ErrorTransient, "read query response").withCause(err)
	}

	var out runninghubOutputsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return QueryResult{}, NewError(ErrorTransient, "parse query response").withCause(err)
	}

	switch out.Code {
	case 0:
		url, extractErr := extractResultURL(out.Data)
		if extractErr != nil {
			return QueryResult{}, NewError(ErrorTransient, "success response missing result url").withCause(extractErr)
		}
		return QueryResult{Status: StatusSucceeded, ResultURL: url}, nil
	case 805:
		var reason runninghubFailedReason
		_ = json.Unmarshal(out.Data, &reason)
		msg := out.Msg
		if reason.ExceptionMessage != "" {
			msg = fmt.Sprintf("node %s: %s", reason.NodeName, reason.ExceptionMessage)
		}
		return QueryResult{Status: StatusFailed, ErrorMessage: msg}, nil
	case 804:
		return QueryResult{Status: StatusRunning}, nil
	case 813:
		return QueryResult{Status: StatusQueued}, nil
	default:
		return QueryResult{}, NewError(ErrorTransient, fmt.Sprintf("unrecognized status code %d", out.Code))
	}
}

type runninghubUploadResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		FileName string `json:"fileName"`
	} `json:"data"`
}

// UploadFile pushes a local input file to the provider's upload endpoint
// and returns the provider's own handle for it (used as input_params
// field values on a later Submit) — upload once, reuse the handle across
// items.
func (r *Runninghub) UploadFile(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", NewError(ErrorLocal, "open upload file").withCause(err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("apiKey", r.cfg.APIKey); err != nil {
		return "", NewError(ErrorLocal, "write apiKey field").withCause(err)
	}
	if err := mw.WriteField("fileType", "input"); err != nil {
		return "", NewError(ErrorLocal, "write fileType field").withCause(err)
	}
	part, err := mw.CreateFormFile("file", localPath)
	if err != nil {
		return "", NewError(ErrorLocal, "create form file").withCause(err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", NewError(ErrorLocal, "copy upload body").withCause(err)
	}
	if err := mw.Close(); err != nil {
		return "", NewError(ErrorLocal, "close multipart writer").withCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, runninghubHost+"/task/openapi/upload", &buf)
	if err != nil {
		return "", NewError(ErrorLocal, "build upload request").withCause(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Host", "www.runninghub.cn")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", NewError(ErrorTransient, "upload transport error").withCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewError(ErrorTransient, "read upload response").withCause(err)
	}
	var out runninghubUploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", NewError(ErrorTransient, "parse upload response").withCause(err)
	}
	if out.Code != 0 || out.Data.FileName == "" {
		return "", NewError(ErrorTerminal, fmt.Sprintf("upload rejected: %s", out.Msg))
	}
	return out.Data.FileName, nil
}

func (r *Runninghub) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, runninghubHost+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Host", "www.runninghub.cn")
	return r.client.Do(req)
}

func (e *Error) withCause(cause error) *Error {
	e.Cause = cause
	return e
}
