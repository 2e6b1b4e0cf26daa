package api

import (
	"context"
	"fmt"
	"net/http"
)

// RequestIDHeader is the name of the header that carries the unique
// identifier of a request.
const RequestIDHeader = "X-Request-ID"

const (
	MediaTypeJSON   = "application/json"
	MediaTypeNDJSON = "application/x-ndjson"
)

// Error IDs understood by peers. A peer detecting ErrorIDInvalidSession
// re-establishes its session and retries once; ErrorIDOccupied tells a
// federation driver to redirect the generation to another local worker.
const (
	ErrorIDInvalidSession = "invalid_session_id"
	ErrorIDOccupied       = "all_backends_occupied"
	ErrorIDUser           = "user_error"
	ErrorIDInternal       = "internal_error"
)

// Error is the wire envelope for any failed operation.
type Error struct {
	ErrorID string `json:"error_id"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.ErrorID
	}
	return fmt.Sprintf("%s: %s", e.ErrorID, e.Message)
}

func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(RequestIDHeader); v != nil {
		return v.(string)
	}
	return ""
}

func RequestIDHeaderValue(h http.Header) string {
	return h.Get(RequestIDHeader)
}

type VersionResponse struct {
	Version string `json:"version"`
}

// SessionNewResponse is the reply to POST /session/new. ServerID is the
// stable identity of the responding process; a caller that sees its own
// id here has found a federation loop.
type SessionNewResponse struct {
	SessionID    string `json:"session_id"`
	ServerID     string `json:"server_id"`
	CountRunning int    `json:"count_running"`
}

type BackendsListRequest struct {
	SessionID string `json:"session_id"`
}

// Backend statuses on the wire.
const (
	BackendDisabled = "disabled"
	BackendWaiting  = "waiting"
	BackendLoading  = "loading"
	BackendIdle     = "idle"
	BackendRunning  = "running"
	BackendErrored  = "errored"
)

type BackendInfo struct {
	Status   string   `json:"status"`
	Type     string   `json:"type"`
	Features []string `json:"features"`
}

type BackendsListResponse struct {
	Backends []BackendInfo `json:"backends"`
}

// GenerateRequest carries the user parameters of one generation. A
// federation peer forwards it with its own SessionID, Images forced to 1
// and DoNotSave set so the image is returned rather than stored remotely.
type GenerateRequest struct {
	SessionID string                 `json:"session_id,omitempty"`
	Prompt    string                 `json:"prompt"`
	Model     string                 `json:"model,omitempty"`
	Images    int                    `json:"images"`
	DoNotSave bool                   `json:"donotsave,omitempty"`
	Features  []string               `json:"features,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

type GenerateResponse struct {
	Images []string `json:"images"`
}

// GenerateUpdate is one frame of a streaming generation: a status change,
// a progress report from the worker, a finished image as a data URI, or a
// terminal error.
type GenerateUpdate struct {
	Status      string                 `json:"status,omitempty"`
	Message     string                 `json:"message,omitempty"`
	GenProgress map[string]interface{} `json:"gen_progress,omitempty"`
	Image       string                 `json:"image,omitempty"`
	ErrorID     string                 `json:"error_id,omitempty"`
}
