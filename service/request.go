package service

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/imgd-io/imgd/api"
	imgde "github.com/imgd-io/imgd/errors"
	"go.uber.org/zap"
)

type Request struct {
	*http.Request
	Logger *zap.Logger
}

type ResponseWriter struct {
	http.ResponseWriter
	Logger  *zap.Logger
	request *Request
}

func newRequest(w http.ResponseWriter, r *http.Request, c *Core) (*ResponseWriter, *Request) {
	req := &Request{Request: r}
	req.Logger = c.logger.With(zap.String("request_id", req.ID()))
	res := &ResponseWriter{
		ResponseWriter: w,
		Logger:         req.Logger,
		request:        req,
	}
	return res, req
}

func (r *Request) ID() string {
	return api.RequestIDFromContext(r.Context())
}

func (r *Request) StringFromPath(w *ResponseWriter, arg string) (string, bool) {
	v := mux.Vars(r.Request)
	s, ok := v[arg]
	if !ok {
		w.Error(imgde.E(imgde.User, "no %q parameter in path", arg))
		return "", false
	}
	return s, true
}

// Unmarshal decodes the JSON request body into body, reporting a user
// error to the caller on failure.
func (r *Request) Unmarshal(w *ResponseWriter, body interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		w.Error(imgde.E(imgde.User, "invalid JSON request body: %w", err))
		return false
	}
	return true
}

// Respond writes v as JSON with the given status code.
func (w *ResponseWriter) Respond(status int, v interface{}) {
	w.Header().Set("Content-Type", api.MediaTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.Logger.Warn("Error writing response", zap.Error(err))
	}
}

// Error renders err as the protocol's error envelope. Protocol-level
// errors (invalid session, saturation) go out with status 200 so peers
// dispatch on error_id; everything else carries an HTTP status too.
func (w *ResponseWriter) Error(err error) {
	envelope, status := errorEnvelope(err)
	if status >= http.StatusInternalServerError {
		w.Logger.Error("Request failed", zap.Error(err))
	}
	w.Respond(status, envelope)
}

func errorEnvelope(err error) (api.Error, int) {
	switch imgde.KindOf(err) {
	case imgde.SessionInvalid:
		return api.Error{ErrorID: api.ErrorIDInvalidSession}, http.StatusOK
	case imgde.Timeout:
		return api.Error{ErrorID: api.ErrorIDOccupied, Message: imgde.Message(err)}, http.StatusOK
	case imgde.User, imgde.UserData:
		return api.Error{ErrorID: api.ErrorIDUser, Message: imgde.Message(err)}, http.StatusBadRequest
	case imgde.Cancelled:
		// The caller is gone; the envelope is best-effort.
		return api.Error{ErrorID: api.ErrorIDInternal, Message: "cancelled"}, http.StatusInternalServerError
	}
	return api.Error{ErrorID: api.ErrorIDInternal, Message: imgde.Message(err)}, http.StatusInternalServerError
}
