package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/imgd-io/imgd/api"
	"github.com/imgd-io/imgd/dispatch"
	imgde "github.com/imgd-io/imgd/errors"
	"github.com/imgd-io/imgd/pipeline"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

func handleSessionNew(c *Core, w *ResponseWriter, r *Request) {
	w.Respond(http.StatusOK, api.SessionNewResponse{
		SessionID:    c.sessions.New(),
		ServerID:     c.serverID,
		CountRunning: c.dispatcher.CountRunning(),
	})
}

func handleBackendsList(c *Core, w *ResponseWriter, r *Request) {
	var req api.BackendsListRequest
	if !r.Unmarshal(w, &req) {
		return
	}
	if !c.sessions.Validate(req.SessionID) {
		w.Error(imgde.E(imgde.SessionInvalid, "unknown or expired session"))
		return
	}
	records := c.dispatcher.Records()
	backends := make([]api.BackendInfo, 0, len(records))
	for _, rec := range records {
		backends = append(backends, rec.Info())
	}
	w.Respond(http.StatusOK, api.BackendsListResponse{Backends: backends})
}

// featureFilter requires every tag the request names.
func featureFilter(tags []string) func(*dispatch.Record) bool {
	if len(tags) == 0 {
		return nil
	}
	return func(r *dispatch.Record) bool {
		for _, tag := range tags {
			if !r.HasFeature(tag) {
				return false
			}
		}
		return true
	}
}

func (c *Core) runGenerate(r *Request, req *api.GenerateRequest, emit func(api.GenerateUpdate)) error {
	if req.Images <= 0 {
		req.Images = 1
	}
	batchID := ksuid.New().String()
	claim := c.ledger.Open(r.Context(), req.SessionID)
	defer c.ledger.Close(req.SessionID, claim)
	_, err := c.pipeline.Run(r.Context(), pipeline.RunOptions{
		Request: req,
		BatchID: batchID,
		Claim:   claim,
		Emit:    emit,
		Session: &coreSession{c: c, ctx: r.Context(), batchID: batchID},
		Filter:  featureFilter(req.Features),
	})
	if !claim.Idle() {
		r.Logger.DPanic("Claim incomplete after pipeline run", zap.String("batch", batchID))
	}
	return err
}

func handleGenerate(c *Core, w *ResponseWriter, r *Request) {
	var req api.GenerateRequest
	if !r.Unmarshal(w, &req) {
		return
	}
	if !c.sessions.Validate(req.SessionID) {
		w.Error(imgde.E(imgde.SessionInvalid, "unknown or expired session"))
		return
	}
	var images []string
	err := c.runGenerate(r, &req, func(u api.GenerateUpdate) {
		if u.Image != "" {
			images = append(images, u.Image)
		}
	})
	if err != nil {
		if imgde.KindOf(err) == imgde.Cancelled {
			// Swallowed: the caller tore the request down.
			return
		}
		w.Error(err)
		return
	}
	w.Respond(http.StatusOK, api.GenerateResponse{Images: images})
}

func handleGenerateStream(c *Core, w *ResponseWriter, r *Request) {
	var req api.GenerateRequest
	if !r.Unmarshal(w, &req) {
		return
	}
	if !c.sessions.Validate(req.SessionID) {
		w.Error(imgde.E(imgde.SessionInvalid, "unknown or expired session"))
		return
	}
	flusher, _ := w.ResponseWriter.(http.Flusher)
	w.Header().Set("Content-Type", api.MediaTypeNDJSON)
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	writeFrame := func(u api.GenerateUpdate) {
		if err := enc.Encode(u); err != nil {
			w.Logger.Debug("Stream write failed", zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	err := c.runGenerate(r, &req, writeFrame)
	if err != nil && imgde.KindOf(err) != imgde.Cancelled {
		envelope, _ := errorEnvelope(err)
		writeFrame(api.GenerateUpdate{ErrorID: envelope.ErrorID, Message: envelope.Message})
	}
}

func handleImageGet(c *Core, w *ResponseWriter, r *Request) {
	id, ok := r.StringFromPath(w, "id")
	if !ok {
		return
	}
	b, ok, err := c.cache.Get(r.Context(), id)
	if err != nil {
		w.Error(err)
		return
	}
	if !ok {
		w.Respond(http.StatusNotFound, api.Error{ErrorID: api.ErrorIDUser, Message: "no such image"})
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(b))
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

// coreSession is the default per-request collaborator: JSON metadata,
// publish to the recent-image cache, persist to the durable store.
type coreSession struct {
	c       *Core
	ctx     context.Context
	batchID string
}

func (s *coreSession) ApplyMetadata(image []byte, req *api.GenerateRequest, extras map[string]interface{}, index int) ([]byte, string, error) {
	meta := map[string]interface{}{
		"prompt":    req.Prompt,
		"model":     req.Model,
		"batch_id":  s.batchID,
		"index":     index,
		"generated": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extras {
		meta[k] = v
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, "", err
	}
	key := fmt.Sprintf("%s-%d", s.batchID, index)
	if err := s.c.cache.Put(s.ctx, key, image); err != nil {
		// Cache trouble should not fail the generation.
		s.c.logger.Warn("Image cache put failed", zap.String("image", key), zap.Error(err))
	}
	return image, string(b), nil
}

func (s *coreSession) SaveImage(image []byte, metadata string) error {
	if s.c.store == nil {
		return nil
	}
	name := fmt.Sprintf("%s.png", ksuid.New())
	return s.c.store.Put(s.ctx, name, image, metadata)
}
