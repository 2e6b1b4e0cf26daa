// Package pipeline owns the per-request generation lifecycle: pre-event
// hooks, worker acquisition, the streaming generate, per-image handling,
// and the error taxonomy callers see.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/imgd-io/imgd/api"
	"github.com/imgd-io/imgd/dispatch"
	imgde "github.com/imgd-io/imgd/errors"
	"go.uber.org/zap"
)

// User-facing messages for the error kinds that reach callers.
const (
	MsgOccupied = "All backends are occupied"
	MsgInternal = "Something went wrong while generating images."
)

// Session is the per-caller collaborator that finalizes images. Its
// internals (format encoding, metadata embedding, output paths) are not
// the pipeline's business.
type Session interface {
	// ApplyMetadata returns the finalized image and its metadata string.
	ApplyMetadata(image []byte, req *api.GenerateRequest, extras map[string]interface{}, index int) ([]byte, string, error)
	// SaveImage writes the finalized image to the durable store.
	SaveImage(image []byte, metadata string) error
}

// PreListener runs before any worker is claimed. Returning an error of
// kind imgde.User aborts the request with that message.
type PreListener func(req *api.GenerateRequest) error

// ImageEvent is handed to post-generate listeners for each image. A
// listener may call Refuse to discard it.
type ImageEvent struct {
	Request *api.GenerateRequest
	BatchID string
	Index   int
	Image   []byte

	refused bool
	reason  string
}

// Refuse discards the image. The reason is logged, not surfaced; a
// listener that wants the whole request to fail returns UserData from
// the hook instead.
func (e *ImageEvent) Refuse(reason string) {
	e.refused = true
	e.reason = reason
}

// PostListener inspects one generated image before metadata and save.
// Returning an error of kind imgde.UserData fails the request.
type PostListener func(ev *ImageEvent) error

// Pipeline matches requests to workers through the dispatcher and runs
// generations end to end.
type Pipeline struct {
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger

	mu   sync.Mutex
	pre  []PreListener
	post []PostListener
}

func New(d *dispatch.Dispatcher, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		dispatcher: d,
		logger:     logger.Named("pipeline"),
	}
}

// OnPreGenerate registers a listener invoked before worker acquisition.
func (p *Pipeline) OnPreGenerate(l PreListener) {
	p.mu.Lock()
	p.pre = append(p.pre, l)
	p.mu.Unlock()
}

// OnPostGenerate registers a listener invoked for every produced image.
func (p *Pipeline) OnPostGenerate(l PostListener) {
	p.mu.Lock()
	p.post = append(p.post, l)
	p.mu.Unlock()
}

func (p *Pipeline) listeners() (pre []PreListener, post []PostListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(pre, p.pre...), append(post, p.post...)
}

// RunOptions parameterizes one top-level generation request.
type RunOptions struct {
	Request *api.GenerateRequest
	BatchID string
	Claim   *dispatch.Claim
	// Emit streams updates back to the caller; it must tolerate being
	// called from the driver's goroutine.
	Emit    func(api.GenerateUpdate)
	Session Session
	// Filter is the capability predicate; nil accepts any worker.
	Filter func(*dispatch.Record) bool
	// Timeout bounds the acquire wait; zero uses the dispatcher default.
	Timeout time.Duration
}

// Result reports what a finished run produced.
type Result struct {
	NumGenerated int
	TimingReport string
}

// Run executes the request, re-entering itself when a driver asks for a
// redirect. Every exit path balances the claim's counters; the caller
// only closes the claim.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (Result, error) {
	// Redirect chains extend gens once per hop; all of them complete
	// here exactly once per top-level request.
	gensExtended := 0
	defer func() {
		if gensExtended > 0 {
			opts.Claim.Complete(dispatch.Gens, gensExtended)
		}
	}()
	var result Result
	for {
		redirect, err := p.runOnce(ctx, opts, &result)
		if err != nil {
			return result, err
		}
		if !redirect {
			return result, nil
		}
		if err := opts.Claim.Extend(dispatch.Gens, 1); err != nil {
			return result, err
		}
		gensExtended++
		// No bound on the chain here; the acquire timeout is the
		// ultimate bound.
	}
}

func (p *Pipeline) runOnce(ctx context.Context, opts RunOptions, result *Result) (redirect bool, err error) {
	req := opts.Request
	pre, post := p.listeners()

	for _, l := range pre {
		if err := l(req); err != nil {
			if imgde.KindOf(err) == imgde.Other {
				err = imgde.E(imgde.User, err)
			}
			return false, err
		}
	}

	prepStart := time.Now()
	if err := opts.Claim.Extend(dispatch.Waits, 1); err != nil {
		return false, err
	}
	emit(opts, api.GenerateUpdate{Status: "waiting"})
	access, err := p.dispatcher.Acquire(ctx, dispatch.AcquireOptions{
		Filter:         opts.Filter,
		PreferredModel: req.Model,
		Timeout:        opts.Timeout,
		Claim:          opts.Claim,
		OnWillLoad: func() {
			emit(opts, api.GenerateUpdate{Status: "loading_model"})
		},
	})
	opts.Claim.Complete(dispatch.Waits, 1)
	if err != nil {
		switch imgde.KindOf(err) {
		case imgde.Timeout:
			return false, imgde.E(imgde.Timeout, MsgOccupied)
		case imgde.Cancelled:
			return false, err
		}
		p.logger.Error("Backend acquisition failed", zap.Error(err))
		return false, imgde.E(imgde.Other, MsgInternal)
	}
	defer access.Release()

	if err := opts.Claim.Extend(dispatch.Live, 1); err != nil {
		return false, err
	}
	defer opts.Claim.Complete(dispatch.Live, 1)

	record := access.Record
	if req.Model != "" && record.Model() != req.Model {
		ok, err := record.Driver.LoadModel(access.Context(), req.Model)
		if err != nil || !ok {
			record.SetStatus(dispatch.Errored)
			p.logger.Error("Model load failed",
				zap.String("backend", record.ID),
				zap.String("model", req.Model),
				zap.Error(err))
			return false, imgde.E(imgde.Other, MsgInternal)
		}
		record.SetModel(req.Model)
	}
	prepTime := time.Since(prepStart)

	genStart := time.Now()
	sink := &runSink{p: p, opts: opts, access: access, post: post, result: result}
	res, err := record.Driver.GenerateStream(access.Context(), req, opts.BatchID, sink)
	if sink.err != nil {
		// A hook or collaborator failure aborted the stream.
		err = sink.err
	}
	if access.Stalled() {
		return false, imgde.E(imgde.Stalled, MsgInternal)
	}
	if err != nil {
		return false, p.mapStreamError(err, record)
	}
	if res.Redirect {
		access.Release()
		return true, nil
	}
	genTime := time.Since(genStart)

	result.TimingReport = timingReport(prepTime, genTime, sink.accepted)
	p.logger.Info("Generation complete",
		zap.String("batch", opts.BatchID),
		zap.String("backend", record.ID),
		zap.Int("images", sink.accepted),
		zap.String("timing", result.TimingReport))
	emit(opts, api.GenerateUpdate{Status: "complete", Message: result.TimingReport})
	return false, nil
}

func (p *Pipeline) mapStreamError(err error, record *dispatch.Record) error {
	switch imgde.KindOf(err) {
	case imgde.Cancelled:
		return err
	case imgde.User, imgde.UserData, imgde.Timeout, imgde.Stalled:
		return err
	case imgde.Conn, imgde.SessionInvalid:
		p.logger.Warn("Backend connection failed mid-generation",
			zap.String("backend", record.ID),
			zap.Error(err))
		return imgde.E(imgde.Conn, MsgInternal)
	}
	p.logger.Error("Generation failed",
		zap.String("backend", record.ID),
		zap.Error(err),
		zap.Stack("stack"))
	return imgde.E(imgde.Other, MsgInternal)
}

// timingReport renders the prep/gen seconds line shown to callers, per
// image when more than one was produced.
func timingReport(prep, gen time.Duration, count int) string {
	p, g := prep.Seconds(), gen.Seconds()
	if count > 1 {
		p /= float64(count)
		g /= float64(count)
	}
	return fmt.Sprintf("%.2f (prep) and %.2f (gen) seconds", p, g)
}

func emit(opts RunOptions, u api.GenerateUpdate) {
	if opts.Emit != nil {
		opts.Emit(u)
	}
}

// runSink routes driver output: progress to the caller, images through
// the post-generate hooks, metadata and save.
type runSink struct {
	p      *Pipeline
	opts   RunOptions
	access *dispatch.Access
	post   []PostListener
	result *Result

	accepted int
	err      error
}

func (s *runSink) Progress(prog map[string]interface{}) error {
	s.access.Touch()
	emit(s.opts, api.GenerateUpdate{GenProgress: prog})
	return nil
}

func (s *runSink) Image(dataURI string) error {
	s.access.Touch()
	mediaType, raw, err := api.DecodeDataURI(dataURI)
	if err != nil {
		s.err = imgde.E(imgde.Other, "backend produced an undecodable image: %w", err)
		return s.err
	}
	ev := &ImageEvent{
		Request: s.opts.Request,
		BatchID: s.opts.BatchID,
		Index:   s.accepted,
		Image:   raw,
	}
	for _, l := range s.post {
		if err := l(ev); err != nil {
			if imgde.KindOf(err) == imgde.Other {
				err = imgde.E(imgde.UserData, err)
			}
			s.err = err
			return err
		}
	}
	if ev.refused {
		s.p.logger.Info("Image refused by listener",
			zap.String("batch", s.opts.BatchID),
			zap.String("reason", ev.reason))
		return nil
	}
	image, metadata := ev.Image, ""
	if s.opts.Session != nil {
		var extras map[string]interface{}
		image, metadata, err = s.opts.Session.ApplyMetadata(ev.Image, s.opts.Request, extras, ev.Index)
		if err != nil {
			s.err = imgde.E(imgde.Other, "applying metadata: %w", err)
			return s.err
		}
		if !s.opts.Request.DoNotSave {
			if err := s.opts.Session.SaveImage(image, metadata); err != nil {
				s.err = imgde.E(imgde.Other, "saving image: %w", err)
				return s.err
			}
		}
	}
	s.accepted++
	s.result.NumGenerated++
	emit(s.opts, api.GenerateUpdate{Image: api.EncodeDataURI(mediaType, image)})
	return nil
}
