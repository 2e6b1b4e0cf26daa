package pipeline

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imgd-io/imgd/api"
	"github.com/imgd-io/imgd/dispatch"
	imgde "github.com/imgd-io/imgd/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var pngPixel = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

type scriptedDriver struct {
	features []string
	loadOK   bool
	loadErr  error

	mu        sync.Mutex
	loaded    []string
	streamed  int32
	streamFns []func(ctx context.Context, req *api.GenerateRequest, batchID string, sink dispatch.Sink) (dispatch.StreamResult, error)
}

func newScriptedDriver() *scriptedDriver {
	return &scriptedDriver{loadOK: true}
}

// onStream appends one scripted GenerateStream call; the last script
// repeats for any further calls.
func (d *scriptedDriver) onStream(fn func(ctx context.Context, req *api.GenerateRequest, batchID string, sink dispatch.Sink) (dispatch.StreamResult, error)) {
	d.mu.Lock()
	d.streamFns = append(d.streamFns, fn)
	d.mu.Unlock()
}

func (d *scriptedDriver) Init(ctx context.Context) (dispatch.Status, error) {
	return dispatch.Running, nil
}

func (d *scriptedDriver) Shutdown(ctx context.Context) error { return nil }

func (d *scriptedDriver) LoadModel(ctx context.Context, model string) (bool, error) {
	d.mu.Lock()
	d.loaded = append(d.loaded, model)
	d.mu.Unlock()
	return d.loadOK, d.loadErr
}

func (d *scriptedDriver) GenerateStream(ctx context.Context, req *api.GenerateRequest, batchID string, sink dispatch.Sink) (dispatch.StreamResult, error) {
	n := atomic.AddInt32(&d.streamed, 1)
	d.mu.Lock()
	fns := d.streamFns
	d.mu.Unlock()
	if len(fns) == 0 {
		return dispatch.StreamResult{}, nil
	}
	fn := fns[len(fns)-1]
	if int(n) <= len(fns) {
		fn = fns[n-1]
	}
	return fn(ctx, req, batchID, sink)
}

func (d *scriptedDriver) Features() []string { return d.features }

func (d *scriptedDriver) loadedModels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.loaded...)
}

// emitOneImage scripts a stream producing one progress frame and one image.
func emitOneImage(ctx context.Context, req *api.GenerateRequest, batchID string, sink dispatch.Sink) (dispatch.StreamResult, error) {
	if err := sink.Progress(map[string]interface{}{"step": 1}); err != nil {
		return dispatch.StreamResult{}, err
	}
	if err := sink.Image(api.EncodeDataURI("image/png", pngPixel)); err != nil {
		return dispatch.StreamResult{}, err
	}
	return dispatch.StreamResult{}, nil
}

type fakeSession struct {
	mu       sync.Mutex
	applied  int
	saved    [][]byte
	metadata []string
}

func (s *fakeSession) ApplyMetadata(image []byte, req *api.GenerateRequest, extras map[string]interface{}, index int) ([]byte, string, error) {
	s.mu.Lock()
	s.applied++
	s.mu.Unlock()
	return image, "prompt: " + req.Prompt, nil
}

func (s *fakeSession) SaveImage(image []byte, metadata string) error {
	s.mu.Lock()
	s.saved = append(s.saved, image)
	s.metadata = append(s.metadata, metadata)
	s.mu.Unlock()
	return nil
}

type testRig struct {
	dispatcher *dispatch.Dispatcher
	pipeline   *Pipeline
	ledger     *dispatch.Ledger
	driver     *scriptedDriver
	record     *dispatch.Record

	mu      sync.Mutex
	updates []api.GenerateUpdate
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		driver: newScriptedDriver(),
		ledger: dispatch.NewLedger(zap.NewNop()),
	}
	rig.dispatcher = dispatch.New(context.Background(), dispatch.Config{}, zap.NewNop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, rig.dispatcher.Shutdown(ctx))
	})
	rig.pipeline = New(rig.dispatcher, zap.NewNop())
	rig.record = dispatch.NewRecord("test", nil, rig.driver)
	rig.dispatcher.Add(rig.record)
	require.Eventually(t, func() bool { return rig.record.Status() == dispatch.Running },
		5*time.Second, 5*time.Millisecond)
	return rig
}

func (rig *testRig) emit(u api.GenerateUpdate) {
	rig.mu.Lock()
	rig.updates = append(rig.updates, u)
	rig.mu.Unlock()
}

func (rig *testRig) statuses() []string {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	var out []string
	for _, u := range rig.updates {
		if u.Status != "" {
			out = append(out, u.Status)
		}
	}
	return out
}

func (rig *testRig) images() []string {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	var out []string
	for _, u := range rig.updates {
		if u.Image != "" {
			out = append(out, u.Image)
		}
	}
	return out
}

func (rig *testRig) run(t *testing.T, req *api.GenerateRequest, session Session) (Result, error) {
	t.Helper()
	claim := rig.ledger.Open(context.Background(), "test")
	defer func() {
		assert.True(t, claim.Idle(), "claim counters must balance on every path")
		rig.ledger.Close("test", claim)
	}()
	return rig.pipeline.Run(context.Background(), RunOptions{
		Request: req,
		BatchID: "batch1",
		Claim:   claim,
		Emit:    rig.emit,
		Session: session,
		Timeout: 5 * time.Second,
	})
}

func TestRunHappyPath(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.onStream(emitOneImage)
	session := &fakeSession{}

	result, err := rig.run(t, &api.GenerateRequest{Prompt: "a red fox"}, session)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NumGenerated)
	assert.Regexp(t, regexp.MustCompile(`^\d+\.\d\d \(prep\) and \d+\.\d\d \(gen\) seconds$`), result.TimingReport)
	assert.Equal(t, []string{"waiting", "complete"}, rig.statuses())
	require.Len(t, rig.images(), 1)
	assert.Equal(t, 1, session.applied)
	require.Len(t, session.saved, 1)
	assert.Equal(t, pngPixel, session.saved[0])
	assert.Equal(t, "prompt: a red fox", session.metadata[0])
	assert.False(t, rig.record.Busy())
}

func TestRunModelSwap(t *testing.T) {
	rig := newTestRig(t)
	rig.record.SetModel("m0")
	rig.driver.onStream(emitOneImage)

	_, err := rig.run(t, &api.GenerateRequest{Prompt: "p", Model: "m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"waiting", "loading_model", "complete"}, rig.statuses())
	assert.Equal(t, []string{"m1"}, rig.driver.loadedModels())
	assert.Equal(t, "m1", rig.record.Model())

	// Second request for the same model needs no reload.
	_, err = rig.run(t, &api.GenerateRequest{Prompt: "p", Model: "m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, rig.driver.loadedModels())
}

func TestRunLoadModelFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.loadOK = false

	_, err := rig.run(t, &api.GenerateRequest{Prompt: "p", Model: "m1"}, nil)
	require.Error(t, err)
	assert.Equal(t, MsgInternal, imgde.Message(err))
	assert.Equal(t, dispatch.Errored, rig.record.Status())
	assert.Equal(t, int32(0), atomic.LoadInt32(&rig.driver.streamed))
}

func TestRunPreHookRejects(t *testing.T) {
	rig := newTestRig(t)
	rig.pipeline.OnPreGenerate(func(req *api.GenerateRequest) error {
		return errors.New("prompt contains a banned term")
	})

	_, err := rig.run(t, &api.GenerateRequest{Prompt: "bad"}, nil)
	require.Error(t, err)
	assert.True(t, imgde.IsKind(err, imgde.User))
	assert.Equal(t, int32(0), atomic.LoadInt32(&rig.driver.streamed),
		"a rejected request must never reach a worker")
	assert.False(t, rig.record.Busy())
}

func TestRunPostHookRefusesImage(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.onStream(emitOneImage)
	rig.pipeline.OnPostGenerate(func(ev *ImageEvent) error {
		ev.Refuse("nsfw")
		return nil
	})
	session := &fakeSession{}

	result, err := rig.run(t, &api.GenerateRequest{Prompt: "p"}, session)
	require.NoError(t, err)
	assert.Equal(t, 0, result.NumGenerated)
	assert.Empty(t, rig.images())
	assert.Zero(t, session.applied)
	assert.Empty(t, session.saved)
}

func TestRunPostHookError(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.onStream(emitOneImage)
	rig.pipeline.OnPostGenerate(func(ev *ImageEvent) error {
		return errors.New("classifier unavailable")
	})

	_, err := rig.run(t, &api.GenerateRequest{Prompt: "p"}, nil)
	require.Error(t, err)
	assert.True(t, imgde.IsKind(err, imgde.UserData))
	assert.False(t, rig.record.Busy())
}

func TestRunDoNotSave(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.onStream(emitOneImage)
	session := &fakeSession{}

	result, err := rig.run(t, &api.GenerateRequest{Prompt: "p", DoNotSave: true}, session)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NumGenerated)
	assert.Equal(t, 1, session.applied, "metadata still applies when saving is off")
	assert.Empty(t, session.saved)
}

func TestRunPreservesImageMediaType(t *testing.T) {
	rig := newTestRig(t)
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	rig.driver.onStream(func(ctx context.Context, req *api.GenerateRequest, batchID string, sink dispatch.Sink) (dispatch.StreamResult, error) {
		return dispatch.StreamResult{}, sink.Image(api.EncodeDataURI("image/jpeg", jpeg))
	})
	session := &fakeSession{}

	result, err := rig.run(t, &api.GenerateRequest{Prompt: "p"}, session)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NumGenerated)
	require.Len(t, rig.images(), 1)
	mediaType, raw, err := api.DecodeDataURI(rig.images()[0])
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mediaType, "a backend's media type must survive to the caller")
	assert.Equal(t, jpeg, raw)
}

func TestRunRedirect(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.onStream(func(ctx context.Context, req *api.GenerateRequest, batchID string, sink dispatch.Sink) (dispatch.StreamResult, error) {
		return dispatch.StreamResult{Redirect: true}, nil
	})
	rig.driver.onStream(emitOneImage)

	result, err := rig.run(t, &api.GenerateRequest{Prompt: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NumGenerated)
	assert.Equal(t, int32(2), atomic.LoadInt32(&rig.driver.streamed))
	assert.False(t, rig.record.Busy())
}

func TestRunAllOccupied(t *testing.T) {
	rig := newTestRig(t)
	access, err := rig.dispatcher.Acquire(context.Background(), dispatch.AcquireOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer access.Release()

	claim := rig.ledger.Open(context.Background(), "test")
	defer rig.ledger.Close("test", claim)
	_, err = rig.pipeline.Run(context.Background(), RunOptions{
		Request: &api.GenerateRequest{Prompt: "p"},
		BatchID: "batch1",
		Claim:   claim,
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, imgde.IsKind(err, imgde.Timeout))
	assert.Equal(t, MsgOccupied, imgde.Message(err))
	assert.True(t, claim.Idle())
}

func TestRunClaimCancelledMidWait(t *testing.T) {
	rig := newTestRig(t)
	access, err := rig.dispatcher.Acquire(context.Background(), dispatch.AcquireOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer access.Release()

	claim := rig.ledger.Open(context.Background(), "test")
	defer rig.ledger.Close("test", claim)
	done := make(chan error, 1)
	go func() {
		_, err := rig.pipeline.Run(context.Background(), RunOptions{
			Request: &api.GenerateRequest{Prompt: "p"},
			BatchID: "batch1",
			Claim:   claim,
			Timeout: time.Minute,
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	claim.Cancel()
	select {
	case err := <-done:
		assert.True(t, imgde.IsKind(err, imgde.Cancelled))
	case <-time.After(time.Second):
		t.Fatal("cancelled claim did not abort the run")
	}
	assert.True(t, claim.Idle())
}

func TestRunStreamError(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.onStream(func(ctx context.Context, req *api.GenerateRequest, batchID string, sink dispatch.Sink) (dispatch.StreamResult, error) {
		return dispatch.StreamResult{}, errors.New("CUDA out of memory")
	})

	_, err := rig.run(t, &api.GenerateRequest{Prompt: "p"}, nil)
	require.Error(t, err)
	assert.Equal(t, MsgInternal, imgde.Message(err))
	assert.False(t, rig.record.Busy(), "worker must be released after a failed stream")
}

func TestTimingReportPerImage(t *testing.T) {
	s := timingReport(2*time.Second, 4*time.Second, 2)
	assert.Equal(t, "1.00 (prep) and 2.00 (gen) seconds", s)
	s = timingReport(time.Second, 3*time.Second, 1)
	assert.Equal(t, "1.00 (prep) and 3.00 (gen) seconds", s)
}
