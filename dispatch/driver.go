package dispatch

import (
	"context"
	"errors"

	"github.com/imgd-io/imgd/api"
)

// ErrInitFatal marks an init failure that retrying cannot fix, such as a
// detected federation loop. The init loop gives up immediately when a
// driver wraps its error with this.
var ErrInitFatal = errors.New("fatal init failure")

// Driver is the adapter over one generation worker. Implementations must
// be safe for concurrent use: a federation driver is shared by its shadow
// records and may be streaming several generations at once.
//
// A driver must never leave its record busy on any exit path; the busy
// flag belongs to the dispatcher and is cleared by Access.Release.
type Driver interface {
	// Init brings the worker up and reports the status it landed in
	// (Running or Idle). Init must be idempotent under retry.
	Init(ctx context.Context) (Status, error)

	// Shutdown releases all resources. It tolerates being called from
	// any non-terminal state.
	Shutdown(ctx context.Context) error

	// LoadModel asks the worker to switch models. Drivers that manage
	// their own model state may treat this as a no-op and return true.
	LoadModel(ctx context.Context, model string) (bool, error)

	// GenerateStream runs one generation, delivering progress and images
	// to sink until the worker signals end of stream. A driver that wants
	// the pipeline to retry on a different worker returns
	// StreamResult{Redirect: true} with a nil error.
	GenerateStream(ctx context.Context, req *api.GenerateRequest, batchID string, sink Sink) (StreamResult, error)

	// Features is a snapshot of the worker's capability tags.
	Features() []string
}

// Sink receives the output of one streaming generation.
type Sink interface {
	Progress(p map[string]interface{}) error
	// Image delivers one finished image as a data URI.
	Image(dataURI string) error
}

// StreamResult is the terminal outcome of GenerateStream beyond its
// error. Redirect asks the pipeline to release the current worker and
// re-issue the same logical generation elsewhere.
type StreamResult struct {
	Redirect bool
}
