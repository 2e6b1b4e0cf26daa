package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/imgd-io/imgd/api"
	"github.com/segmentio/ksuid"
)

// Status is the lifecycle state of a worker record.
type Status int

const (
	Disabled Status = iota
	Waiting
	Loading
	Idle
	Running
	Errored
)

func (s Status) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case Waiting:
		return "Waiting"
	case Loading:
		return "Loading"
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Errored:
		return "Errored"
	}
	return "Unknown"
}

// Wire returns the status tag used by the federation protocol.
func (s Status) Wire() string {
	switch s {
	case Disabled:
		return api.BackendDisabled
	case Waiting:
		return api.BackendWaiting
	case Loading:
		return api.BackendLoading
	case Idle:
		return api.BackendIdle
	case Running:
		return api.BackendRunning
	case Errored:
		return api.BackendErrored
	}
	return "unknown"
}

// legalTransition encodes the permitted status transitions. Any state may
// transition to Disabled on shutdown.
func legalTransition(from, to Status) bool {
	if to == Disabled || from == to {
		return true
	}
	switch from {
	case Disabled:
		return to == Waiting
	case Waiting:
		return to == Loading
	case Loading:
		return to == Running || to == Idle || to == Errored
	case Running:
		return to == Idle || to == Errored
	case Idle:
		return to == Running || to == Errored
	case Errored:
		return to == Waiting
	}
	return false
}

// Record is the dispatcher-owned state of one worker. The driver behind
// it does the actual work; everything a matcher needs to see lives here.
type Record struct {
	ID       string
	Type     string
	Settings interface{}
	Driver   Driver
	// Shadow is true for records synthesized by a federation driver to
	// mirror one concurrency slot on a peer.
	Shadow bool

	mu       sync.Mutex
	status   Status
	model    string
	features map[string]struct{}
	busy     bool
	acquires int64

	// lastProgress is a unix nano timestamp updated whenever the worker
	// emits progress; the stall monitor reads it without taking mu.
	lastProgress int64

	// access is the live acquisition, if any, guarded by mu.
	access *Access

	// notify is installed when the record joins a pool so status changes
	// wake blocked acquires.
	notify func()
}

// NewRecord returns a Disabled record for a directly managed worker.
func NewRecord(typ string, settings interface{}, d Driver) *Record {
	return &Record{
		ID:       ksuid.New().String(),
		Type:     typ,
		Settings: settings,
		Driver:   d,
		features: map[string]struct{}{},
	}
}

// NewShadowRecord returns a shadow record sharing settings and driver
// with its federation parent, created directly in the given status.
func NewShadowRecord(typ string, settings interface{}, d Driver, status Status) *Record {
	r := NewRecord(typ, settings, d)
	r.Shadow = true
	r.status = status
	r.refreshFeaturesLocked()
	return r
}

func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus applies a status transition, refreshes the feature snapshot,
// and wakes any waiters. Illegal transitions are rejected.
func (r *Record) SetStatus(s Status) bool {
	r.mu.Lock()
	if !legalTransition(r.status, s) {
		r.mu.Unlock()
		return false
	}
	r.setStatusLocked(s)
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify()
	}
	return true
}

func (r *Record) setStatusLocked(s Status) {
	r.status = s
	r.refreshFeaturesLocked()
}

func (r *Record) refreshFeaturesLocked() {
	r.features = map[string]struct{}{}
	if r.Driver == nil {
		return
	}
	for _, tag := range r.Driver.Features() {
		r.features[tag] = struct{}{}
	}
}

func (r *Record) Model() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

func (r *Record) SetModel(model string) {
	r.mu.Lock()
	r.model = model
	r.mu.Unlock()
}

// HasFeature reports set membership of one capability tag. The dispatcher
// never interprets tags beyond this.
func (r *Record) HasFeature(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.features[tag]
	return ok
}

// Features returns a snapshot of the record's capability tags.
func (r *Record) Features() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := make([]string, 0, len(r.features))
	for tag := range r.features {
		tags = append(tags, tag)
	}
	return tags
}

func (r *Record) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// tryAcquire atomically flips busy if the record is Running and free.
// The busy flag is only ever true for a Running record.
func (r *Record) tryAcquire(a *Access) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != Running || r.busy {
		return false
	}
	r.busy = true
	r.acquires++
	r.access = a
	atomic.StoreInt64(&r.lastProgress, time.Now().UnixNano())
	return true
}

func (r *Record) release() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.busy {
		return false
	}
	r.busy = false
	r.access = nil
	return true
}

func (r *Record) acquireCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquires
}

func (r *Record) currentAccess() *Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.access
}

func (r *Record) markProgress() {
	atomic.StoreInt64(&r.lastProgress, time.Now().UnixNano())
}

func (r *Record) progressAge(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, atomic.LoadInt64(&r.lastProgress)))
}

// Info renders the record for the backends/list endpoint.
func (r *Record) Info() api.BackendInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := make([]string, 0, len(r.features))
	for tag := range r.features {
		tags = append(tags, tag)
	}
	return api.BackendInfo{
		Status:   r.status.Wire(),
		Type:     r.Type,
		Features: tags,
	}
}
