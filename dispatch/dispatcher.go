package dispatch

import (
	"context"
	"errors"
	"flag"
	"sync"
	"time"

	imgde "github.com/imgd-io/imgd/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

const (
	initMinRetry = 200 * time.Millisecond
	initMaxRetry = 10 * time.Second
)

type Config struct {
	// MaxInitAttempts bounds how many times a failing backend is
	// re-initialized before it is left Errored.
	MaxInitAttempts int `yaml:"max_init_attempts"`
	// MaxTimeout is the per-backend inactivity threshold: a worker that
	// holds a claim without emitting progress for this long is declared
	// stalled.
	MaxTimeout time.Duration `yaml:"max_timeout"`
	// RequestTimeout bounds how long one acquire may wait for a worker,
	// queueing included.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c *Config) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.MaxInitAttempts, "dispatch.maxinitattempts", 3, "maximum attempts to initialize a backend")
	fs.DurationVar(&c.MaxTimeout, "dispatch.maxtimeout", 20*time.Minute, "inactivity duration after which a generating backend is declared stalled")
	fs.DurationVar(&c.RequestTimeout, "dispatch.requesttimeout", 7*24*time.Hour, "maximum duration a request may wait for a backend")
}

func (c Config) withDefaults() Config {
	if c.MaxInitAttempts <= 0 {
		c.MaxInitAttempts = 3
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 20 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 7 * 24 * time.Hour
	}
	return c
}

type metrics struct {
	acquires    prometheus.Counter
	timeouts    prometheus.Counter
	stalls      prometheus.Counter
	busyWorkers prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return metrics{
		acquires: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_acquires_total",
			Help: "Number of successful backend acquisitions.",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_acquire_timeouts_total",
			Help: "Number of acquisitions that timed out waiting for a backend.",
		}),
		stalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_backend_stalls_total",
			Help: "Number of backends declared stalled by the inactivity monitor.",
		}),
		busyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_busy_backends",
			Help: "Number of backends currently holding a generation claim.",
		}),
	}
}

// Dispatcher owns the worker pool: it matches requests to workers,
// enforces at most one generation per worker, re-initializes failing
// backends, and watches for stalled generations.
type Dispatcher struct {
	conf    Config
	logger  *zap.Logger
	metrics metrics

	mu      sync.Mutex
	records map[string]*Record
	// changed is closed and replaced on every pool mutation so blocked
	// acquires can re-scan. Broadcast, not single-signal: filters differ
	// across waiters, so all of them must get a chance to look.
	changed chan struct{}

	initq  chan *Record
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func New(ctx context.Context, conf Config, logger *zap.Logger, reg prometheus.Registerer) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		conf:    conf.withDefaults(),
		logger:  logger.Named("dispatch"),
		metrics: newMetrics(reg),
		records: map[string]*Record{},
		changed: make(chan struct{}),
		initq:   make(chan *Record, 128),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.group, _ = errgroup.WithContext(ctx)
	d.group.Go(func() error {
		d.initLoop()
		return nil
	})
	d.group.Go(func() error {
		d.stallLoop()
		return nil
	})
	return d
}

// Add inserts a record into the pool and wakes waiters. A Disabled
// record is moved to Waiting and queued for initialization; records
// created directly in another status (shadows) join as they are.
func (d *Dispatcher) Add(r *Record) {
	d.mu.Lock()
	d.records[r.ID] = r
	r.mu.Lock()
	r.notify = d.broadcast
	queueInit := r.status == Disabled || r.status == Errored
	if queueInit {
		r.setStatusLocked(Waiting)
	}
	r.mu.Unlock()
	d.mu.Unlock()
	if queueInit {
		select {
		case d.initq <- r:
		default:
			d.logger.Warn("Init queue full, backend left unscheduled", zap.String("backend", r.ID))
		}
	}
	d.broadcast()
}

// Remove deletes a record from the pool and wakes waiters so nobody
// keeps blocking on a worker that no longer exists.
func (d *Dispatcher) Remove(id string) *Record {
	d.mu.Lock()
	r := d.records[id]
	delete(d.records, id)
	d.mu.Unlock()
	d.broadcast()
	return r
}

// Records returns a snapshot of the pool in no particular order.
func (d *Dispatcher) Records() []*Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, r)
	}
	return out
}

func (d *Dispatcher) Record(id string) *Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.records[id]
}

// CountRunning reports how many workers are in Running status.
func (d *Dispatcher) CountRunning() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	for _, r := range d.records {
		if r.Status() == Running {
			n++
		}
	}
	return n
}

// ApplyStatuses transitions several records under the pool lock with a
// single wakeup, so observers see either all records changed or none.
// The federation driver uses this to flip a parent and its shadows
// between Idle and Running together.
func (d *Dispatcher) ApplyStatuses(recs []*Record, s Status) {
	d.mu.Lock()
	for _, r := range recs {
		r.mu.Lock()
		if legalTransition(r.status, s) {
			r.setStatusLocked(s)
		} else {
			d.logger.DPanic("Illegal status transition",
				zap.String("backend", r.ID),
				zap.Stringer("from", r.status),
				zap.Stringer("to", s))
		}
		r.mu.Unlock()
	}
	d.mu.Unlock()
	d.broadcast()
}

func (d *Dispatcher) broadcast() {
	d.mu.Lock()
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()
}

func (d *Dispatcher) waitChan() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changed
}

// RetryInit re-queues an Errored record for initialization.
func (d *Dispatcher) RetryInit(r *Record) bool {
	if !r.SetStatus(Waiting) {
		return false
	}
	select {
	case d.initq <- r:
		return true
	default:
		return false
	}
}

// AcquireOptions parameterizes one acquisition.
type AcquireOptions struct {
	// Filter is the capability predicate supplied by the pipeline.
	Filter func(*Record) bool
	// PreferredModel breaks ties: a worker that already has it loaded
	// wins over one that would have to reload.
	PreferredModel string
	// Timeout bounds the wait including queueing; zero means the
	// configured request timeout.
	Timeout time.Duration
	// Claim ties the wait to a caller so cancellation can wake it.
	Claim *Claim
	// OnWillLoad is signalled at most once, just before settling for a
	// worker that will need a model load.
	OnWillLoad func()
}

// Access is a scoped hold on one worker. Release is idempotent and must
// run on every exit path.
type Access struct {
	Record *Record

	d        *Dispatcher
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	stalled  bool
	released bool
}

// Context is cancelled when the worker is forcibly released by the stall
// monitor or the dispatcher shuts down; driver streams must run under it.
func (a *Access) Context() context.Context {
	return a.ctx
}

// Touch records generation progress for the inactivity monitor.
func (a *Access) Touch() {
	a.Record.markProgress()
}

// Stalled reports whether the stall monitor forced this access out.
func (a *Access) Stalled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stalled
}

// Release returns the worker to the pool and wakes waiters.
func (a *Access) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	a.mu.Unlock()
	a.cancel()
	if a.Record.release() {
		a.d.metrics.busyWorkers.Dec()
	}
	a.d.broadcast()
}

// forceRelease is the stall monitor's path: mark the access stalled,
// cancel its context so the driver stream aborts, and free the record.
func (a *Access) forceRelease() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.stalled = true
	a.released = true
	a.mu.Unlock()
	a.cancel()
	if a.Record.release() {
		a.d.metrics.busyWorkers.Dec()
	}
	a.d.broadcast()
}

// Acquire finds a Running, free worker matching opts.Filter, preferring
// one whose current model equals opts.PreferredModel. It blocks until a
// worker frees up, the timeout elapses, or the claim is cancelled.
func (d *Dispatcher) Acquire(ctx context.Context, opts AcquireOptions) (*Access, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.conf.RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var claimDone <-chan struct{}
	if opts.Claim != nil {
		claimDone = opts.Claim.Done()
	}
	willLoadSignalled := false
	for {
		if ctx.Err() != nil || (opts.Claim != nil && opts.Claim.ShouldCancel()) {
			return nil, imgde.E(imgde.Cancelled, "acquire cancelled")
		}
		if d.ctx.Err() != nil {
			return nil, imgde.E(imgde.Cancelled, "dispatcher is shutting down")
		}
		// Take the wait channel before scanning so a release between the
		// scan and the select is not lost.
		changed := d.waitChan()

		preferred, others := d.candidates(opts.Filter, opts.PreferredModel)
		pick := preferred
		if len(pick) == 0 && len(others) > 0 {
			if opts.OnWillLoad != nil && !willLoadSignalled {
				opts.OnWillLoad()
				willLoadSignalled = true
			}
			pick = others
		}
		if len(pick) > 0 {
			if a := d.tryPick(pick, opts.Claim); a != nil {
				return a, nil
			}
			// Every candidate was grabbed under us; re-snapshot, but not
			// past the deadline, or a sustained steal race could keep the
			// loop spinning forever.
			select {
			case <-timer.C:
				d.metrics.timeouts.Inc()
				return nil, imgde.E(imgde.Timeout, "no backend became available within %v", timeout)
			default:
			}
			continue
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, imgde.E(imgde.Cancelled, "acquire cancelled")
		case <-claimDone:
			return nil, imgde.E(imgde.Cancelled, "claim cancelled")
		case <-d.ctx.Done():
			return nil, imgde.E(imgde.Cancelled, "dispatcher is shutting down")
		case <-timer.C:
			d.metrics.timeouts.Inc()
			return nil, imgde.E(imgde.Timeout, "no backend became available within %v", timeout)
		}
	}
}

// candidates snapshots Running, free, filter-matching records, split into
// those already holding the preferred model and the rest, each ordered by
// lowest cumulative acquire count then id.
func (d *Dispatcher) candidates(filter func(*Record) bool, preferredModel string) (preferred, others []*Record) {
	d.mu.Lock()
	for _, r := range d.records {
		if r.Status() != Running || r.Busy() {
			continue
		}
		if filter != nil && !filter(r) {
			continue
		}
		if preferredModel != "" && r.Model() == preferredModel {
			preferred = append(preferred, r)
		} else {
			others = append(others, r)
		}
	}
	d.mu.Unlock()
	order := func(a, b *Record) bool {
		na, nb := a.acquireCount(), b.acquireCount()
		if na != nb {
			return na < nb
		}
		return a.ID < b.ID
	}
	slices.SortFunc(preferred, order)
	slices.SortFunc(others, order)
	return preferred, others
}

func (d *Dispatcher) tryPick(recs []*Record, claim *Claim) *Access {
	for _, r := range recs {
		base := d.ctx
		if claim != nil {
			base = claim.Context()
		}
		actx, cancel := context.WithCancel(base)
		a := &Access{Record: r, d: d, ctx: actx, cancel: cancel}
		if r.tryAcquire(a) {
			d.metrics.acquires.Inc()
			d.metrics.busyWorkers.Inc()
			return a
		}
		cancel()
	}
	return nil
}

// initLoop drains the init queue, bringing each backend up with retries.
func (d *Dispatcher) initLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case r := <-d.initq:
			d.initRecord(r)
		}
	}
}

func (d *Dispatcher) initRecord(r *Record) {
	logger := d.logger.With(zap.String("backend", r.ID), zap.String("type", r.Type))
	retryWait := initMinRetry
	for attempt := 1; ; attempt++ {
		if d.ctx.Err() != nil || r.Status() == Disabled || d.Record(r.ID) != r {
			return
		}
		if !r.SetStatus(Loading) {
			logger.Warn("Backend left init queue in unexpected status", zap.Stringer("status", r.Status()))
			return
		}
		status, err := r.Driver.Init(d.ctx)
		if err == nil {
			// A driver may stay Loading and finish the transition itself
			// (the federation driver does while its peer loads models).
			if status == Running || status == Idle {
				r.SetStatus(status)
			}
			logger.Info("Backend initialized", zap.Stringer("status", status))
			return
		}
		r.SetStatus(Errored)
		if imgde.IsKind(err, imgde.Cancelled) {
			return
		}
		fatal := errors.Is(err, ErrInitFatal)
		logger.Error("Backend init failed",
			zap.Int("attempt", attempt),
			zap.Bool("fatal", fatal),
			zap.Error(err))
		if fatal || attempt >= d.conf.MaxInitAttempts {
			return
		}
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(retryWait):
		}
		if retryWait < initMaxRetry {
			retryWait = (retryWait * 3) / 2
			// Note: doubling is too fast a backoff for this, so using 1.5 x.
		} else {
			retryWait = initMaxRetry
		}
		r.SetStatus(Waiting)
	}
}

// stallLoop scans busy records and evicts any that have gone quiet for
// longer than the inactivity threshold.
func (d *Dispatcher) stallLoop() {
	interval := d.conf.MaxTimeout / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		for _, r := range d.Records() {
			if !r.Busy() || r.progressAge(now) < d.conf.MaxTimeout {
				continue
			}
			a := r.currentAccess()
			if a == nil {
				continue
			}
			d.logger.Warn("Backend stalled, forcing release",
				zap.String("backend", r.ID),
				zap.Duration("quiet", r.progressAge(now)))
			d.metrics.stalls.Inc()
			a.forceRelease()
			r.SetStatus(Errored)
		}
	}
}

// Shutdown cancels all background work and shuts every driver down.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	d.broadcast()
	err := d.group.Wait()
	seen := map[Driver]struct{}{}
	for _, r := range d.Records() {
		r.SetStatus(Disabled)
		if r.Driver == nil {
			continue
		}
		// A federation driver backs several records; shut it down once.
		if _, ok := seen[r.Driver]; ok {
			continue
		}
		seen[r.Driver] = struct{}{}
		err = multierr.Append(err, r.Driver.Shutdown(ctx))
	}
	return err
}
