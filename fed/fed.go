// Package fed implements the federation driver: a worker driver whose
// backend is a peer imgd instance. It mirrors the peer's concurrency
// into the local pool as shadow records and forwards generations over
// the peer's streaming API.
package fed

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imgd-io/imgd/api"
	"github.com/imgd-io/imgd/api/client"
	"github.com/imgd-io/imgd/dispatch"
	imgde "github.com/imgd-io/imgd/errors"
	"go.uber.org/zap"
)

// DriverType is the driver_type tag of federation records and their
// shadows.
const DriverType = "federation"

const (
	loadingProbeInterval   = time.Second
	idleProbeInterval      = time.Minute
	defaultRefreshInterval = 30 * time.Second
)

var errLoop = errors.New("peer reports our own server id")

type Config struct {
	// Address is the peer endpoint, e.g. http://host:7858.
	Address string `yaml:"address"`
	// AllowIdle sends an unreachable peer to Idle instead of Errored;
	// an idle monitor keeps re-probing it.
	AllowIdle bool `yaml:"allow_idle"`
	// OverQueue adds extra shadow slots beyond the peer's free
	// concurrency so requests can queue on the peer.
	OverQueue int `yaml:"over_queue"`
	// RefreshInterval is the cadence at which a running driver re-lists
	// the peer's backends to track scale changes.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

func (c *Config) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Address, "fed.address", "", "peer imgd address to federate with")
	fs.BoolVar(&c.AllowIdle, "fed.allowidle", false, "treat an unreachable peer as idle rather than errored")
	fs.IntVar(&c.OverQueue, "fed.overqueue", 0, "extra queue slots to hold on the peer beyond its running count")
	fs.DurationVar(&c.RefreshInterval, "fed.refreshinterval", defaultRefreshInterval, "cadence of peer backend list refreshes")
}

// remoteState is the last view of the peer, replaced wholesale so
// readers never see a half-updated snapshot. Reads are lock-free;
// writers serialize on the driver mutex so concurrent session
// recoveries cannot lose each other's fields.
type remoteState struct {
	serverID     string
	features     []string
	backendTypes []string
	anyLoading   bool
	countRunning int
}

// Driver speaks to one peer. It is shared by its primary record and all
// shadow records, so every method must be safe for concurrent use.
type Driver struct {
	conf    Config
	pool    *dispatch.Dispatcher
	conn    *client.Connection
	logger  *zap.Logger
	localID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	remote atomic.Value // remoteState

	mu        sync.Mutex
	sessionID string
	shadows   []*dispatch.Record

	// syncMu serializes whole shadow-set reconciliations so overlapping
	// refreshes cannot both add records for the same missing slots.
	syncMu sync.Mutex

	record      *dispatch.Record
	idleOnce    sync.Once
	refreshOnce sync.Once
}

// New builds the driver and its primary record; the caller adds the
// record to the pool. localServerID is this process's loop-prevention
// identity.
func New(ctx context.Context, conf Config, pool *dispatch.Dispatcher, localServerID string, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.RefreshInterval <= 0 {
		conf.RefreshInterval = defaultRefreshInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Driver{
		conf:    conf,
		pool:    pool,
		conn:    client.NewConnectionTo(conf.Address),
		logger:  logger.Named("fed").With(zap.String("peer", conf.Address)),
		localID: localServerID,
		ctx:     ctx,
		cancel:  cancel,
	}
	d.remote.Store(remoteState{})
	d.record = dispatch.NewRecord(DriverType, conf, d)
	return d
}

// Record is the driver's primary pool record.
func (d *Driver) Record() *dispatch.Record {
	return d.record
}

func (d *Driver) remoteState() remoteState {
	return d.remote.Load().(remoteState)
}

func (d *Driver) session() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// establish opens a fresh session with the peer and checks for a
// federation loop.
func (d *Driver) establish(ctx context.Context) error {
	resp, err := d.conn.SessionNew(ctx)
	if err != nil {
		return err
	}
	if resp.ServerID == d.localID {
		return fmt.Errorf("federation peer at %s: %w", d.conf.Address, errLoop)
	}
	d.mu.Lock()
	d.sessionID = resp.SessionID
	st := d.remoteState()
	st.serverID = resp.ServerID
	st.countRunning = resp.CountRunning
	d.remote.Store(st)
	d.mu.Unlock()
	return nil
}

// withSession runs one peer operation, transparently re-establishing the
// session and retrying exactly once if the peer reports it invalid. A
// second invalidation surfaces as a connection error rather than
// recursing.
func (d *Driver) withSession(ctx context.Context, f func(sessionID string) error) error {
	err := f(d.session())
	if err == nil || !client.IsInvalidSession(err) {
		return err
	}
	d.logger.Info("Peer session invalidated, re-establishing")
	if err := d.establish(ctx); err != nil {
		return imgde.E(imgde.Conn, err)
	}
	err = f(d.session())
	if client.IsInvalidSession(err) {
		return imgde.E(imgde.Conn, err)
	}
	return err
}

// Refresh pulls the peer's backend list and resizes the shadow set. The
// shadow status mirrors the primary record so a mid-flight refresh does
// not fabricate Running capacity on a Loading driver.
func (d *Driver) Refresh(ctx context.Context) error {
	if err := d.refresh(ctx); err != nil {
		return err
	}
	status := d.record.Status()
	if status != dispatch.Loading && status != dispatch.Idle {
		status = dispatch.Running
	}
	d.syncShadows(status)
	return nil
}

func (d *Driver) refresh(ctx context.Context) error {
	var resp api.BackendsListResponse
	err := d.withSession(ctx, func(sid string) error {
		var err error
		resp, err = d.conn.BackendsList(ctx, sid)
		return err
	})
	if err != nil {
		return err
	}
	featureSet := map[string]struct{}{}
	typeSet := map[string]struct{}{}
	var anyLoading bool
	var countRunning int
	for _, b := range resp.Backends {
		typeSet[b.Type] = struct{}{}
		for _, tag := range b.Features {
			featureSet[tag] = struct{}{}
		}
		switch b.Status {
		case api.BackendRunning:
			countRunning++
		case api.BackendLoading:
			anyLoading = true
		}
	}
	d.mu.Lock()
	st := d.remoteState()
	st.anyLoading = anyLoading
	st.countRunning = countRunning
	st.features = setToSlice(featureSet)
	st.backendTypes = setToSlice(typeSet)
	d.remote.Store(st)
	d.mu.Unlock()
	return nil
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// syncShadows brings the shadow set to
// max(0, count_running - 1 + over_queue); the "-1" reserves the primary
// record as the active slot. Oversized sets are trimmed from the front,
// skipping busy records until their claims release.
func (d *Driver) syncShadows(status dispatch.Status) {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	target := d.remoteState().countRunning - 1 + d.conf.OverQueue
	if target < 0 {
		target = 0
	}
	d.mu.Lock()
	var toRemove []*dispatch.Record
	for i := 0; i < len(d.shadows) && len(d.shadows) > target; {
		r := d.shadows[i]
		if r.Busy() {
			i++
			continue
		}
		d.shadows = append(d.shadows[:i], d.shadows[i+1:]...)
		toRemove = append(toRemove, r)
	}
	missing := target - len(d.shadows)
	d.mu.Unlock()
	for _, r := range toRemove {
		d.pool.Remove(r.ID)
		r.SetStatus(dispatch.Disabled)
	}
	if missing <= 0 {
		return
	}
	added := make([]*dispatch.Record, 0, missing)
	for i := 0; i < missing; i++ {
		r := dispatch.NewShadowRecord(DriverType, d.conf, d, status)
		added = append(added, r)
		d.pool.Add(r)
	}
	d.mu.Lock()
	d.shadows = append(d.shadows, added...)
	d.mu.Unlock()
}

// Shadows is a snapshot of the current shadow records.
func (d *Driver) Shadows() []*dispatch.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*dispatch.Record(nil), d.shadows...)
}

func (d *Driver) allRecords() []*dispatch.Record {
	return append([]*dispatch.Record{d.record}, d.Shadows()...)
}

// Init implements dispatch.Driver. On success the driver lands in
// Running, or Loading while the peer still has sub-workers loading. A
// federation loop is fatal unless AllowIdle sends it to idle mode.
func (d *Driver) Init(ctx context.Context) (dispatch.Status, error) {
	if err := d.establish(ctx); err != nil {
		if errors.Is(err, errLoop) {
			if d.conf.AllowIdle {
				d.goIdle()
				return dispatch.Idle, nil
			}
			return 0, fmt.Errorf("%v: %w", err, dispatch.ErrInitFatal)
		}
		if d.conf.AllowIdle {
			d.logger.Warn("Peer unreachable, entering idle mode", zap.Error(err))
			d.goIdle()
			return dispatch.Idle, nil
		}
		return 0, imgde.E(imgde.Conn, err)
	}
	if err := d.refresh(ctx); err != nil {
		if d.conf.AllowIdle {
			d.goIdle()
			return dispatch.Idle, nil
		}
		return 0, imgde.E(imgde.Conn, err)
	}
	d.startRefreshMonitor()
	if d.remoteState().anyLoading {
		d.syncShadows(dispatch.Loading)
		d.startLoadingWait()
		return dispatch.Loading, nil
	}
	d.syncShadows(dispatch.Running)
	return dispatch.Running, nil
}

func (d *Driver) goIdle() {
	d.idleOnce.Do(func() {
		d.wg.Add(1)
		go d.idleMonitor()
	})
	// Once the idle monitor brings the peer back, the refresh monitor
	// takes over tracking it.
	d.startRefreshMonitor()
}

func (d *Driver) startRefreshMonitor() {
	d.refreshOnce.Do(func() {
		d.wg.Add(1)
		go d.refreshMonitor()
	})
}

// refreshMonitor re-lists the peer on a cadence while the driver is
// Running so the shadow set tracks the peer's scale in steady state.
func (d *Driver) refreshMonitor() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.conf.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
		if d.record.Status() != dispatch.Running {
			continue
		}
		if err := d.Refresh(d.ctx); err != nil {
			d.logger.Debug("Peer list refresh failed", zap.Error(err))
		}
	}
}

// idleMonitor re-probes an idle peer on a cadence; on success the
// primary and every shadow flip to Running in one pool-visible step.
func (d *Driver) idleMonitor() {
	defer d.wg.Done()
	ticker := time.NewTicker(idleProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
		if d.record.Status() != dispatch.Idle {
			continue
		}
		if err := d.establish(d.ctx); err != nil {
			d.logger.Debug("Idle probe failed", zap.Error(err))
			continue
		}
		if err := d.refresh(d.ctx); err != nil {
			d.logger.Debug("Idle probe list failed", zap.Error(err))
			continue
		}
		d.syncShadows(dispatch.Idle)
		d.pool.ApplyStatuses(d.allRecords(), dispatch.Running)
		d.logger.Info("Idle peer came back", zap.Int("count_running", d.remoteState().countRunning))
	}
}

// startLoadingWait re-queries the peer until no sub-worker reports
// loading, then flips the driver and its shadows to Running together.
func (d *Driver) startLoadingWait() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(loadingProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
			}
			if err := d.refresh(d.ctx); err != nil {
				d.logger.Debug("Loading probe failed", zap.Error(err))
				continue
			}
			if d.remoteState().anyLoading {
				continue
			}
			d.syncShadows(dispatch.Loading)
			d.pool.ApplyStatuses(d.allRecords(), dispatch.Running)
			return
		}
	}()
}

// LoadModel is a no-op: the peer manages its own model state.
func (d *Driver) LoadModel(ctx context.Context, model string) (bool, error) {
	return true, nil
}

// Features reflects the union of the peer's capability tags.
func (d *Driver) Features() []string {
	return append([]string(nil), d.remoteState().features...)
}

// BackendTypes reflects the driver_type tags observed on the peer.
func (d *Driver) BackendTypes() []string {
	return append([]string(nil), d.remoteState().backendTypes...)
}

// GenerateStream forwards one generation to the peer, one image at a
// time, with the peer told not to save. A saturated peer redirects the
// pipeline to another local worker.
func (d *Driver) GenerateStream(ctx context.Context, req *api.GenerateRequest, batchID string, sink dispatch.Sink) (dispatch.StreamResult, error) {
	fwd := *req
	fwd.Images = 1
	fwd.DoNotSave = true
	err := d.withSession(ctx, func(sid string) error {
		fwd.SessionID = sid
		stream, err := d.conn.GenerateStream(ctx, fwd)
		if err != nil {
			return err
		}
		defer stream.Close()
		for {
			u, err := stream.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if u.GenProgress != nil {
				if err := sink.Progress(u.GenProgress); err != nil {
					return err
				}
			}
			if u.Image != "" {
				if err := sink.Image(u.Image); err != nil {
					return err
				}
			}
		}
	})
	if err != nil {
		var apierr *api.Error
		if errors.As(err, &apierr) && apierr.ErrorID == api.ErrorIDOccupied {
			return dispatch.StreamResult{Redirect: true}, nil
		}
		return dispatch.StreamResult{}, err
	}
	return dispatch.StreamResult{}, nil
}

// Shutdown stops the monitors and retires every shadow record.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.cancel()
	d.wg.Wait()
	d.mu.Lock()
	shadows := d.shadows
	d.shadows = nil
	d.mu.Unlock()
	for _, r := range shadows {
		d.pool.Remove(r.ID)
		r.SetStatus(dispatch.Disabled)
	}
	return nil
}
