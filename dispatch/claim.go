package dispatch

import (
	"context"
	"sync"

	imgde "github.com/imgd-io/imgd/errors"
	"go.uber.org/zap"
)

// CountKind selects one of a claim's three counters.
type CountKind int

const (
	// Waits counts outstanding waits for a worker.
	Waits CountKind = iota
	// Live counts in-flight generations currently on a worker.
	Live
	// Gens counts still-pending sub-generations of a batch.
	Gens
)

func (k CountKind) String() string {
	switch k {
	case Waits:
		return "waits"
	case Live:
		return "live"
	case Gens:
		return "gens"
	}
	return "unknown"
}

// Claim is one caller's reservation of dispatcher resources. A claim is
// complete only when all three counters are back to zero.
type Claim struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu    sync.Mutex
	waits int
	live  int
	gens  int
}

func newClaim(ctx context.Context, logger *zap.Logger) *Claim {
	cctx, cancel := context.WithCancel(ctx)
	return &Claim{ctx: cctx, cancel: cancel, logger: logger}
}

// Extend increases one counter. Extending a cancelled claim fails so a
// torn-down session cannot keep queueing work.
func (c *Claim) Extend(kind CountKind, n int) error {
	if c.ShouldCancel() {
		return imgde.E(imgde.Cancelled, "claim is cancelled")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case Waits:
		c.waits += n
	case Live:
		c.live += n
	case Gens:
		c.gens += n
	}
	return nil
}

// Complete decreases one counter. Underflow indicates an unbalanced
// pipeline path; it is clamped and reported loudly rather than left to
// corrupt later completeness checks.
func (c *Claim) Complete(kind CountKind, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var p *int
	switch kind {
	case Waits:
		p = &c.waits
	case Live:
		p = &c.live
	case Gens:
		p = &c.gens
	}
	*p -= n
	if *p < 0 {
		c.logger.DPanic("Claim counter underflow", zap.Stringer("kind", kind))
		*p = 0
	}
}

// Cancel sets the cancellation token, waking any suspended acquire and
// aborting any driver stream held under this claim.
func (c *Claim) Cancel() {
	c.cancel()
}

// ShouldCancel observes the token or the owning session's termination.
func (c *Claim) ShouldCancel() bool {
	return c.ctx.Err() != nil
}

// Done exposes the cancellation signal for select loops.
func (c *Claim) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context is the claim-scoped context; driver streams run under it.
func (c *Claim) Context() context.Context {
	return c.ctx
}

// Counts returns a snapshot of the three counters.
func (c *Claim) Counts() (waits, live, gens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits, c.live, c.gens
}

// Idle reports whether the claim is complete.
func (c *Claim) Idle() bool {
	w, l, g := c.Counts()
	return w == 0 && l == 0 && g == 0
}

// Ledger is the per-caller bag of outstanding claims. Session teardown
// cancels every claim the session owns.
type Ledger struct {
	logger *zap.Logger

	mu     sync.Mutex
	claims map[string][]*Claim
}

func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		logger: logger,
		claims: map[string][]*Claim{},
	}
}

// Open creates a claim owned by the given caller.
func (l *Ledger) Open(ctx context.Context, owner string) *Claim {
	c := newClaim(ctx, l.logger)
	l.mu.Lock()
	l.claims[owner] = append(l.claims[owner], c)
	l.mu.Unlock()
	return c
}

// Close drops a completed claim from its owner's bag. The claim is
// cancelled as a backstop so nothing can extend it afterward.
func (l *Ledger) Close(owner string, c *Claim) {
	c.Cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	bag := l.claims[owner]
	for i, held := range bag {
		if held == c {
			l.claims[owner] = append(bag[:i], bag[i+1:]...)
			break
		}
	}
	if len(l.claims[owner]) == 0 {
		delete(l.claims, owner)
	}
}

// CancelOwner cancels every claim held by one caller.
func (l *Ledger) CancelOwner(owner string) {
	l.mu.Lock()
	bag := append([]*Claim(nil), l.claims[owner]...)
	l.mu.Unlock()
	for _, c := range bag {
		c.Cancel()
	}
}

// CancelAll cancels everything; used on process shutdown.
func (l *Ledger) CancelAll() {
	l.mu.Lock()
	var all []*Claim
	for _, bag := range l.claims {
		all = append(all, bag...)
	}
	l.mu.Unlock()
	for _, c := range all {
		c.Cancel()
	}
}
