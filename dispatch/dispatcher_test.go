package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	imgde "github.com/imgd-io/imgd/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDispatcher(t *testing.T, conf Config) *Dispatcher {
	t.Helper()
	d := New(context.Background(), conf, zap.NewNop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, d.Shutdown(ctx))
	})
	return d
}

func addRunning(t *testing.T, d *Dispatcher, driver *fakeDriver) *Record {
	t.Helper()
	r := NewRecord("test", nil, driver)
	d.Add(r)
	require.Eventually(t, func() bool { return r.Status() == Running },
		5*time.Second, 5*time.Millisecond)
	return r
}

func TestAcquireMatchesFeatureFilter(t *testing.T) {
	d := testDispatcher(t, Config{})
	plain := addRunning(t, d, newFakeDriver())
	sdxl := addRunning(t, d, newFakeDriver("sdxl"))

	a, err := d.Acquire(context.Background(), AcquireOptions{
		Filter:  func(r *Record) bool { return r.HasFeature("sdxl") },
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer a.Release()
	assert.Equal(t, sdxl.ID, a.Record.ID)
	assert.False(t, plain.Busy())
	assert.True(t, sdxl.Busy())
}

func TestAcquirePrefersLoadedModel(t *testing.T) {
	d := testDispatcher(t, Config{})
	addRunning(t, d, newFakeDriver())
	loaded := addRunning(t, d, newFakeDriver())
	loaded.SetModel("m1")

	var willLoad int32
	a, err := d.Acquire(context.Background(), AcquireOptions{
		PreferredModel: "m1",
		Timeout:        5 * time.Second,
		OnWillLoad:     func() { atomic.AddInt32(&willLoad, 1) },
	})
	require.NoError(t, err)
	defer a.Release()
	assert.Equal(t, loaded.ID, a.Record.ID)
	assert.Equal(t, int32(0), atomic.LoadInt32(&willLoad),
		"no load warning when a worker already has the model")
}

func TestAcquireSignalsWillLoadOnce(t *testing.T) {
	d := testDispatcher(t, Config{})
	r := addRunning(t, d, newFakeDriver())
	r.SetModel("m0")

	var willLoad int32
	a, err := d.Acquire(context.Background(), AcquireOptions{
		PreferredModel: "m1",
		Timeout:        5 * time.Second,
		OnWillLoad:     func() { atomic.AddInt32(&willLoad, 1) },
	})
	require.NoError(t, err)
	defer a.Release()
	assert.Equal(t, r.ID, a.Record.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&willLoad))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	d := testDispatcher(t, Config{})
	r := addRunning(t, d, newFakeDriver())

	first, err := d.Acquire(context.Background(), AcquireOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		second, err := d.Acquire(context.Background(), AcquireOptions{Timeout: 5 * time.Second})
		if err == nil {
			second.Release()
		}
		done <- err
	}()
	// The second acquire must suspend, not spin or fail.
	select {
	case err := <-done:
		t.Fatalf("second acquire finished early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	first.Release()
	require.NoError(t, <-done)
	assert.False(t, r.Busy())
}

func TestAcquireTimeout(t *testing.T) {
	d := testDispatcher(t, Config{})
	addRunning(t, d, newFakeDriver())

	a, err := d.Acquire(context.Background(), AcquireOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer a.Release()

	_, err = d.Acquire(context.Background(), AcquireOptions{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, imgde.IsKind(err, imgde.Timeout))
}

func TestAcquireNoMatchingWorkerTimesOut(t *testing.T) {
	d := testDispatcher(t, Config{})
	addRunning(t, d, newFakeDriver())

	_, err := d.Acquire(context.Background(), AcquireOptions{
		Filter:  func(r *Record) bool { return r.HasFeature("video") },
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, imgde.IsKind(err, imgde.Timeout))
}

// releasingContext frees the record on every cancellation poll, so a
// steal race can be replayed on each pass through the acquire loop.
type releasingContext struct {
	context.Context
	record *Record
}

func (c *releasingContext) Err() error {
	c.record.release()
	return c.Context.Err()
}

func TestAcquireDeadlineUnderStealRaces(t *testing.T) {
	d := testDispatcher(t, Config{})
	r := addRunning(t, d, newFakeDriver())

	// The filter grabs the record out from under the picker on every
	// scan and the context poll frees it again before the next one, so
	// a candidate is visible on every pass but never acquirable. The
	// deadline must still hold.
	start := time.Now()
	_, err := d.Acquire(&releasingContext{Context: context.Background(), record: r},
		AcquireOptions{
			Filter: func(rec *Record) bool {
				rec.tryAcquire(nil)
				return true
			},
			Timeout: 100 * time.Millisecond,
		})
	require.Error(t, err)
	assert.True(t, imgde.IsKind(err, imgde.Timeout))
	assert.Less(t, time.Since(start), 3*time.Second)
	r.release()
}

func TestAcquireClaimCancelWakes(t *testing.T) {
	d := testDispatcher(t, Config{})
	ledger := NewLedger(zap.NewNop())
	claim := ledger.Open(context.Background(), "owner")
	done := make(chan error, 1)
	go func() {
		_, err := d.Acquire(context.Background(), AcquireOptions{
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
		t.Fatal("cancelled claim did not wake the acquire")
	}
}

func TestAcquireContextCancelWakes(t *testing.T) {
	d := testDispatcher(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Acquire(ctx, AcquireOptions{Timeout: time.Minute})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.True(t, imgde.IsKind(err, imgde.Cancelled))
	case <-time.After(time.Second):
		t.Fatal("cancelled context did not wake the acquire")
	}
}

func TestInitRetriesUntilSuccess(t *testing.T) {
	d := testDispatcher(t, Config{MaxInitAttempts: 5})
	driver := newFakeDriver()
	driver.initFn = func(call int32) (Status, error) {
		if call < 3 {
			return Errored, errors.New("backend not up yet")
		}
		return Running, nil
	}
	r := NewRecord("test", nil, driver)
	d.Add(r)
	require.Eventually(t, func() bool { return r.Status() == Running },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&driver.initCalls))
}

func TestInitGivesUpAfterMaxAttempts(t *testing.T) {
	d := testDispatcher(t, Config{MaxInitAttempts: 2})
	driver := newFakeDriver()
	driver.initErr = errors.New("connection refused")
	r := NewRecord("test", nil, driver)
	d.Add(r)
	require.Eventually(t, func() bool {
		return r.Status() == Errored && atomic.LoadInt32(&driver.initCalls) == 2
	}, 5*time.Second, 10*time.Millisecond)
	// Give the init loop a beat to prove it stopped retrying.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&driver.initCalls))
}

func TestInitFatalStopsImmediately(t *testing.T) {
	d := testDispatcher(t, Config{MaxInitAttempts: 5})
	driver := newFakeDriver()
	driver.initErr = fmt.Errorf("peer is ourselves: %w", ErrInitFatal)
	r := NewRecord("test", nil, driver)
	d.Add(r)
	require.Eventually(t, func() bool { return r.Status() == Errored },
		5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&driver.initCalls))
}

func TestRetryInitRecoversErroredBackend(t *testing.T) {
	d := testDispatcher(t, Config{MaxInitAttempts: 1})
	driver := newFakeDriver()
	driver.initFn = func(call int32) (Status, error) {
		if call == 1 {
			return Errored, errors.New("flaky start")
		}
		return Running, nil
	}
	r := NewRecord("test", nil, driver)
	d.Add(r)
	require.Eventually(t, func() bool { return r.Status() == Errored },
		5*time.Second, 10*time.Millisecond)
	require.True(t, d.RetryInit(r))
	require.Eventually(t, func() bool { return r.Status() == Running },
		5*time.Second, 10*time.Millisecond)
}

func TestStallMonitorForcesRelease(t *testing.T) {
	d := testDispatcher(t, Config{MaxTimeout: 50 * time.Millisecond})
	r := addRunning(t, d, newFakeDriver())

	a, err := d.Acquire(context.Background(), AcquireOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Stalled() },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, Errored, r.Status())
	assert.False(t, r.Busy())
	select {
	case <-a.Context().Done():
	default:
		t.Fatal("stalled access context should be cancelled")
	}
	// Release after a forced release must be a no-op.
	a.Release()
}

func TestStallMonitorSparesActiveWorkers(t *testing.T) {
	d := testDispatcher(t, Config{MaxTimeout: 100 * time.Millisecond})
	r := addRunning(t, d, newFakeDriver())

	a, err := d.Acquire(context.Background(), AcquireOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer a.Release()
	for i := 0; i < 10; i++ {
		time.Sleep(30 * time.Millisecond)
		a.Touch()
	}
	assert.False(t, a.Stalled())
	assert.Equal(t, Running, r.Status())
}

func TestApplyStatuses(t *testing.T) {
	d := testDispatcher(t, Config{})
	driver := newFakeDriver()
	recs := []*Record{
		NewShadowRecord("fed", nil, driver, Running),
		NewShadowRecord("fed", nil, driver, Running),
	}
	for _, r := range recs {
		d.Add(r)
	}
	d.ApplyStatuses(recs, Idle)
	for _, r := range recs {
		assert.Equal(t, Idle, r.Status())
	}
	d.ApplyStatuses(recs, Running)
	for _, r := range recs {
		assert.Equal(t, Running, r.Status())
	}
}

func TestShadowRecordsJoinWithoutInit(t *testing.T) {
	d := testDispatcher(t, Config{})
	driver := newFakeDriver("sdxl")
	r := NewShadowRecord("fed", nil, driver, Running)
	d.Add(r)
	a, err := d.Acquire(context.Background(), AcquireOptions{Timeout: time.Second})
	require.NoError(t, err)
	defer a.Release()
	assert.Equal(t, r.ID, a.Record.ID)
	assert.Equal(t, int32(0), atomic.LoadInt32(&driver.initCalls))
}

func TestShutdownWakesWaiters(t *testing.T) {
	d := New(context.Background(), Config{}, zap.NewNop(), nil)
	done := make(chan error, 1)
	go func() {
		_, err := d.Acquire(context.Background(), AcquireOptions{Timeout: time.Minute})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	select {
	case err := <-done:
		assert.True(t, imgde.IsKind(err, imgde.Cancelled))
	case <-time.After(time.Second):
		t.Fatal("shutdown did not wake the acquire")
	}
}
