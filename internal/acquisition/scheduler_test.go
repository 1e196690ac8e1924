package acquisition

import (
	"context"
	"errors"
	"math/cmplx"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoVNA/internal/device"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

type sweepRecord struct {
	grid vna.Grid
	raws []vna.RawMeasurement
}

type recordingSink struct {
	mu     sync.Mutex
	points []int
	sweeps chan sweepRecord
	faults chan error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		sweeps: make(chan sweepRecord, 256),
		faults: make(chan error, 4),
	}
}

func (r *recordingSink) Point(i int, _ float64, _ vna.RawMeasurement) {
	r.mu.Lock()
	r.points = append(r.points, i)
	r.mu.Unlock()
}

func (r *recordingSink) Sweep(g vna.Grid, raws []vna.RawMeasurement) {
	select {
	case r.sweeps <- sweepRecord{grid: g, raws: raws}:
	default:
	}
}

func (r *recordingSink) Fault(err error) { r.faults <- err }

func (r *recordingSink) pointOrder() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.points...)
}

func smallConfig() vna.SweepConfig {
	cfg := vna.DefaultSweepConfig()
	cfg.Points = 5
	cfg.Average = 2
	cfg.Settle = 1
	return cfg
}

func newScheduler(t *testing.T, tr vna.Transport, cfg vna.SweepConfig) (*Scheduler, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	s := New(logging.Nop(), WithSink(sink), WithRetry(2, time.Millisecond))
	require.NoError(t, s.Configure(cfg))
	if tr != nil {
		require.NoError(t, s.Attach(tr))
	}
	t.Cleanup(s.Stop)
	return s, sink
}

type measured struct {
	grid vna.Grid
	raws []vna.RawMeasurement
	err  error
}

func measure(t *testing.T, s *Scheduler) measured {
	t.Helper()
	ch := make(chan measured, 1)
	require.NoError(t, s.TakeMeasurement(func(g vna.Grid, raws []vna.RawMeasurement, err error) {
		ch <- measured{g, raws, err}
	}))
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("measurement did not complete")
		return measured{}
	}
}

func waitState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond)
}

func near(a, b complex128) bool { return cmplx.Abs(a-b) < 1e-9 }

func TestStartRequiresTransport(t *testing.T) {
	s, _ := newScheduler(t, nil, smallConfig())
	assert.ErrorIs(t, s.Start(), vna.ErrNotOpen)
	assert.ErrorIs(t, s.TakeMeasurement(func(vna.Grid, []vna.RawMeasurement, error) {}), vna.ErrNotOpen)
	assert.Equal(t, Idle, s.State())
}

func TestStartTwiceIsBusy(t *testing.T) {
	m := device.NewMock(device.MockConfig{ReadDelay: time.Millisecond})
	s, _ := newScheduler(t, m, smallConfig())

	require.NoError(t, s.Start())
	assert.True(t, s.IsScanning())
	assert.ErrorIs(t, s.Start(), vna.ErrBusy)
	assert.ErrorIs(t, s.Configure(smallConfig()), vna.ErrBusy)
	_, err := s.Detach()
	assert.ErrorIs(t, err, vna.ErrBusy)

	s.Stop()
	assert.Equal(t, Idle, s.State())
	s.Stop()
	assert.Equal(t, Idle, s.State())
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	m := device.NewMock(device.MockConfig{ReadDelay: time.Millisecond})
	s, _ := newScheduler(t, m, smallConfig())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Start()
		}()
	}
	wg.Wait()
	close(errs)

	var ok, busy int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, vna.ErrBusy):
			busy++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, busy)
}

func TestOneShotSteppedSweep(t *testing.T) {
	m := device.NewMock(device.MockConfig{})
	m.SetDUT(device.Reflect(0.5))
	cfg := smallConfig()
	s, sink := newScheduler(t, m, cfg)

	got := measure(t, s)
	require.NoError(t, got.err)
	assert.Equal(t, cfg.Grid(), got.grid)
	require.Len(t, got.raws, cfg.Points)
	for i, raw := range got.raws {
		assert.True(t, raw.Valid, "index %d", i)
		assert.True(t, raw.TwoPort)
		assert.True(t, near(0.5, raw.S11()), "index %d: %v", i, raw.S11())
		assert.True(t, near(0.5, raw.S22()), "index %d: %v", i, raw.S22())
	}
	waitState(t, s, Idle)

	st := m.Stats()
	assert.Equal(t, cfg.Points, st.Tunes)
	assert.Equal(t, cfg.Points*(cfg.Settle+cfg.Average), st.Reads)
	assert.Equal(t, cfg.StopHz(), st.LastFreq)
	assert.Equal(t, cfg.Att1, st.Att1)
	assert.Equal(t, cfg.Att2, st.Att2)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, sink.pointOrder())

	select {
	case rec := <-sink.sweeps:
		assert.Len(t, rec.raws, cfg.Points)
	default:
		t.Fatal("sink did not receive the sweep")
	}
}

func TestTRModeSkipsReverse(t *testing.T) {
	m := device.NewMock(device.MockConfig{})
	cfg := smallConfig()
	cfg.ForceTR = true
	s, _ := newScheduler(t, m, cfg)
	assert.True(t, s.TRMode())

	got := measure(t, s)
	require.NoError(t, got.err)
	for _, raw := range got.raws {
		assert.False(t, raw.TwoPort)
		assert.Zero(t, raw.S22())
	}

	trDevice := device.NewMock(device.MockConfig{TR: true})
	s2, _ := newScheduler(t, trDevice, smallConfig())
	assert.True(t, s2.TRMode())
}

func TestSwapPortsAndDisableReference(t *testing.T) {
	m := device.NewMock(device.MockConfig{})
	m.SetDUT(device.DUT{
		S11: func(float64) complex128 { return 0.2 },
		S22: func(float64) complex128 { return 0.7 },
	})
	cfg := smallConfig()
	cfg.SwapPorts = true
	s, _ := newScheduler(t, m, cfg)

	got := measure(t, s)
	require.NoError(t, got.err)
	assert.True(t, near(0.7, got.raws[0].S11()))
	assert.True(t, near(0.2, got.raws[0].S22()))

	cfg.SwapPorts = false
	cfg.DisableReference = true
	require.NoError(t, s.Configure(cfg))
	got = measure(t, s)
	require.NoError(t, got.err)
	for _, raw := range got.raws {
		assert.Equal(t, complex(1, 0), raw.Forward.Reference)
		assert.Equal(t, complex(1, 0), raw.Reverse.Reference)
	}
}

func TestSecondMeasurementIsBusy(t *testing.T) {
	m := device.NewMock(device.MockConfig{ReadDelay: 2 * time.Millisecond})
	s, _ := newScheduler(t, m, smallConfig())

	done := make(chan struct{})
	require.NoError(t, s.TakeMeasurement(func(vna.Grid, []vna.RawMeasurement, error) { close(done) }))
	assert.ErrorIs(t, s.TakeMeasurement(func(vna.Grid, []vna.RawMeasurement, error) {}), vna.ErrBusy)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("measurement did not complete")
	}
	waitState(t, s, Idle)
	got := measure(t, s)
	assert.NoError(t, got.err)
}

func TestCancelMeasurement(t *testing.T) {
	m := device.NewMock(device.MockConfig{ReadDelay: time.Millisecond})
	s, _ := newScheduler(t, m, smallConfig())

	require.NoError(t, s.TakeMeasurement(func(vna.Grid, []vna.RawMeasurement, error) {
		t.Error("cancelled measurement must not be delivered")
	}))
	assert.True(t, s.CancelMeasurement())
	assert.False(t, s.CancelMeasurement())
	waitState(t, s, Idle)
}

func TestMeasurementPiggybacksOnContinuousScan(t *testing.T) {
	m := device.NewMock(device.MockConfig{})
	s, sink := newScheduler(t, m, smallConfig())

	require.NoError(t, s.Start())
	got := measure(t, s)
	require.NoError(t, got.err)
	assert.Len(t, got.raws, 5)
	assert.True(t, s.IsScanning())

	s.Stop()
	assert.Equal(t, Idle, s.State())
	assert.NotEmpty(t, sink.sweeps)
	assert.Zero(t, m.Stats().Begins)
}

func TestFaultIsDeliveredOnce(t *testing.T) {
	m := device.NewMock(device.MockConfig{FailAfter: 4})
	s, sink := newScheduler(t, m, smallConfig())

	got := measure(t, s)
	require.Error(t, got.err)
	assert.ErrorIs(t, got.err, vna.ErrDeviceIO)

	var fault error
	select {
	case fault = <-sink.faults:
	case <-time.After(2 * time.Second):
		t.Fatal("no fault delivered")
	}
	var ioErr *vna.DeviceIOError
	require.ErrorAs(t, fault, &ioErr)
	assert.Equal(t, 1, ioErr.Index)
	assert.ErrorIs(t, fault, device.ErrInjected)
	waitState(t, s, Faulted)

	select {
	case extra := <-sink.faults:
		t.Fatalf("fault delivered twice: %v", extra)
	case <-time.After(20 * time.Millisecond):
	}

	s.Stop()
	assert.Equal(t, Faulted, s.State())
}

func TestExclusiveResumesContinuousMode(t *testing.T) {
	m := device.NewMock(device.MockConfig{})
	s, _ := newScheduler(t, m, smallConfig())
	require.NoError(t, s.Start())

	err := s.Exclusive(func(tr vna.Transport, cfg *vna.SweepConfig) error {
		assert.False(t, s.IsScanning())
		assert.Same(t, m, tr)
		cfg.Points = 7
		return nil
	})
	require.NoError(t, err)
	assert.True(t, s.IsScanning())
	assert.Equal(t, 7, s.Config().Points)

	got := measure(t, s)
	assert.Len(t, got.raws, 7)
	s.Stop()
}

func TestExclusiveRejectsInvalidConfig(t *testing.T) {
	m := device.NewMock(device.MockConfig{})
	s, _ := newScheduler(t, m, smallConfig())

	err := s.Exclusive(func(_ vna.Transport, cfg *vna.SweepConfig) error {
		cfg.Points = 0
		return nil
	})
	assert.ErrorIs(t, err, vna.ErrInvalidSweepParameters)
	assert.Equal(t, 5, s.Config().Points)
	assert.False(t, s.IsScanning())
}

func TestAutosweepRefillsGap(t *testing.T) {
	m := device.NewMock(device.MockConfig{AutoSweep: true, DropOnce: []int{2}})
	s, sink := newScheduler(t, m, smallConfig())

	got := measure(t, s)
	require.NoError(t, got.err)
	require.Len(t, got.raws, 5)
	for i, raw := range got.raws {
		assert.True(t, raw.Valid, "index %d", i)
	}
	st := m.Stats()
	assert.Equal(t, 1, st.Begins)
	assert.Equal(t, 1, st.Requests)
	assert.Zero(t, st.Tunes)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, sink.pointOrder())
}

type faultSeen struct {
	state   State
	err     error
	restart error
}

// restartingSink restarts the scheduler from its first Fault.
type restartingSink struct {
	nopSink
	s    *Scheduler
	once sync.Once
	seen chan faultSeen
}

func (r *restartingSink) Fault(err error) {
	r.once.Do(func() {
		r.seen <- faultSeen{state: r.s.State(), err: err, restart: r.s.Start()}
	})
}

func TestFaultRunsAfterLoopExit(t *testing.T) {
	m := device.NewMock(device.MockConfig{FailAfter: 4})
	sink := &restartingSink{seen: make(chan faultSeen, 1)}
	s := New(logging.Nop(), WithSink(sink), WithRetry(2, time.Millisecond))
	sink.s = s
	require.NoError(t, s.Configure(smallConfig()))
	require.NoError(t, s.Attach(m))
	t.Cleanup(s.Stop)

	require.NoError(t, s.Start())
	var got faultSeen
	select {
	case got = <-sink.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("no fault delivered")
	}
	assert.Equal(t, Faulted, got.state)
	assert.ErrorIs(t, got.err, device.ErrInjected)
	require.NoError(t, got.restart, "Start from Fault must not deadlock or report busy")

	// the restarted loop hits the same failing device
	waitState(t, s, Faulted)
}

func TestAutosweepStreamEndsWhenLoopExits(t *testing.T) {
	m := device.NewMock(device.MockConfig{AutoSweep: true})
	s, _ := newScheduler(t, m, smallConfig())

	require.NoError(t, measure(t, s).err)
	require.Eventually(t, func() bool { return m.Stats().Ends == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return m.Stats().Begins == 2 }, 5*time.Second, time.Millisecond)
	s.Stop()
	st := m.Stats()
	assert.Equal(t, 2, st.Ends)
	assert.Equal(t, Idle, s.State())
}

func TestAutosweepGapFallsBackToSentinel(t *testing.T) {
	m := device.NewMock(device.MockConfig{AutoSweep: true, DropOnce: []int{1, 3}, RequestFails: true})
	s, _ := newScheduler(t, m, smallConfig())

	got := measure(t, s)
	require.NoError(t, got.err)
	require.Len(t, got.raws, 5)
	assert.False(t, got.raws[1].Valid)
	assert.False(t, got.raws[3].Valid)
	assert.True(t, got.raws[0].Valid)
	assert.True(t, got.raws[4].Valid)
	// two tries per missing index
	assert.Equal(t, 4, m.Stats().Requests)
}

func TestAutosweepWrapMarksTailMissing(t *testing.T) {
	m := device.NewMock(device.MockConfig{AutoSweep: true, WrapAfter: 3, RequestFails: true})
	s, _ := newScheduler(t, m, smallConfig())

	got := measure(t, s)
	require.NoError(t, got.err)
	require.Len(t, got.raws, 5)
	for i := 0; i < 3; i++ {
		assert.True(t, got.raws[i].Valid, "index %d", i)
	}
	assert.False(t, got.raws[3].Valid)
	assert.False(t, got.raws[4].Valid)
}

// scriptTransport replays tagged samples, then cycles through the grid.
type scriptTransport struct {
	mu     sync.Mutex
	tags   []int
	points int
	next   int
}

func (s *scriptTransport) Tune(context.Context, float64) error { return nil }

func (s *scriptTransport) ReadSample(context.Context, bool) (vna.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.next % s.points
	if len(s.tags) > 0 {
		idx, s.tags = s.tags[0], s.tags[1:]
	} else {
		s.next++
	}
	w := vna.Wave{Reference: 1, Reflected: complex(float64(idx), 0)}
	return vna.Sample{Index: idx, Forward: w, Reverse: w, HasReverse: true}, nil
}

func (s *scriptTransport) Capabilities() vna.Capabilities {
	return vna.Capabilities{AutoSweep: true}
}

func (s *scriptTransport) BeginAutoSweep(_ context.Context, cfg vna.SweepConfig) error {
	s.mu.Lock()
	s.points = cfg.Points
	s.mu.Unlock()
	return nil
}

func (s *scriptTransport) Close() error { return nil }

func TestAutosweepDropsOutOfRangeTags(t *testing.T) {
	tr := &scriptTransport{tags: []int{0, 1, 99, -3, 2, 3, 4}}
	s, _ := newScheduler(t, tr, smallConfig())

	got := measure(t, s)
	require.NoError(t, got.err)
	require.Len(t, got.raws, 5)
	for i, raw := range got.raws {
		assert.True(t, raw.Valid, "index %d", i)
		assert.Equal(t, complex(float64(i), 0), raw.S11())
	}
}

func TestAutosweepCarriesWrappedSample(t *testing.T) {
	// 0 1 2 | 0 1 2 3 4: the second 0 closes the first sweep and opens the next
	tr := &scriptTransport{tags: []int{0, 1, 2, 0, 1, 2, 3, 4}}
	s, sink := newScheduler(t, tr, smallConfig())
	require.NoError(t, s.Start())

	var first, second sweepRecord
	select {
	case first = <-sink.sweeps:
	case <-time.After(2 * time.Second):
		t.Fatal("no first sweep")
	}
	select {
	case second = <-sink.sweeps:
	case <-time.After(2 * time.Second):
		t.Fatal("no second sweep")
	}
	s.Stop()

	require.Len(t, first.raws, 5)
	assert.False(t, first.raws[3].Valid)
	assert.False(t, first.raws[4].Valid)
	require.Len(t, second.raws, 5)
	for i, raw := range second.raws {
		assert.True(t, raw.Valid, "index %d", i)
	}
}
