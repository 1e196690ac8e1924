// Package acquisition runs the background sweep loop of an analyzer.
//
// A Scheduler owns exactly one loop goroutine per attached transport. Point
// and Sweep run synchronously on that goroutine, so a slow sink stalls the
// sweep. Calling Stop, Exclusive or Configure from inside Point or Sweep
// deadlocks and is not allowed.
//
// Fault is different: it runs after the loop has exited and the state is
// already Faulted. A Start or TakeMeasurement issued meanwhile, including one
// issued from Fault itself, launches a new loop that may sweep while Fault is
// still running.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// State is the lifecycle state of the loop.
type State int32

const (
	Idle State = iota
	Scanning
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Sink receives loop output. Calls arrive on the loop goroutine.
type Sink interface {
	// Point is called once per index with the averaged reading.
	Point(index int, freqHz float64, raw vna.RawMeasurement)
	// Sweep is called after the last index. raws has grid.Points entries
	// and is owned by the callee.
	Sweep(grid vna.Grid, raws []vna.RawMeasurement)
	// Fault is called once when the loop stopped on a device error. It runs
	// after the loop has exited and may overlap a loop started since.
	Fault(err error)
}

// MeasurementFunc receives the sweep requested with TakeMeasurement. err is
// non-nil when the loop faulted before the sweep completed.
type MeasurementFunc func(grid vna.Grid, raws []vna.RawMeasurement, err error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSink sets the receiver of points, sweeps and faults.
func WithSink(s Sink) Option {
	return func(sc *Scheduler) {
		if s != nil {
			sc.sink = s
		}
	}
}

// WithRetry bounds autosweep point re-requests: at most tries attempts per
// missing index, starting interval apart and growing exponentially.
func WithRetry(tries int, interval time.Duration) Option {
	return func(sc *Scheduler) {
		if tries >= 0 {
			sc.retryTries = tries
		}
		if interval > 0 {
			sc.retryInterval = interval
		}
	}
}

// Default re-request policy.
const (
	DefaultRetryTries    = 3
	DefaultRetryInterval = 20 * time.Millisecond
)

type slot struct {
	fn    MeasurementFunc
	armed bool // a sweep started after registration
}

// Scheduler drives sweeps against a vna.Transport.
type Scheduler struct {
	// ctl serializes foreground control operations. The loop never takes it.
	ctl sync.Mutex

	// mu guards the fields shared with the loop goroutine.
	mu         sync.Mutex
	slot       *slot
	continuous bool

	state atomic.Int32

	transport vna.Transport
	cfg       vna.SweepConfig
	cancel    context.CancelFunc
	done      chan struct{}

	sink          Sink
	logger        logging.Logger
	retryTries    int
	retryInterval time.Duration
}

// New creates an idle scheduler with the default sweep configuration.
func New(logger logging.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{
		cfg:           vna.DefaultSweepConfig(),
		sink:          nopSink{},
		logger:        logger.With(logging.F("subsystem", "acquisition")),
		retryTries:    DefaultRetryTries,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current loop state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// IsScanning reports whether the loop goroutine is running.
func (s *Scheduler) IsScanning() bool { return s.State() == Scanning }

// Config returns the sweep configuration in use.
func (s *Scheduler) Config() vna.SweepConfig {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.cfg
}

// Capabilities returns the attached transport's capabilities.
func (s *Scheduler) Capabilities() vna.Capabilities {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.transport == nil {
		return vna.Capabilities{}
	}
	return s.transport.Capabilities()
}

// TRMode reports whether sweeps skip the reverse direction.
func (s *Scheduler) TRMode() bool {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.trMode()
}

func (s *Scheduler) trMode() bool {
	return s.cfg.ForceTR || (s.transport != nil && s.transport.Capabilities().TR)
}

// Attach hands a transport to the scheduler.
func (s *Scheduler) Attach(t vna.Transport) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.IsScanning() {
		return vna.ErrBusy
	}
	s.join()
	s.transport = t
	s.state.Store(int32(Idle))
	return nil
}

// Detach releases the transport without closing it.
func (s *Scheduler) Detach() (vna.Transport, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.IsScanning() {
		return nil, vna.ErrBusy
	}
	s.join()
	t := s.transport
	s.transport = nil
	s.state.Store(int32(Idle))
	return t, nil
}

// Configure replaces the sweep configuration. The loop must not be running;
// use Exclusive to reconfigure a scanning scheduler.
func (s *Scheduler) Configure(cfg vna.SweepConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.IsScanning() {
		return vna.ErrBusy
	}
	s.cfg = cfg
	return nil
}

// Start begins continuous sweeping.
func (s *Scheduler) Start() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.transport == nil {
		return vna.ErrNotOpen
	}
	s.mu.Lock()
	if s.IsScanning() {
		s.mu.Unlock()
		return vna.ErrBusy
	}
	s.mu.Unlock()
	s.launch(true)
	return nil
}

// Stop cancels the loop at the next point boundary and waits for it to exit.
// A pending measurement stays registered.
func (s *Scheduler) Stop() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.halt()
}

// TakeMeasurement registers fn for the next complete sweep that starts after
// this call. An idle scheduler runs a single sweep for it.
func (s *Scheduler) TakeMeasurement(fn MeasurementFunc) error {
	if fn == nil {
		return errors.New("acquisition: nil measurement callback")
	}
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.transport == nil {
		return vna.ErrNotOpen
	}
	s.mu.Lock()
	if s.slot != nil {
		s.mu.Unlock()
		return vna.ErrBusy
	}
	s.slot = &slot{fn: fn}
	running := s.IsScanning()
	s.mu.Unlock()
	if !running {
		s.launch(false)
	}
	return nil
}

// CancelMeasurement drops a pending measurement without calling it. A
// single sweep started only for it still runs to completion.
func (s *Scheduler) CancelMeasurement() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.slot != nil
	s.slot = nil
	return had
}

// AbortMeasurement fails a pending measurement with err. The callback runs
// on the calling goroutine.
func (s *Scheduler) AbortMeasurement(err error) bool {
	s.mu.Lock()
	sl := s.slot
	s.slot = nil
	s.mu.Unlock()
	if sl == nil {
		return false
	}
	sl.fn(vna.Grid{}, nil, err)
	return true
}

// Exclusive stops the loop, runs fn while nothing touches the transport and
// then resumes the previous mode.
func (s *Scheduler) Exclusive(fn func(t vna.Transport, cfg *vna.SweepConfig) error) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	wasContinuous := s.halt()

	cfg := s.cfg
	err := fn(s.transport, &cfg)
	if err == nil {
		if verr := cfg.Validate(); verr != nil {
			err = verr
		} else {
			s.cfg = cfg
		}
	}

	if s.transport == nil {
		return err
	}
	s.mu.Lock()
	pending := s.slot != nil
	s.mu.Unlock()
	switch {
	case wasContinuous:
		s.launch(true)
	case pending:
		s.launch(false)
	}
	return err
}

// halt stops a running loop and reports whether it was continuous.
// s.ctl must be held.
func (s *Scheduler) halt() bool {
	s.mu.Lock()
	wasContinuous := s.IsScanning() && s.continuous
	if s.cancel != nil {
		s.cancel()
	}
	if s.slot != nil {
		s.slot.armed = false
	}
	s.mu.Unlock()
	s.join()
	return wasContinuous
}

// join waits for a previous loop goroutine. s.ctl must be held.
func (s *Scheduler) join() {
	if s.done != nil {
		<-s.done
		s.done = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// launch starts the loop goroutine. s.ctl must be held and the transport set.
func (s *Scheduler) launch(continuous bool) {
	s.join()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.continuous = continuous
	s.mu.Unlock()
	s.state.Store(int32(Scanning))
	s.cancel = cancel
	s.done = done

	l := &loop{
		sched:  s,
		t:      s.transport,
		cfg:    s.cfg,
		trMode: s.trMode(),
		logger: s.logger,
	}
	go func() {
		err := l.run(ctx)
		// Release joiners first so Fault may restart the loop.
		close(done)
		if err != nil {
			s.sink.Fault(err)
		}
	}()
}

// sweepStarted arms a pending measurement.
func (s *Scheduler) sweepStarted() {
	s.mu.Lock()
	if s.slot != nil {
		s.slot.armed = true
	}
	s.mu.Unlock()
}

// sweepDone delivers a finished sweep and reports whether the loop should
// keep going. Leaving the loop and marking the scheduler idle happen under
// one lock so a measurement registered meanwhile is never stranded.
func (s *Scheduler) sweepDone(ctx context.Context, grid vna.Grid, raws []vna.RawMeasurement) bool {
	out := make([]vna.RawMeasurement, len(raws))
	copy(out, raws)
	s.sink.Sweep(grid, out)

	s.mu.Lock()
	var fn MeasurementFunc
	if s.slot != nil && s.slot.armed {
		fn = s.slot.fn
		s.slot = nil
	}
	more := true
	switch {
	case ctx.Err() != nil:
		more = false
	case !s.continuous && s.slot == nil:
		s.state.Store(int32(Idle))
		more = false
	}
	s.mu.Unlock()

	if fn != nil {
		mine := make([]vna.RawMeasurement, len(raws))
		copy(mine, raws)
		fn(grid, mine, nil)
	}
	return more
}

// finish records how the loop ended. A pending measurement learns about a
// fault through its callback.
func (s *Scheduler) finish(grid vna.Grid, err error) {
	s.mu.Lock()
	if err == nil {
		s.state.CompareAndSwap(int32(Scanning), int32(Idle))
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(Faulted))
	var fn MeasurementFunc
	if s.slot != nil {
		fn = s.slot.fn
		s.slot = nil
	}
	s.mu.Unlock()
	if fn != nil {
		fn(grid, nil, err)
	}
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(%s)", s.State())
}

type nopSink struct{}

func (nopSink) Point(int, float64, vna.RawMeasurement) {}
func (nopSink) Sweep(vna.Grid, []vna.RawMeasurement)   {}
func (nopSink) Fault(error)                            {}
