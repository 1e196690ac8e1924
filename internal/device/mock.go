package device

import (
	"context"
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"sync"
	"time"

	"github.com/rjboer/GoVNA/vna"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("device: transport closed")

// ErrInjected is the failure produced by the mock error model.
var ErrInjected = errors.New("device: injected failure")

// ErrorModel describes the systematic errors of the simulated front-end,
// indexed by port (reflection terms) or direction (transmission terms).
type ErrorModel struct {
	Directivity  [2]complex128 // e00
	SourceMatch  [2]complex128 // e11
	Tracking     [2]complex128 // e10e01
	Leakage      [2]complex128
	ReflLeakage  [2]complex128
	Transmission [2]complex128
}

// IdealErrorModel describes a perfect front-end.
func IdealErrorModel() ErrorModel {
	return ErrorModel{
		Tracking:     [2]complex128{1, 1},
		Transmission: [2]complex128{1, 1},
	}
}

// DefaultErrorModel returns a plausibly imperfect front-end.
func DefaultErrorModel() ErrorModel {
	return ErrorModel{
		Directivity:  [2]complex128{0.05 + 0.02i, -0.03 + 0.04i},
		SourceMatch:  [2]complex128{0.1 - 0.05i, 0.08 + 0.06i},
		Tracking:     [2]complex128{0.9 + 0.1i, 0.85 - 0.2i},
		Leakage:      [2]complex128{0.002 - 0.001i, -0.001 + 0.003i},
		ReflLeakage:  [2]complex128{0.01 + 0.005i, 0.004 - 0.006i},
		Transmission: [2]complex128{0.7 - 0.3i, 0.75 + 0.25i},
	}
}

// DUT is the simulated device under test. Nil functions read as zero.
type DUT struct {
	S11, S21, S12, S22 func(freqHz float64) complex128
}

func eval(fn func(float64) complex128, f float64) complex128 {
	if fn == nil {
		return 0
	}
	return fn(f)
}

func constant(v complex128) func(float64) complex128 {
	return func(float64) complex128 { return v }
}

// Reflect terminates both ports with reflection coefficient g.
func Reflect(g complex128) DUT { return DUT{S11: constant(g), S22: constant(g)} }

// ShortStandard, OpenStandard and LoadStandard are ideal one-port standards
// on both ports.
func ShortStandard() DUT { return Reflect(-1) }
func OpenStandard() DUT  { return Reflect(1) }
func LoadStandard() DUT  { return Reflect(0) }

// ThruStandard is an ideal zero length connection between the ports.
func ThruStandard() DUT { return DUT{S21: constant(1), S12: constant(1)} }

// MockConfig controls the simulated analyzer.
type MockConfig struct {
	TR        bool
	AutoSweep bool
	Errors    ErrorModel
	// Noise is the standard deviation of gaussian noise added to responses.
	Noise float64
	Seed  int64
	// FailAfter makes ReadSample fail once this many samples were read.
	FailAfter int
	// DropOnce lists autosweep indices skipped the first time they come up.
	DropOnce []int
	// WrapAfter restarts the autosweep at index 0 after this many samples, once.
	WrapAfter int
	// RequestFails makes RequestPoint fail.
	RequestFails bool
	ReadDelay    time.Duration
}

// MockStats is a snapshot of mock activity.
type MockStats struct {
	Tunes     int
	Reads     int
	Requests  int
	Begins    int
	Ends      int
	Att1      int
	Att2      int
	Debug     bool
	Closed    bool
	LastFreq  float64
	LastSweep vna.SweepConfig
}

// Mock is an in-process analyzer with a synthetic DUT behind a configurable
// error model.
type Mock struct {
	mu    sync.Mutex
	cfg   MockConfig
	dut   DUT
	rng   *rand.Rand
	freq  float64
	stats MockStats

	sweep     vna.SweepConfig
	sweeping  bool
	cursor    int
	emitted   int
	wrapAfter int
	drop      map[int]bool
}

// NewMock builds a mock analyzer measuring a load.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Errors == (ErrorModel{}) {
		cfg.Errors = IdealErrorModel()
	}
	drop := make(map[int]bool, len(cfg.DropOnce))
	for _, i := range cfg.DropOnce {
		drop[i] = true
	}
	return &Mock{
		cfg:       cfg,
		dut:       LoadStandard(),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		drop:      drop,
		wrapAfter: cfg.WrapAfter,
	}
}

// SetDUT swaps the device under test.
func (m *Mock) SetDUT(d DUT) {
	m.mu.Lock()
	m.dut = d
	m.mu.Unlock()
}

// Stats returns a snapshot of activity counters.
func (m *Mock) Stats() MockStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Mock) Capabilities() vna.Capabilities {
	return vna.Capabilities{TR: m.cfg.TR, AutoSweep: m.cfg.AutoSweep}
}

func (m *Mock) Tune(ctx context.Context, freqHz float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.Closed {
		return ErrClosed
	}
	m.freq = freqHz
	m.stats.Tunes++
	m.stats.LastFreq = freqHz
	return nil
}

func (m *Mock) ReadSample(ctx context.Context, withReverse bool) (vna.Sample, error) {
	if m.cfg.ReadDelay > 0 {
		select {
		case <-time.After(m.cfg.ReadDelay):
		case <-ctx.Done():
			return vna.Sample{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return vna.Sample{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.Closed {
		return vna.Sample{}, ErrClosed
	}
	if m.cfg.FailAfter > 0 && m.stats.Reads >= m.cfg.FailAfter {
		return vna.Sample{}, ErrInjected
	}
	m.stats.Reads++
	withReverse = withReverse && !m.cfg.TR

	if !m.sweeping {
		s := m.measure(m.freq, withReverse)
		s.Index = -1
		return s, nil
	}

	n := m.sweep.Points
	for {
		idx := m.cursor
		m.cursor++
		if m.cursor >= n {
			m.cursor = 0
		}
		if m.drop[idx] {
			delete(m.drop, idx)
			continue
		}
		m.emitted++
		if m.wrapAfter > 0 && m.emitted == m.wrapAfter {
			m.cursor = 0
			m.wrapAfter = 0
		}
		s := m.measure(m.sweep.FreqAt(idx), withReverse)
		s.Index = idx
		return s, nil
	}
}

func (m *Mock) SetAttenuation(ctx context.Context, att1, att2 int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.Closed {
		return ErrClosed
	}
	m.stats.Att1, m.stats.Att2 = att1, att2
	return nil
}

func (m *Mock) BeginAutoSweep(ctx context.Context, cfg vna.SweepConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.cfg.AutoSweep {
		return errors.New("device: autosweep not supported")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.Closed {
		return ErrClosed
	}
	m.sweep = cfg
	m.sweeping = true
	m.cursor = 0
	m.emitted = 0
	m.stats.Begins++
	m.stats.LastSweep = cfg
	return nil
}

func (m *Mock) EndAutoSweep(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.Closed {
		return ErrClosed
	}
	if m.sweeping {
		m.sweeping = false
		m.stats.Ends++
	}
	return nil
}

func (m *Mock) RequestPoint(ctx context.Context, index int) (vna.Sample, error) {
	if err := ctx.Err(); err != nil {
		return vna.Sample{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Requests++
	if m.stats.Closed {
		return vna.Sample{}, ErrClosed
	}
	if m.cfg.RequestFails {
		return vna.Sample{}, ErrInjected
	}
	if !m.sweeping || index < 0 || index >= m.sweep.Points {
		return vna.Sample{}, errors.New("device: point out of range")
	}
	s := m.measure(m.sweep.FreqAt(index), !m.cfg.TR)
	s.Index = index
	return s, nil
}

func (m *Mock) SetDebug(on bool) {
	m.mu.Lock()
	m.stats.Debug = on
	m.mu.Unlock()
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.stats.Closed = true
	m.sweeping = false
	m.mu.Unlock()
	return nil
}

// measure synthesizes one reading. m.mu must be held.
func (m *Mock) measure(f float64, withReverse bool) vna.Sample {
	s := vna.Sample{
		Forward:    m.wave(f, vna.Port1, m.dut.S11, m.dut.S21),
		HasReverse: withReverse,
	}
	if withReverse {
		s.Reverse = m.wave(f, vna.Port2, m.dut.S22, m.dut.S12)
	}
	return s
}

func (m *Mock) wave(f float64, port int, refl, trans func(float64) complex128) vna.Wave {
	e := m.cfg.Errors
	g := eval(refl, f)
	gm := e.Directivity[port] + e.Tracking[port]*g/(1-e.SourceMatch[port]*g)
	tm := e.Leakage[port] + e.ReflLeakage[port]*(gm-e.Directivity[port]) + e.Transmission[port]*eval(trans, f)

	// reference receiver sees the source with a frequency dependent phase
	a := complex(0.5, 0) * cmplx.Exp(complex(0, 2*math.Pi*f*1e-9))
	return vna.Wave{
		Reference:   a,
		Reflected:   a*gm + m.noise(),
		Transmitted: a*tm + m.noise(),
	}
}

func (m *Mock) noise() complex128 {
	if m.cfg.Noise == 0 {
		return 0
	}
	return complex(m.rng.NormFloat64()*m.cfg.Noise, m.rng.NormFloat64()*m.cfg.Noise)
}

var (
	_ vna.Transport      = (*Mock)(nil)
	_ vna.Attenuator     = (*Mock)(nil)
	_ vna.AutoSweeper    = (*Mock)(nil)
	_ vna.PointRequester = (*Mock)(nil)
	_ vna.Debugger       = (*Mock)(nil)
)
