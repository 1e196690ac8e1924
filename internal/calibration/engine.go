// Package calibration solves and applies the Short-Open-Load-Thru error model.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/rjboer/GoVNA/internal/dsp"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/storage"
	"github.com/rjboer/GoVNA/vna"
)

// StandardModel returns the actual reflection coefficients of the short,
// open and load standards at a frequency.
type StandardModel func(freqHz float64) (short, open, load complex128)

// IdealStandards models a perfect short (-1), open (+1) and load (0).
func IdealStandards(float64) (complex128, complex128, complex128) { return -1, 1, 0 }

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for solve diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStandardModel replaces the ideal standard definitions.
func WithStandardModel(m StandardModel) Option {
	return func(e *Engine) {
		if m != nil {
			e.model = m
		}
	}
}

// WithClock overrides the timestamp source for new sets.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine holds captured standards and the active calibration set.
// Correct is safe to call concurrently with the accessors.
type Engine struct {
	mu        sync.RWMutex
	logger    logging.Logger
	model     StandardModel
	now       func() time.Time
	standards map[vna.Standard]captured
	set       *vna.CalibrationSet
}

// captured is a standard's raw vector and the grid it was measured on.
type captured struct {
	grid vna.Grid
	raws []vna.RawMeasurement
}

// New builds an engine without calibration.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:    logging.Default(),
		model:     IdealStandards,
		now:       time.Now,
		standards: make(map[vna.Standard]captured),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.F("subsystem", "calibration"))
	return e
}

// SetStandard stores the raw vector of a standard measured on grid.
func (e *Engine) SetStandard(std vna.Standard, grid vna.Grid, raws []vna.RawMeasurement) {
	cp := make([]vna.RawMeasurement, len(raws))
	copy(cp, raws)
	e.mu.Lock()
	e.standards[std] = captured{grid: grid, raws: cp}
	e.mu.Unlock()
}

// Standards lists the standards captured so far.
func (e *Engine) Standards() []vna.Standard {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []vna.Standard
	for _, std := range []vna.Standard{vna.StandardShort, vna.StandardOpen, vna.StandardLoad, vna.StandardThru} {
		if _, ok := e.standards[std]; ok {
			out = append(out, std)
		}
	}
	return out
}

// ClearStandards forgets every captured standard.
func (e *Engine) ClearStandards() {
	e.mu.Lock()
	e.standards = make(map[vna.Standard]captured)
	e.mu.Unlock()
}

// IsCalibrated reports whether a set is installed.
func (e *Engine) IsCalibrated() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set != nil
}

// Set returns the installed set, or nil. The set must not be modified.
func (e *Engine) Set() *vna.CalibrationSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set
}

// Deny discards the installed set. Calling it again is a no-op.
func (e *Engine) Deny() {
	e.mu.Lock()
	e.set = nil
	e.mu.Unlock()
}

// Invalidate discards the installed set when it was not captured on grid.
// It reports whether a set was dropped.
func (e *Engine) Invalidate(grid vna.Grid) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set == nil || e.set.Fingerprint() == grid.Fingerprint() {
		return false
	}
	e.set = nil
	return true
}

// Install replaces the active set after checking it matches grid.
func (e *Engine) Install(set *vna.CalibrationSet, grid vna.Grid) error {
	if set == nil {
		return fmt.Errorf("%w: nil calibration set", vna.ErrCalibrationDataMismatch)
	}
	if err := set.Validate(); err != nil {
		return err
	}
	if set.Fingerprint() != grid.Fingerprint() {
		return fmt.Errorf("%w: calibration grid %s, sweep grid %s",
			vna.ErrCalibrationDataMismatch, set.Fingerprint(), grid.Fingerprint())
	}
	e.mu.Lock()
	e.set = set
	e.mu.Unlock()
	return nil
}

// ApplySOLT solves error terms for grid from the captured standards and
// installs the result. Short, open and load are required; a thru adds
// transmission terms. Every standard must have been captured on grid.
// Indices whose system is singular pass through uncorrected. The previous
// set is kept when ApplySOLT fails.
func (e *Engine) ApplySOLT(grid vna.Grid) error {
	e.mu.RLock()
	capS, okS := e.standards[vna.StandardShort]
	capO, okO := e.standards[vna.StandardOpen]
	capL, okL := e.standards[vna.StandardLoad]
	capT, okT := e.standards[vna.StandardThru]
	e.mu.RUnlock()
	short, open, load, thru := capS.raws, capO.raws, capL.raws, capT.raws

	var missing []string
	for _, c := range []struct {
		ok  bool
		std vna.Standard
	}{{okS, vna.StandardShort}, {okO, vna.StandardOpen}, {okL, vna.StandardLoad}} {
		if !c.ok {
			missing = append(missing, c.std.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing standards %v", vna.ErrCalibrationDataMismatch, missing)
	}

	n := grid.Points
	vectors := map[vna.Standard]captured{
		vna.StandardShort: capS, vna.StandardOpen: capO, vna.StandardLoad: capL,
	}
	if okT {
		vectors[vna.StandardThru] = capT
	}
	for std, c := range vectors {
		if len(c.raws) != n {
			return fmt.Errorf("%w: %s has %d points, sweep has %d", vna.ErrCalibrationDataMismatch, std, len(c.raws), n)
		}
		if c.grid.Fingerprint() != grid.Fingerprint() {
			return fmt.Errorf("%w: %s captured on grid %s, sweep grid %s",
				vna.ErrCalibrationDataMismatch, std, c.grid.Fingerprint(), grid.Fingerprint())
		}
	}

	twoPort := allTwoPort(short, open, load)
	ports := 1
	if twoPort {
		ports = 2
	}
	set := &vna.CalibrationSet{
		ID:        uuid.NewString(),
		CreatedAt: e.now().UTC(),
		Grid:      grid,
		TwoPort:   twoPort,
		Ports:     make([][]vna.ErrorTerms, ports),
	}

	var singular []int
	for p := 0; p < ports; p++ {
		set.Ports[p] = make([]vna.ErrorTerms, n)
		for i := 0; i < n; i++ {
			terms, cond, err := e.solvePort(p, grid.FreqAt(i), short[i], open[i], load[i])
			if err != nil {
				if p == vna.Port1 || !containsInt(singular, i) {
					singular = append(singular, i)
				}
				e.logger.Debug("calibration singular",
					logging.F("port", p+1),
					logging.F("index", i),
					logging.F("freq", humanize.SIWithDigits(grid.FreqAt(i), 3, "Hz")),
					logging.F("cond", cond),
					logging.Err(err))
				continue
			}
			set.Ports[p][i] = terms
		}
	}

	if okT {
		dirs := 1
		if twoPort && allTwoPort(thru) {
			dirs = 2
		}
		set.Thru = make([][]vna.ThruTerms, dirs)
		for d := 0; d < dirs; d++ {
			set.Thru[d] = make([]vna.ThruTerms, n)
			for i := 0; i < n; i++ {
				set.Thru[d][i] = solveThru(d, short[i], open[i], load[i], thru[i])
			}
		}
	}

	solved := set.SolvedPoints()
	if solved == 0 {
		return fmt.Errorf("%w: no frequency point could be solved", vna.ErrCalibrationSingular)
	}
	if len(singular) > 0 {
		e.logger.Warn("calibration singular at some points, they stay uncorrected",
			logging.F("singular", len(singular)),
			logging.F("first_index", singular[0]),
			logging.Err(vna.ErrCalibrationSingular))
	}

	e.mu.Lock()
	e.set = set
	e.mu.Unlock()
	e.logger.Info("calibration applied",
		logging.F("id", set.ID),
		logging.F("points", n),
		logging.F("solved", solved),
		logging.F("two_port", twoPort),
		logging.F("thru", okT))
	return nil
}

// solvePort solves e00, e11 and e10e01 from three reflection standards:
//
//	Γm = e00 + Γ·Γm·e11 − Γ·Δ,  Δ = e00·e11 − e10e01
func (e *Engine) solvePort(port int, freq float64, short, open, load vna.RawMeasurement) (vna.ErrorTerms, float64, error) {
	if !short.Valid || !open.Valid || !load.Valid {
		return vna.ErrorTerms{}, 0, errors.New("standard has no data at this point")
	}
	gs, gopen, gl := e.model(freq)
	actual := [3]complex128{gs, gopen, gl}
	measured := [3]complex128{reflection(port, short), reflection(port, open), reflection(port, load)}

	var a [3][3]complex128
	var b [3]complex128
	for k := 0; k < 3; k++ {
		a[k] = [3]complex128{1, actual[k] * measured[k], -actual[k]}
		b[k] = measured[k]
	}
	x, cond, err := dsp.SolveComplex3(a, b)
	if err != nil {
		return vna.ErrorTerms{}, cond, err
	}
	e00, e11, delta := x[0], x[1], x[2]
	return vna.ErrorTerms{E00: e00, E11: e11, E10E01: e00*e11 - delta, Valid: true}, cond, nil
}

func solveThru(dir int, short, open, load, thru vna.RawMeasurement) vna.ThruTerms {
	if !short.Valid || !open.Valid || !load.Valid || !thru.Valid {
		return vna.ThruTerms{}
	}
	t := vna.ThruTerms{
		Leakage:  transmission(dir, load),
		LoadRefl: reflection(dir, load),
	}
	if den := reflection(dir, short) - reflection(dir, open); den != 0 {
		t.ReflLeakage = (transmission(dir, short) - transmission(dir, open)) / den
	}
	t.Tracking = transmission(dir, thru) - leak(t, reflection(dir, thru))
	t.Valid = t.Tracking != 0
	return t
}

func reflection(dir int, m vna.RawMeasurement) complex128 {
	if dir == vna.Reverse {
		return m.S22()
	}
	return m.S11()
}

func transmission(dir int, m vna.RawMeasurement) complex128 {
	if dir == vna.Reverse {
		return m.S12()
	}
	return m.S21()
}

func allTwoPort(vecs ...[]vna.RawMeasurement) bool {
	seen := false
	for _, v := range vecs {
		for _, m := range v {
			if !m.Valid {
				continue
			}
			if !m.TwoPort {
				return false
			}
			seen = true
		}
	}
	return seen
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Save writes the installed set to path; see storage.Open for formats.
func (e *Engine) Save(ctx context.Context, path string) error {
	set := e.Set()
	if set == nil {
		return errors.New("calibration: nothing to save")
	}
	store := storage.Open(path)
	defer store.Close()
	if err := store.Save(ctx, set); err != nil {
		return fmt.Errorf("saving calibration to %s: %w", path, err)
	}
	e.logger.Info("calibration saved", logging.F("path", path), logging.F("id", set.ID))
	return nil
}

// Load reads the set stored for grid at path and installs it. A set captured
// on another grid fails with vna.ErrCalibrationDataMismatch.
func (e *Engine) Load(ctx context.Context, path string, grid vna.Grid) error {
	store := storage.Open(path)
	defer store.Close()
	set, err := store.Load(ctx, grid.Fingerprint())
	if err != nil {
		return fmt.Errorf("loading calibration from %s: %w", path, err)
	}
	if err := e.Install(set, grid); err != nil {
		return err
	}
	e.logger.Info("calibration loaded", logging.F("path", path), logging.F("id", set.ID))
	return nil
}
