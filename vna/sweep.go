package vna

import (
	"fmt"
	"math"
	"strconv"
)

// Defaults used by a freshly created analyzer.
const (
	DefaultStartHz = 200e6
	DefaultStepHz  = 25e6
	DefaultPoints  = 50
	DefaultAverage = 30
	DefaultSettle  = 20
	DefaultAtt     = 25
)

// Grid is the frequency grid of a sweep. Calibration data is only valid for
// the grid it was captured on.
type Grid struct {
	StartHz float64 `json:"startHz" yaml:"startHz"`
	StepHz  float64 `json:"stepHz" yaml:"stepHz"`
	Points  int     `json:"points" yaml:"points"`
}

// FreqAt returns the frequency of index i in Hz.
func (g Grid) FreqAt(i int) float64 {
	return g.StartHz + float64(i)*g.StepHz
}

// StopHz returns the frequency of the last point.
func (g Grid) StopHz() float64 {
	return g.FreqAt(g.Points - 1)
}

// Fingerprint identifies the grid using the exact bits of its floats, so two
// grids share a fingerprint only if they produce identical frequencies.
func (g Grid) Fingerprint() string {
	return strconv.FormatUint(math.Float64bits(g.StartHz), 16) + ":" +
		strconv.FormatUint(math.Float64bits(g.StepHz), 16) + ":" +
		strconv.Itoa(g.Points)
}

// StepFor returns the step that spreads points evenly over start..stop. A
// single point sweep has step 0.
func StepFor(startHz, stopHz float64, points int) float64 {
	if points <= 1 {
		return 0
	}
	return (stopHz - startHz) / float64(points-1)
}

// SweepConfig holds every parameter of a sweep. It is a value type and is
// always replaced as a whole.
type SweepConfig struct {
	StartHz float64
	StepHz  float64
	Points  int
	Average int // samples averaged per point
	Settle  int // samples discarded after tuning

	DisableReference bool // do not divide by the reference receiver
	ForceTR          bool // use T/R mode on a full two-port device
	SwapPorts        bool // only meaningful on a full two-port device

	Att1 int // port 1 attenuation in dB
	Att2 int // port 2 attenuation in dB
}

// DefaultSweepConfig returns the power-on sweep configuration.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		StartHz: DefaultStartHz,
		StepHz:  DefaultStepHz,
		Points:  DefaultPoints,
		Average: DefaultAverage,
		Settle:  DefaultSettle,
		Att1:    DefaultAtt,
		Att2:    DefaultAtt,
	}
}

// Grid returns the frequency grid of the configuration.
func (c SweepConfig) Grid() Grid {
	return Grid{StartHz: c.StartHz, StepHz: c.StepHz, Points: c.Points}
}

// FreqAt returns the frequency of index i in Hz.
func (c SweepConfig) FreqAt(i int) float64 { return c.Grid().FreqAt(i) }

// StopHz returns the frequency of the last point.
func (c SweepConfig) StopHz() float64 { return c.Grid().StopHz() }

// Validate checks the configuration.
func (c SweepConfig) Validate() error {
	switch {
	case c.Points < 1:
		return fmt.Errorf("%w: points must be at least 1, got %d", ErrInvalidSweepParameters, c.Points)
	case c.Average < 1:
		return fmt.Errorf("%w: average must be at least 1, got %d", ErrInvalidSweepParameters, c.Average)
	case c.Settle < 0:
		return fmt.Errorf("%w: settle count cannot be negative, got %d", ErrInvalidSweepParameters, c.Settle)
	case math.IsNaN(c.StartHz) || math.IsInf(c.StartHz, 0) || c.StartHz < 0:
		return fmt.Errorf("%w: invalid start frequency %v", ErrInvalidSweepParameters, c.StartHz)
	case math.IsNaN(c.StepHz) || math.IsInf(c.StepHz, 0) || c.StepHz < 0:
		return fmt.Errorf("%w: invalid step frequency %v", ErrInvalidSweepParameters, c.StepHz)
	}
	return nil
}
