package vna

import (
	"fmt"
	"time"
)

// Standard identifies a calibration standard.
type Standard int

const (
	StandardShort Standard = iota
	StandardOpen
	StandardLoad
	StandardThru
)

func (s Standard) String() string {
	switch s {
	case StandardShort:
		return "short"
	case StandardOpen:
		return "open"
	case StandardLoad:
		return "load"
	case StandardThru:
		return "thru"
	default:
		return fmt.Sprintf("standard(%d)", int(s))
	}
}

// ParseStandard converts a name such as "open" into a Standard.
func ParseStandard(s string) (Standard, error) {
	switch s {
	case "short":
		return StandardShort, nil
	case "open":
		return StandardOpen, nil
	case "load":
		return StandardLoad, nil
	case "thru", "through":
		return StandardThru, nil
	default:
		return 0, fmt.Errorf("unknown calibration standard %q", s)
	}
}

// ErrorTerms are the three one-port error terms of a port at one index.
// Valid is false when the index degraded to passthrough.
type ErrorTerms struct {
	E00    complex128 // directivity
	E11    complex128 // source match
	E10E01 complex128 // reflection tracking
	Valid  bool
}

// ThruTerms are the transmission terms of one direction at one index.
type ThruTerms struct {
	Tracking    complex128
	Leakage     complex128 // isolation measured with the load attached
	ReflLeakage complex128 // coupling proportional to the reflected wave
	LoadRefl    complex128 // raw reflection of the load standard
	Valid       bool
}

// Port and direction indices used by CalibrationSet.
const (
	Port1   = 0
	Port2   = 1
	Forward = 0
	Reverse = 1
)

// CalibrationSet holds solved error terms for every point of a grid.
type CalibrationSet struct {
	ID        string
	CreatedAt time.Time
	Grid      Grid
	TwoPort   bool
	Ports     [][]ErrorTerms // [port][index]
	Thru      [][]ThruTerms  // [direction][index], empty without a thru
}

// Fingerprint returns the grid fingerprint the set is keyed by.
func (s *CalibrationSet) Fingerprint() string { return s.Grid.Fingerprint() }

// SolvedPoints counts indices with valid port 1 terms.
func (s *CalibrationSet) SolvedPoints() int {
	if s == nil || len(s.Ports) == 0 {
		return 0
	}
	n := 0
	for _, t := range s.Ports[Port1] {
		if t.Valid {
			n++
		}
	}
	return n
}

// Validate checks that every per-index slice matches the grid.
func (s *CalibrationSet) Validate() error {
	if s.Grid.Points < 1 {
		return fmt.Errorf("%w: empty grid", ErrCalibrationDataMismatch)
	}
	if len(s.Ports) == 0 || len(s.Ports) > 2 {
		return fmt.Errorf("%w: expected 1 or 2 ports, got %d", ErrCalibrationDataMismatch, len(s.Ports))
	}
	for p, terms := range s.Ports {
		if len(terms) != s.Grid.Points {
			return fmt.Errorf("%w: port %d has %d points, grid has %d", ErrCalibrationDataMismatch, p+1, len(terms), s.Grid.Points)
		}
	}
	for d, terms := range s.Thru {
		if len(terms) != s.Grid.Points {
			return fmt.Errorf("%w: thru direction %d has %d points, grid has %d", ErrCalibrationDataMismatch, d, len(terms), s.Grid.Points)
		}
	}
	return nil
}
