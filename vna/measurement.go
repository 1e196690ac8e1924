package vna

import "time"

// Wave holds the receiver readings for one excitation direction.
type Wave struct {
	Reference   complex128 // incident wave at the driven port
	Reflected   complex128 // wave returning to the driven port
	Transmitted complex128 // wave arriving at the opposite port
}

// Sample is one reading as returned by a transport.
type Sample struct {
	Index      int // autosweep point tag, -1 for stepped reads
	Forward    Wave
	Reverse    Wave
	HasReverse bool
}

// RawMeasurement is the averaged reading of one frequency point.
//
// Valid is false when the point could not be measured (an autosweep gap that
// could not be recovered); the value then carries no data but keeps its slot
// so sweeps never shrink.
type RawMeasurement struct {
	Forward Wave
	Reverse Wave
	TwoPort bool
	Valid   bool
}

// NoData returns the sentinel for a point that could not be measured.
func NoData() RawMeasurement { return RawMeasurement{} }

func ratio(num, den complex128) complex128 {
	if den == 0 {
		return 0
	}
	return num / den
}

// S11 is the uncorrected port 1 reflection.
func (m RawMeasurement) S11() complex128 { return ratio(m.Forward.Reflected, m.Forward.Reference) }

// S21 is the uncorrected forward transmission.
func (m RawMeasurement) S21() complex128 { return ratio(m.Forward.Transmitted, m.Forward.Reference) }

// S22 is the uncorrected port 2 reflection.
func (m RawMeasurement) S22() complex128 {
	if !m.TwoPort {
		return 0
	}
	return ratio(m.Reverse.Reflected, m.Reverse.Reference)
}

// S12 is the uncorrected reverse transmission.
func (m RawMeasurement) S12() complex128 {
	if !m.TwoPort {
		return 0
	}
	return ratio(m.Reverse.Transmitted, m.Reverse.Reference)
}

// SParams converts the reading into uncorrected S-parameters.
func (m RawMeasurement) SParams() SParams {
	return SParams{
		S11:     m.S11(),
		S21:     m.S21(),
		S12:     m.S12(),
		S22:     m.S22(),
		TwoPort: m.TwoPort,
		Valid:   m.Valid,
	}
}

// SParams is a (possibly corrected) scattering matrix of one point.
type SParams struct {
	S11, S21, S12, S22 complex128

	TwoPort bool
	Valid   bool
}

// SweepResult is one complete sweep. Points and Raw always have
// Grid.Points entries.
type SweepResult struct {
	Grid       Grid
	Points     []SParams
	Raw        []RawMeasurement
	Calibrated bool
	Timestamp  time.Time
}

// FreqAt returns the frequency of index i in Hz.
func (r SweepResult) FreqAt(i int) float64 { return r.Grid.FreqAt(i) }
