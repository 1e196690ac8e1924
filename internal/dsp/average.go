package dsp

import "github.com/rjboer/GoVNA/vna"

// WaveAccumulator averages transport samples of one frequency point.
// The zero value is ready to use.
type WaveAccumulator struct {
	fwd, rev   [3]complex128
	n          int
	hasReverse bool
}

// Reset discards accumulated samples.
func (a *WaveAccumulator) Reset() { *a = WaveAccumulator{} }

// Add accumulates one sample.
func (a *WaveAccumulator) Add(s vna.Sample) {
	a.fwd[0] += s.Forward.Reference
	a.fwd[1] += s.Forward.Reflected
	a.fwd[2] += s.Forward.Transmitted
	if s.HasReverse {
		a.rev[0] += s.Reverse.Reference
		a.rev[1] += s.Reverse.Reflected
		a.rev[2] += s.Reverse.Transmitted
		a.hasReverse = true
	}
	a.n++
}

// Count returns the number of accumulated samples.
func (a *WaveAccumulator) Count() int { return a.n }

// Mean returns the averaged measurement. It reports Valid=false when no
// sample was added.
func (a *WaveAccumulator) Mean() vna.RawMeasurement {
	if a.n == 0 {
		return vna.NoData()
	}
	k := complex(float64(a.n), 0)
	m := vna.RawMeasurement{
		Forward: vna.Wave{Reference: a.fwd[0] / k, Reflected: a.fwd[1] / k, Transmitted: a.fwd[2] / k},
		TwoPort: a.hasReverse,
		Valid:   true,
	}
	if a.hasReverse {
		m.Reverse = vna.Wave{Reference: a.rev[0] / k, Reflected: a.rev[1] / k, Transmitted: a.rev[2] / k}
	}
	return m
}

// MeanComplex returns the arithmetic mean of xs, or 0 for an empty slice.
func MeanComplex(xs []complex128) complex128 {
	if len(xs) == 0 {
		return 0
	}
	var sum complex128
	for _, x := range xs {
		sum += x
	}
	return sum / complex(float64(len(xs)), 0)
}
