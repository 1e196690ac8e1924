package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// TimeDomain is the windowed inverse transform of a frequency sweep.
type TimeDomain struct {
	// StepSec is the time spacing between Response bins.
	StepSec  float64
	Response []complex128
}

// MagnitudeDB returns 20·log10|h| for every bin, -Inf for empty bins.
func (td TimeDomain) MagnitudeDB() []float64 {
	out := make([]float64, len(td.Response))
	for i, v := range td.Response {
		mag := cmplx.Abs(v)
		if mag == 0 {
			out[i] = math.Inf(-1)
			continue
		}
		out[i] = 20 * math.Log10(mag)
	}
	return out
}

// Peak returns the bin with the largest magnitude and its delay in seconds.
func (td TimeDomain) Peak() (int, float64) {
	best, bin := -1.0, 0
	for i, v := range td.Response {
		if m := cmplx.Abs(v); m > best {
			best, bin = m, i
		}
	}
	return bin, float64(bin) * td.StepSec
}

// ImpulseResponse transforms equally spaced frequency data into the time
// domain. The data is Hamming windowed, zero padded to a power of two of at
// least four times its length and normalized by the window sum.
func ImpulseResponse(data []complex128, stepHz float64) TimeDomain {
	if len(data) == 0 || stepHz <= 0 {
		return TimeDomain{}
	}
	win := Hamming(len(data))
	windowed := ApplyWindow(data, win)
	sumWin := 0.0
	for _, v := range win {
		sumWin += v
	}

	n := 1
	for n < 4*len(data) {
		n <<= 1
	}
	padded := make([]complex128, n)
	copy(padded, windowed)

	seq := fourier.NewCmplxFFT(n).Sequence(nil, padded)
	for i := range seq {
		seq[i] /= complex(sumWin, 0)
	}
	return TimeDomain{
		StepSec:  1 / (float64(n) * stepHz),
		Response: seq,
	}
}
