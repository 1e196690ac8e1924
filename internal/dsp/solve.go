package dsp

import (
	"errors"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// MaxCondition is the largest condition number accepted by SolveComplex3.
// Above it the solution is dominated by rounding and measurement noise.
const MaxCondition = 1e12

// ErrIllConditioned is returned when a system is singular or too close to it.
var ErrIllConditioned = errors.New("dsp: system is singular or ill-conditioned")

// SolveComplex3 solves a·x = b for a 3x3 complex system. The system is
// embedded into a 6x6 real system and factorized with LU; the returned
// condition number is that of the real embedding.
func SolveComplex3(a [3][3]complex128, b [3]complex128) ([3]complex128, float64, error) {
	var x [3]complex128
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			if cmplx.IsNaN(a[r][c]) || cmplx.IsInf(a[r][c]) {
				return x, math.Inf(1), ErrIllConditioned
			}
		}
		if cmplx.IsNaN(b[r]) || cmplx.IsInf(b[r]) {
			return x, math.Inf(1), ErrIllConditioned
		}
	}

	A := mat.NewDense(6, 6, nil)
	rhs := mat.NewVecDense(6, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			re, im := real(a[r][c]), imag(a[r][c])
			A.Set(r, c, re)
			A.Set(r, c+3, -im)
			A.Set(r+3, c, im)
			A.Set(r+3, c+3, re)
		}
		rhs.SetVec(r, real(b[r]))
		rhs.SetVec(r+3, imag(b[r]))
	}

	var lu mat.LU
	lu.Factorize(A)
	cond := lu.Cond()
	if math.IsNaN(cond) || cond > MaxCondition {
		return x, cond, ErrIllConditioned
	}

	var sol mat.VecDense
	if err := lu.SolveVecTo(&sol, false, rhs); err != nil {
		return x, cond, ErrIllConditioned
	}
	for i := 0; i < 3; i++ {
		x[i] = complex(sol.AtVec(i), sol.AtVec(i+3))
		if cmplx.IsNaN(x[i]) || cmplx.IsInf(x[i]) {
			return [3]complex128{}, cond, ErrIllConditioned
		}
	}
	return x, cond, nil
}
