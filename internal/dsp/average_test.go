package dsp

import (
	"testing"

	"github.com/rjboer/GoVNA/vna"
)

func TestWaveAccumulatorMean(t *testing.T) {
	var acc WaveAccumulator
	if acc.Mean().Valid {
		t.Fatal("empty accumulator must report no data")
	}
	acc.Add(vna.Sample{Forward: vna.Wave{Reference: 1, Reflected: 2i, Transmitted: 4}})
	acc.Add(vna.Sample{Forward: vna.Wave{Reference: 3, Reflected: 0, Transmitted: 2}})

	m := acc.Mean()
	if !m.Valid || m.TwoPort {
		t.Fatalf("unexpected flags %+v", m)
	}
	if m.Forward.Reference != 2 || m.Forward.Reflected != 1i || m.Forward.Transmitted != 3 {
		t.Fatalf("unexpected mean %+v", m.Forward)
	}
	if acc.Count() != 2 {
		t.Fatalf("count = %d", acc.Count())
	}

	acc.Reset()
	acc.Add(vna.Sample{HasReverse: true, Reverse: vna.Wave{Reference: 2}})
	if m := acc.Mean(); !m.TwoPort || m.Reverse.Reference != 2 {
		t.Fatalf("reverse wave not averaged: %+v", m)
	}
}

func TestMeanComplex(t *testing.T) {
	if MeanComplex(nil) != 0 {
		t.Fatal("mean of nothing should be zero")
	}
	if got := MeanComplex([]complex128{1 + 1i, 3 - 1i}); got != 2 {
		t.Fatalf("mean = %v", got)
	}
}
