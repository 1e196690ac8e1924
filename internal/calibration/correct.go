package calibration

import "github.com/rjboer/GoVNA/vna"

// leak is the signal reaching the transmission receiver without passing the
// DUT, given the raw reflection on the driven port.
func leak(t vna.ThruTerms, reflRaw complex128) complex128 {
	return t.Leakage + t.ReflLeakage*(reflRaw-t.LoadRefl)
}

// correctReflection inverts Γm = e00 + e10e01·Γ/(1 − e11·Γ).
func correctReflection(t vna.ErrorTerms, raw complex128) complex128 {
	d := raw - t.E00
	den := t.E11*d + t.E10E01
	if den == 0 {
		return raw
	}
	return d / den
}

func correctTransmission(t vna.ThruTerms, trans, refl complex128) complex128 {
	return (trans - leak(t, refl)) / t.Tracking
}

// Correct converts a raw measurement at index into S-parameters. Without a
// calibration, outside the calibrated grid, at unsolved indices or for the
// no-data sentinel the ratioed raw values pass through unchanged.
func (e *Engine) Correct(raw vna.RawMeasurement, index int) vna.SParams {
	out := raw.SParams()
	if !raw.Valid {
		return out
	}
	e.mu.RLock()
	set := e.set
	e.mu.RUnlock()
	if set == nil || index < 0 || index >= set.Grid.Points {
		return out
	}

	if t := set.Ports[vna.Port1][index]; t.Valid {
		out.S11 = correctReflection(t, raw.S11())
	}
	if raw.TwoPort && len(set.Ports) > vna.Port2 {
		if t := set.Ports[vna.Port2][index]; t.Valid {
			out.S22 = correctReflection(t, raw.S22())
		}
	}
	if len(set.Thru) > vna.Forward {
		if t := set.Thru[vna.Forward][index]; t.Valid {
			out.S21 = correctTransmission(t, raw.S21(), raw.S11())
		}
	}
	if raw.TwoPort && len(set.Thru) > vna.Reverse {
		if t := set.Thru[vna.Reverse][index]; t.Valid {
			out.S12 = correctTransmission(t, raw.S12(), raw.S22())
		}
	}
	return out
}

// CorrectSweep corrects every point of a sweep.
func (e *Engine) CorrectSweep(raws []vna.RawMeasurement) []vna.SParams {
	out := make([]vna.SParams, len(raws))
	for i, raw := range raws {
		out[i] = e.Correct(raw, i)
	}
	return out
}
