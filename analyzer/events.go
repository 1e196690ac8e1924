package analyzer

import (
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// Point is a corrected reading of one frequency index.
type Point struct {
	Index  int
	FreqHz float64
	S      vna.SParams
}

// RawPoint is the uncorrected reading of one frequency index.
type RawPoint struct {
	Index  int
	FreqHz float64
	Raw    vna.RawMeasurement
}

// OnPoint subscribes to corrected points. The returned function unsubscribes.
func (v *VNA) OnPoint(fn func(Point)) func() { return v.points.Subscribe(fn) }

// OnRaw subscribes to uncorrected points, delivered whether or not the
// analyzer is calibrated.
func (v *VNA) OnRaw(fn func(RawPoint)) func() { return v.raws.Subscribe(fn) }

// OnSweep subscribes to completed sweeps.
func (v *VNA) OnSweep(fn func(vna.SweepResult)) func() { return v.sweeps.Subscribe(fn) }

// OnError subscribes to acquisition faults. A fault is delivered once, after
// the acquisition loop has exited and IsScanning reports false. A scan started
// while subscribers run, including from fn, is not blocked by the delivery.
func (v *VNA) OnError(fn func(error)) func() { return v.faults.Subscribe(fn) }

// History returns the most recent sweeps, oldest first.
func (v *VNA) History() []vna.SweepResult { return v.sweeps.History() }

func (v *VNA) result(grid vna.Grid, raws []vna.RawMeasurement) vna.SweepResult {
	return vna.SweepResult{
		Grid:       grid,
		Points:     v.engine.CorrectSweep(raws),
		Raw:        raws,
		Calibrated: v.engine.IsCalibrated(),
		Timestamp:  v.now(),
	}
}

// sink routes acquisition output through correction to the subscribers.
type sink struct{ v *VNA }

func (s sink) Point(i int, freqHz float64, raw vna.RawMeasurement) {
	s.v.points.Notify(Point{Index: i, FreqHz: freqHz, S: s.v.engine.Correct(raw, i)})
	s.v.raws.Notify(RawPoint{Index: i, FreqHz: freqHz, Raw: raw})
}

func (s sink) Sweep(grid vna.Grid, raws []vna.RawMeasurement) {
	s.v.sweeps.Publish(s.v.result(grid, raws))
}

func (s sink) Fault(err error) {
	s.v.logger.Error("acquisition stopped", logging.Err(err))
	s.v.faults.Notify(err)
}
