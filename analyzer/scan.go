package analyzer

import (
	"context"
	"fmt"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// StartScan begins continuous sweeping.
func (v *VNA) StartScan() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.sched.Start(); err != nil {
		return err
	}
	v.logger.Debug("scan started")
	return nil
}

// StopScan stops sweeping and waits for the acquisition loop to exit.
func (v *VNA) StopScan() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sched.Stop()
}

// IsScanning reports whether the acquisition loop is running.
func (v *VNA) IsScanning() bool { return v.sched.IsScanning() }

// SetSweepParams spreads points over start..stop and averages average
// samples per point. A running scan is stopped, reconfigured and resumed, and
// calibration captured on another grid is discarded.
func (v *VNA) SetSweepParams(startHz, stopHz float64, points, average int) error {
	if stopHz < startHz {
		return fmt.Errorf("%w: stop %v below start %v", vna.ErrInvalidSweepParameters, stopHz, startHz)
	}
	return v.reconfigure(func(c *vna.SweepConfig) {
		c.StartHz = startHz
		c.StepHz = vna.StepFor(startHz, stopHz, points)
		c.Points = points
		c.Average = average
	})
}

// SetSettle sets how many samples are discarded after tuning.
func (v *VNA) SetSettle(n int) error {
	return v.reconfigure(func(c *vna.SweepConfig) { c.Settle = n })
}

// SetFlags sets the measurement mode flags.
func (v *VNA) SetFlags(disableReference, forceTR, swapPorts bool) error {
	return v.reconfigure(func(c *vna.SweepConfig) {
		c.DisableReference = disableReference
		c.ForceTR = forceTR
		c.SwapPorts = swapPorts
	})
}

// SetAttenuation sets the port attenuators in dB.
func (v *VNA) SetAttenuation(att1, att2 int) error {
	return v.reconfigure(func(c *vna.SweepConfig) {
		c.Att1 = att1
		c.Att2 = att2
	})
}

// Configure replaces the whole sweep configuration.
func (v *VNA) Configure(cfg vna.SweepConfig) error {
	return v.reconfigure(func(c *vna.SweepConfig) { *c = cfg })
}

func (v *VNA) reconfigure(mutate func(*vna.SweepConfig)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sched.Exclusive(func(_ vna.Transport, cfg *vna.SweepConfig) error {
		next := *cfg
		mutate(&next)
		if err := next.Validate(); err != nil {
			return err
		}
		*cfg = next
		if v.engine.Invalidate(next.Grid()) {
			v.logger.Info("calibration discarded, sweep grid changed", logging.F("grid", next.Grid().Fingerprint()))
		}
		return nil
	})
}

// TakeMeasurement calls fn with the next complete sweep started after the
// call. An idle analyzer performs a single sweep for it. Only one
// measurement can be pending. If the acquisition faults, or Close runs
// first, fn receives the error (ErrNotOpen for Close) instead of a sweep.
func (v *VNA) TakeMeasurement(fn func(vna.SweepResult, error)) error {
	if fn == nil {
		return fmt.Errorf("analyzer: nil measurement callback")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sched.TakeMeasurement(func(grid vna.Grid, raws []vna.RawMeasurement, err error) {
		if err != nil {
			fn(vna.SweepResult{}, err)
			return
		}
		fn(v.result(grid, raws), nil)
	})
}

// Measure performs TakeMeasurement and waits for the sweep. Cancelling ctx
// withdraws the request.
func (v *VNA) Measure(ctx context.Context) (vna.SweepResult, error) {
	type outcome struct {
		res vna.SweepResult
		err error
	}
	ch := make(chan outcome, 1)

	v.mu.Lock()
	err := v.sched.TakeMeasurement(func(grid vna.Grid, raws []vna.RawMeasurement, err error) {
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		ch <- outcome{res: v.result(grid, raws)}
	})
	v.mu.Unlock()
	if err != nil {
		return vna.SweepResult{}, err
	}

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		v.sched.CancelMeasurement()
		// the sweep may have completed while cancelling
		select {
		case o := <-ch:
			return o.res, o.err
		default:
		}
		return vna.SweepResult{}, ctx.Err()
	}
}

// Config returns the sweep configuration.
func (v *VNA) Config() vna.SweepConfig { return v.sched.Config() }

func (v *VNA) StartFreqHz() float64   { return v.Config().StartHz }
func (v *VNA) StopFreqHz() float64    { return v.Config().StopHz() }
func (v *VNA) StepFreqHz() float64    { return v.Config().StepHz }
func (v *VNA) Points() int            { return v.Config().Points }
func (v *VNA) Average() int           { return v.Config().Average }
func (v *VNA) Settle() int            { return v.Config().Settle }
func (v *VNA) DisableReference() bool { return v.Config().DisableReference }
func (v *VNA) ForceTR() bool          { return v.Config().ForceTR }
func (v *VNA) SwapPorts() bool        { return v.Config().SwapPorts }
func (v *VNA) Att1() int              { return v.Config().Att1 }
func (v *VNA) Att2() int              { return v.Config().Att2 }

// FreqAt returns the frequency of point i in Hz.
func (v *VNA) FreqAt(i int) float64 { return v.Config().FreqAt(i) }

// MaxPowerDBm returns the highest output power of the hardware.
func (v *VNA) MaxPowerDBm() int { return MaxPowerDBm }

// IsTR reports whether the device measures reflection and forward
// transmission only.
func (v *VNA) IsTR() bool { return v.sched.Capabilities().TR }

// IsAutoSweep reports whether the device steps frequencies itself.
func (v *VNA) IsAutoSweep() bool { return v.sched.Capabilities().AutoSweep }

// IsTRMode reports whether sweeps skip the reverse direction, either because
// the device is T/R or because ForceTR is set.
func (v *VNA) IsTRMode() bool { return v.sched.TRMode() }
