package analyzer

import (
	"context"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// CaptureStandard measures one sweep with std connected and keeps it for
// ApplySOLT.
func (v *VNA) CaptureStandard(ctx context.Context, std vna.Standard) error {
	res, err := v.Measure(ctx)
	if err != nil {
		return err
	}
	v.engine.SetStandard(std, res.Grid, res.Raw)
	v.logger.Info("standard captured", logging.F("standard", std.String()), logging.F("points", len(res.Raw)))
	return nil
}

// Standards lists the captured standards.
func (v *VNA) Standards() []vna.Standard { return v.engine.Standards() }

// ApplySOLT computes the calibration from the captured standards.
func (v *VNA) ApplySOLT() error {
	return v.exclusive(func(cfg vna.SweepConfig) error {
		return v.engine.ApplySOLT(cfg.Grid())
	})
}

// DenySOLT discards the calibration. It is idempotent.
func (v *VNA) DenySOLT() {
	_ = v.exclusive(func(vna.SweepConfig) error {
		v.engine.Deny()
		return nil
	})
}

// LoadSOLTCalibration installs the calibration stored at path for the
// current grid.
func (v *VNA) LoadSOLTCalibration(ctx context.Context, path string) error {
	return v.exclusive(func(cfg vna.SweepConfig) error {
		return v.engine.Load(ctx, path, cfg.Grid())
	})
}

// SaveSOLTCalibration stores the calibration at path.
func (v *VNA) SaveSOLTCalibration(ctx context.Context, path string) error {
	return v.exclusive(func(vna.SweepConfig) error {
		return v.engine.Save(ctx, path)
	})
}

// IsCalibrated reports whether a calibration is applied.
func (v *VNA) IsCalibrated() bool { return v.engine.IsCalibrated() }

// Calibration returns the applied calibration, or nil. It must not be
// modified.
func (v *VNA) Calibration() *vna.CalibrationSet { return v.engine.Set() }

// Correct applies the calibration to a reading of point index.
func (v *VNA) Correct(raw vna.RawMeasurement, index int) vna.SParams {
	return v.engine.Correct(raw, index)
}

// exclusive runs fn with the acquisition loop stopped.
func (v *VNA) exclusive(fn func(cfg vna.SweepConfig) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sched.Exclusive(func(_ vna.Transport, cfg *vna.SweepConfig) error {
		return fn(*cfg)
	})
}
