package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"math/cmplx"
	"text/tabwriter"

	"github.com/rjboer/GoVNA/analyzer"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/storage"
	"github.com/rjboer/GoVNA/internal/telemetry"
	"github.com/rjboer/GoVNA/vna"
)

// newAnalyzer builds an analyzer from the loaded configuration.
func newAnalyzer() *analyzer.VNA {
	return analyzer.New(
		analyzer.WithLogger(logger),
		analyzer.WithDeviceOptions(cfg.Device.Options(logger)),
	)
}

// openAnalyzer opens the configured device and applies the configured sweep.
// With calibration.load set, a stored calibration for the sweep grid is
// installed; a missing one is only logged.
func openAnalyzer(ctx context.Context) (*analyzer.VNA, error) {
	sweep, err := cfg.Sweep.SweepConfig()
	if err != nil {
		return nil, err
	}

	v := newAnalyzer()
	if err := v.Open(ctx, cfg.Device.Path); err != nil {
		return nil, err
	}
	if err := v.Configure(sweep); err != nil {
		_ = v.Close()
		return nil, fmt.Errorf("failed to configure sweep: %w", err)
	}
	if cfg.Calibration.Load && cfg.Calibration.Path != "" {
		err := v.LoadSOLTCalibration(ctx, cfg.Calibration.Path)
		switch {
		case err == nil:
			logger.Info("calibration loaded", logging.F("path", cfg.Calibration.Path))
		case errors.Is(err, storage.ErrNotFound) || errors.Is(err, fs.ErrNotExist):
			logger.Warn("no stored calibration for this sweep", logging.F("path", cfg.Calibration.Path))
		default:
			_ = v.Close()
			return nil, fmt.Errorf("failed to load calibration: %w", err)
		}
	}
	logger.Info("device opened",
		logging.F("path", v.Path()),
		logging.F("tr", v.IsTR()),
		logging.F("autosweep", v.IsAutoSweep()),
	)
	return v, nil
}

func dB(v complex128) float64 {
	mag := cmplx.Abs(v)
	if mag == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(mag)
}

func phaseDeg(v complex128) float64 {
	return cmplx.Phase(v) * 180 / math.Pi
}

// printSweep writes res as a table of magnitude (dB) and phase (degrees).
func printSweep(w io.Writer, res vna.SweepResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	twoPort := len(res.Points) > 0 && res.Points[0].TwoPort
	if twoPort {
		fmt.Fprintln(tw, "FREQ\tS11 dB\tS11 deg\tS21 dB\tS21 deg\tS12 dB\tS12 deg\tS22 dB\tS22 deg")
	} else {
		fmt.Fprintln(tw, "FREQ\tS11 dB\tS11 deg\tS21 dB\tS21 deg")
	}
	for i, p := range res.Points {
		freq := telemetry.FormatHz(res.FreqAt(i))
		if !p.Valid {
			fmt.Fprintf(tw, "%s\t-\n", freq)
			continue
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%.1f\t%.2f\t%.1f", freq, dB(p.S11), phaseDeg(p.S11), dB(p.S21), phaseDeg(p.S21))
		if twoPort {
			fmt.Fprintf(tw, "\t%.2f\t%.1f\t%.2f\t%.1f", dB(p.S12), phaseDeg(p.S12), dB(p.S22), phaseDeg(p.S22))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
