package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/cmplx"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/GoVNA/analyzer"
	"github.com/rjboer/GoVNA/internal/dsp"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/telemetry"
	"github.com/rjboer/GoVNA/vna"
)

type sweepFlags struct {
	startHz    float64
	stopHz     float64
	points     int
	average    int
	continuous bool
	output     string
	timeDomain bool
}

func NewSweepCommand() *cobra.Command {
	var f sweepFlags

	cmd := &cobra.Command{
		Use:     "sweep",
		Short:   "Measure S-parameters over the configured frequency range",
		GroupID: gBasic,
		Long: `Measure one sweep and print it, or with --continuous log a summary of
every sweep until interrupted.

The sweep range comes from the configuration unless overridden by flags.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("start") {
				cfg.Sweep.StartHz = f.startHz
			}
			if flags.Changed("stop") {
				cfg.Sweep.StopHz = f.stopHz
			}
			if flags.Changed("points") {
				cfg.Sweep.Points = f.points
			}
			if flags.Changed("average") {
				cfg.Sweep.Average = f.average
			}

			ctx := cmd.Context()
			v, err := openAnalyzer(ctx)
			if err != nil {
				return err
			}
			defer v.Close()

			if f.continuous {
				return runContinuous(cmd, v)
			}

			res, err := v.Measure(ctx)
			if err != nil {
				return fmt.Errorf("failed to measure: %w", err)
			}
			if f.timeDomain {
				return printTimeDomain(cmd.OutOrStdout(), res)
			}
			return writeSweep(cmd.OutOrStdout(), f.output, res)
		},
	}

	cmd.Flags().Float64Var(&f.startHz, "start", 0, "start frequency in Hz")
	cmd.Flags().Float64Var(&f.stopHz, "stop", 0, "stop frequency in Hz")
	cmd.Flags().IntVarP(&f.points, "points", "n", 0, "number of frequency points")
	cmd.Flags().IntVarP(&f.average, "average", "a", 0, "samples averaged per point")
	cmd.Flags().BoolVar(&f.continuous, "continuous", false, "sweep until interrupted, logging a summary per sweep")
	cmd.Flags().StringVarP(&f.output, "output", "o", "table", "output format (table, json)")
	cmd.Flags().BoolVar(&f.timeDomain, "time-domain", false, "print the S11 impulse response instead of the sweep")

	return cmd
}

func runContinuous(cmd *cobra.Command, v *analyzer.VNA) error {
	reporter := telemetry.NewSweepReporter(logger)
	defer v.OnSweep(reporter.Report)()

	faults := make(chan error, 1)
	defer v.OnError(func(err error) {
		select {
		case faults <- err:
		default:
		}
	})()

	if err := v.StartScan(); err != nil {
		return err
	}
	logger.Info("scanning, press Ctrl+C to stop")

	select {
	case <-cmd.Context().Done():
		v.StopScan()
		return nil
	case err := <-faults:
		return fmt.Errorf("acquisition stopped: %w", err)
	}
}

type jsonPoint struct {
	FreqHz float64     `json:"freq_hz"`
	Valid  bool        `json:"valid"`
	S11    [2]float64  `json:"s11"`
	S21    [2]float64  `json:"s21"`
	S12    *[2]float64 `json:"s12,omitempty"`
	S22    *[2]float64 `json:"s22,omitempty"`
}

type jsonSweep struct {
	Calibrated bool        `json:"calibrated"`
	Timestamp  string      `json:"timestamp"`
	Points     []jsonPoint `json:"points"`
}

func reIm(v complex128) [2]float64 { return [2]float64{real(v), imag(v)} }

func writeSweep(w io.Writer, format string, res vna.SweepResult) error {
	switch format {
	case "table", "":
		return printSweep(w, res)
	case "json":
		out := jsonSweep{
			Calibrated: res.Calibrated,
			Timestamp:  res.Timestamp.Format(time.RFC3339Nano),
			Points:     make([]jsonPoint, len(res.Points)),
		}
		for i, p := range res.Points {
			jp := jsonPoint{FreqHz: res.FreqAt(i), Valid: p.Valid, S11: reIm(p.S11), S21: reIm(p.S21)}
			if p.TwoPort {
				s12, s22 := reIm(p.S12), reIm(p.S22)
				jp.S12, jp.S22 = &s12, &s22
			}
			out.Points[i] = jp
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printTimeDomain(w io.Writer, res vna.SweepResult) error {
	data := make([]complex128, len(res.Points))
	for i, p := range res.Points {
		if p.Valid {
			data[i] = p.S11
		}
	}
	td := dsp.ImpulseResponse(data, res.Grid.StepHz)
	if len(td.Response) == 0 {
		return fmt.Errorf("time domain needs at least one point and a positive step")
	}
	bin, delay := td.Peak()
	logger.Info("impulse response",
		logging.F("bins", len(td.Response)),
		logging.F("peak_bin", bin),
		logging.F("peak_delay_ns", delay*1e9),
	)
	for i, db := range td.MagnitudeDB() {
		fmt.Fprintf(w, "%.4f\t%.2f\t%.4f\n", float64(i)*td.StepSec*1e9, db, cmplx.Abs(td.Response[i]))
	}
	return nil
}
