package telemetry

import (
	"math"
	"math/cmplx"

	"github.com/dustin/go-humanize"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// SweepReporter logs a one-line summary per completed sweep.
type SweepReporter struct {
	logger logging.Logger
}

// NewSweepReporter builds a reporter with the provided logger.
func NewSweepReporter(logger logging.Logger) SweepReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return SweepReporter{logger: logger.With(logging.F("subsystem", "telemetry"))}
}

// FormatHz renders a frequency with SI prefix, e.g. "1.425 GHz".
func FormatHz(hz float64) string {
	return humanize.SIWithDigits(hz, 3, "Hz")
}

// Report implements a sweep subscriber.
func (r SweepReporter) Report(res vna.SweepResult) {
	fields := []logging.Field{
		logging.F("start", FormatHz(res.Grid.StartHz)),
		logging.F("stop", FormatHz(res.Grid.StopHz())),
		logging.F("points", len(res.Points)),
		logging.F("calibrated", res.Calibrated),
	}

	missing := 0
	minIdx, minDB := -1, math.Inf(1)
	for i, p := range res.Points {
		if !p.Valid {
			missing++
			continue
		}
		mag := cmplx.Abs(p.S11)
		if mag == 0 {
			continue
		}
		if db := 20 * math.Log10(mag); db < minDB {
			minIdx, minDB = i, db
		}
	}
	if missing > 0 {
		fields = append(fields, logging.F("missing", missing))
	}
	if minIdx >= 0 {
		fields = append(fields,
			logging.F("s11_min_db", math.Round(minDB*100)/100),
			logging.F("s11_min_at", FormatHz(res.FreqAt(minIdx))),
		)
	}
	r.logger.Info("sweep", fields...)
}
