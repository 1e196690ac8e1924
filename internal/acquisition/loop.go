package acquisition

import (
	"context"
	"time"

	"github.com/rjboer/GoVNA/internal/dsp"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// loop is one run of the background goroutine. It works on a private copy
// of the configuration taken at launch.
type loop struct {
	sched  *Scheduler
	t      vna.Transport
	cfg    vna.SweepConfig
	trMode bool
	logger logging.Logger
	acc    dsp.WaveAccumulator
}

func (l *loop) run(ctx context.Context) (err error) {
	grid := l.cfg.Grid()
	defer func() { l.sched.finish(grid, err) }()

	// Transport calls in flight always complete; ctx is only checked at
	// point boundaries.
	io := context.WithoutCancel(ctx)

	if a, ok := l.t.(vna.Attenuator); ok {
		if err := a.SetAttenuation(io, l.cfg.Att1, l.cfg.Att2); err != nil {
			return &vna.DeviceIOError{Op: "set attenuation", Index: -1, Err: err}
		}
	}

	l.logger.Debug("loop started",
		logging.F("start_hz", l.cfg.StartHz),
		logging.F("step_hz", l.cfg.StepHz),
		logging.F("points", l.cfg.Points),
		logging.F("tr_mode", l.trMode),
	)
	if l.t.Capabilities().AutoSweep {
		err = l.autosweep(ctx, io)
	} else {
		err = l.stepped(ctx, io)
	}
	if err != nil {
		l.logger.Error("loop faulted", logging.Err(err))
	} else {
		l.logger.Debug("loop stopped")
	}
	return err
}

func (l *loop) stepped(ctx, io context.Context) error {
	grid := l.cfg.Grid()
	raws := make([]vna.RawMeasurement, grid.Points)
	for sweep := 0; ; sweep++ {
		if ctx.Err() != nil {
			return nil
		}
		l.sched.sweepStarted()
		started := time.Now()
		for i := 0; i < grid.Points; i++ {
			if ctx.Err() != nil {
				return nil
			}
			raw, err := l.measurePoint(io, i)
			if err != nil {
				return err
			}
			raws[i] = raw
			l.sched.sink.Point(i, grid.FreqAt(i), raw)
		}
		l.logger.Debug("sweep complete", logging.F("sweep", sweep), logging.F("duration_ms", time.Since(started).Seconds()*1000))
		if !l.sched.sweepDone(ctx, grid, raws) {
			return nil
		}
	}
}

// measurePoint tunes to index i, discards the settle samples and averages
// the rest.
func (l *loop) measurePoint(io context.Context, i int) (vna.RawMeasurement, error) {
	if err := l.t.Tune(io, l.cfg.FreqAt(i)); err != nil {
		return vna.RawMeasurement{}, &vna.DeviceIOError{Op: "tune", Index: i, Err: err}
	}
	withReverse := !l.trMode
	for n := 0; n < l.cfg.Settle; n++ {
		if _, err := l.t.ReadSample(io, withReverse); err != nil {
			return vna.RawMeasurement{}, &vna.DeviceIOError{Op: "settle", Index: i, Err: err}
		}
	}
	l.acc.Reset()
	for n := 0; n < l.cfg.Average; n++ {
		s, err := l.t.ReadSample(io, withReverse)
		if err != nil {
			return vna.RawMeasurement{}, &vna.DeviceIOError{Op: "read", Index: i, Err: err}
		}
		l.acc.Add(s)
	}
	return l.shape(l.acc.Mean()), nil
}

// shape applies the port and reference flags to an averaged reading.
func (l *loop) shape(m vna.RawMeasurement) vna.RawMeasurement {
	if !m.Valid {
		return m
	}
	if l.trMode {
		m.Reverse = vna.Wave{}
		m.TwoPort = false
	}
	if l.cfg.SwapPorts && m.TwoPort {
		m.Forward, m.Reverse = m.Reverse, m.Forward
	}
	if l.cfg.DisableReference {
		m.Forward.Reference = 1
		if m.TwoPort {
			m.Reverse.Reference = 1
		}
	}
	return m
}

func (l *loop) fromSample(s vna.Sample) vna.RawMeasurement {
	l.acc.Reset()
	l.acc.Add(s)
	return l.shape(l.acc.Mean())
}
