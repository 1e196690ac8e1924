package acquisition

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// autosweep consumes the tagged stream of a self-sweeping device. The
// device averages internally, so every sample is one point.
func (l *loop) autosweep(ctx, io context.Context) error {
	as, ok := l.t.(vna.AutoSweeper)
	if !ok {
		return &vna.DeviceIOError{Op: "begin autosweep", Index: -1, Err: fmt.Errorf("transport %T cannot autosweep", l.t)}
	}
	if err := as.BeginAutoSweep(io, l.cfg); err != nil {
		return &vna.DeviceIOError{Op: "begin autosweep", Index: -1, Err: err}
	}
	if ender, ok := l.t.(vna.AutoSweepEnder); ok {
		defer func() {
			if err := ender.EndAutoSweep(io); err != nil {
				l.logger.Warn("ending autosweep", logging.Err(err))
			}
		}()
	}

	grid := l.cfg.Grid()
	n := grid.Points
	raws := make([]vna.RawMeasurement, n)
	expected := 0
	var carry *vna.Sample

	l.sched.sweepStarted()
	for {
		if ctx.Err() != nil {
			return nil
		}

		var s vna.Sample
		if carry != nil {
			s, carry = *carry, nil
		} else {
			var err error
			s, err = l.t.ReadSample(io, !l.trMode)
			if err != nil {
				return &vna.DeviceIOError{Op: "read", Index: expected, Err: err}
			}
		}

		idx := s.Index
		if idx < 0 || idx >= n {
			l.logger.Warn("dropping out of range autosweep sample", logging.F("index", idx), logging.F("points", n))
			continue
		}

		if idx < expected {
			// The device restarted: the tail of this sweep is missing and
			// the sample opens the next one.
			l.logger.Debug("autosweep wrapped", logging.F("index", idx), logging.F("expected", expected))
			l.fill(io, raws, expected, n)
			if !l.sched.sweepDone(ctx, grid, raws) {
				return nil
			}
			expected = 0
			carry = &s
			l.sched.sweepStarted()
			continue
		}

		if idx > expected {
			l.logger.Debug("autosweep gap", logging.F("from", expected), logging.F("to", idx-1))
			l.fill(io, raws, expected, idx)
		}
		raws[idx] = l.fromSample(s)
		l.sched.sink.Point(idx, grid.FreqAt(idx), raws[idx])
		expected = idx + 1

		if expected == n {
			if !l.sched.sweepDone(ctx, grid, raws) {
				return nil
			}
			expected = 0
			l.sched.sweepStarted()
		}
	}
}

// fill recovers indices [from, to) that the stream skipped. Points that
// cannot be re-requested get the no-data sentinel so sweeps keep their
// length.
func (l *loop) fill(io context.Context, raws []vna.RawMeasurement, from, to int) {
	grid := l.cfg.Grid()
	for i := from; i < to; i++ {
		raws[i] = l.request(io, i)
		l.sched.sink.Point(i, grid.FreqAt(i), raws[i])
	}
}

func (l *loop) request(io context.Context, index int) vna.RawMeasurement {
	pr, ok := l.t.(vna.PointRequester)
	if !ok || l.sched.retryTries == 0 {
		l.logger.Warn("autosweep point missing", logging.F("index", index))
		return vna.NoData()
	}

	var got vna.Sample
	op := func() error {
		s, err := pr.RequestPoint(io, index)
		if err != nil {
			return err
		}
		if s.Index >= 0 && s.Index != index {
			return fmt.Errorf("requested point %d, got %d", index, s.Index)
		}
		got = s
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.sched.retryInterval
	b.MaxInterval = 10 * l.sched.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.sched.retryTries-1)), io)

	notify := func(err error, wait time.Duration) {
		l.logger.Debug("point request failed", logging.F("index", index), logging.Err(err), logging.F("retry_in", wait))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		l.logger.Warn("autosweep point missing", logging.F("index", index), logging.Err(err))
		return vna.NoData()
	}
	return l.fromSample(got)
}
