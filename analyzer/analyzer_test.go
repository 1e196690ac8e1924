package analyzer

import (
	"context"
	"errors"
	"math/cmplx"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoVNA/internal/device"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

func mockOpener(m *device.Mock) vna.Opener {
	return func(context.Context, string) (vna.Transport, error) { return m, nil }
}

func openMock(t *testing.T, cfg device.MockConfig, opts ...Option) (*VNA, *device.Mock) {
	t.Helper()
	m := device.NewMock(cfg)
	opts = append([]Option{
		WithLogger(logging.Nop()),
		WithOpener(mockOpener(m)),
		WithRetry(2, time.Millisecond),
	}, opts...)
	v := New(opts...)
	require.NoError(t, v.Open(context.Background(), "mock://"))
	t.Cleanup(func() { _ = v.Close() })
	require.NoError(t, v.SetSweepParams(100e6, 500e6, 9, 2))
	require.NoError(t, v.SetSettle(1))
	return v, m
}

func measureCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testDUT() device.DUT {
	return device.DUT{
		S11: func(f float64) complex128 { return cmplx.Rect(0.3, f*1e-9) },
		S21: func(f float64) complex128 { return cmplx.Rect(0.8, -f*2e-9) },
		S12: func(f float64) complex128 { return cmplx.Rect(0.75, -f*2e-9) },
		S22: func(f float64) complex128 { return complex(0.1, -0.2) },
	}
}

func calibrate(t *testing.T, v *VNA, m *device.Mock) {
	t.Helper()
	ctx := measureCtx(t)
	for std, dut := range map[vna.Standard]device.DUT{
		vna.StandardShort: device.ShortStandard(),
		vna.StandardOpen:  device.OpenStandard(),
		vna.StandardLoad:  device.LoadStandard(),
		vna.StandardThru:  device.ThruStandard(),
	} {
		m.SetDUT(dut)
		require.NoError(t, v.CaptureStandard(ctx, std))
	}
	require.NoError(t, v.ApplySOLT())
	require.True(t, v.IsCalibrated())
}

func TestStartScanOnUnopenedDevice(t *testing.T) {
	v := New(WithLogger(logging.Nop()))
	assert.ErrorIs(t, v.StartScan(), vna.ErrNotOpen)
	assert.False(t, v.IsScanning())
	assert.False(t, v.IsOpen())
	_, err := v.Measure(context.Background())
	assert.ErrorIs(t, err, vna.ErrNotOpen)
}

func TestOpenEmptyPathUsesFirstDiscoveredDevice(t *testing.T) {
	var opened string
	m := device.NewMock(device.MockConfig{})
	v := New(
		WithLogger(logging.Nop()),
		WithDiscoverer(func(context.Context) []string { return []string{"/dev/ttyACM0", "tcp://10.0.0.2:5025"} }),
		WithOpener(func(_ context.Context, path string) (vna.Transport, error) {
			opened = path
			return m, nil
		}),
	)
	require.NoError(t, v.Open(context.Background(), ""))
	assert.Equal(t, "/dev/ttyACM0", opened)
	assert.Equal(t, "/dev/ttyACM0", v.Path())
	require.NoError(t, v.Close())

	none := New(WithLogger(logging.Nop()), WithDiscoverer(func(context.Context) []string { return nil }))
	assert.ErrorIs(t, none.Open(context.Background(), ""), vna.ErrDeviceNotFound)
}

func TestOpenFailureIsWrapped(t *testing.T) {
	cause := errors.New("no such port")
	v := New(WithLogger(logging.Nop()), WithOpener(func(context.Context, string) (vna.Transport, error) {
		return nil, cause
	}))
	err := v.Open(context.Background(), "/dev/ttyUSB9")
	assert.ErrorIs(t, err, cause)
	assert.False(t, v.IsOpen())
}

func TestOpenMockSchemeWithDefaultOpener(t *testing.T) {
	v := New(WithLogger(logging.Nop()))
	require.NoError(t, v.Open(context.Background(), "mock://?autosweep=1&tr=1"))
	defer v.Close()
	assert.True(t, v.IsAutoSweep())
	assert.True(t, v.IsTR())
	assert.True(t, v.IsTRMode())
}

func TestAccessorsFollowDefaults(t *testing.T) {
	v := New(WithLogger(logging.Nop()))
	assert.Equal(t, 200e6, v.StartFreqHz())
	assert.Equal(t, 25e6, v.StepFreqHz())
	assert.InDelta(t, 1.425e9, v.StopFreqHz(), 1e-3)
	assert.Equal(t, 50, v.Points())
	assert.Equal(t, 30, v.Average())
	assert.Equal(t, 20, v.Settle())
	assert.Equal(t, 25, v.Att1())
	assert.Equal(t, 25, v.Att2())
	assert.Equal(t, 10, v.MaxPowerDBm())
	for i := 0; i < v.Points(); i++ {
		assert.Equal(t, v.StartFreqHz()+float64(i)*v.StepFreqHz(), v.FreqAt(i))
	}
}

func TestSetSweepParamsValidation(t *testing.T) {
	v := New(WithLogger(logging.Nop()))
	before := v.Config()
	assert.ErrorIs(t, v.SetSweepParams(1e9, 2e9, 0, 1), vna.ErrInvalidSweepParameters)
	assert.ErrorIs(t, v.SetSweepParams(1e9, 2e9, 10, 0), vna.ErrInvalidSweepParameters)
	assert.ErrorIs(t, v.SetSweepParams(2e9, 1e9, 10, 1), vna.ErrInvalidSweepParameters)
	assert.ErrorIs(t, v.SetSettle(-1), vna.ErrInvalidSweepParameters)
	assert.Equal(t, before, v.Config())

	require.NoError(t, v.SetSweepParams(1e9, 1e9, 1, 4))
	assert.Zero(t, v.StepFreqHz())
	assert.Equal(t, 1e9, v.StopFreqHz())

	require.NoError(t, v.SetFlags(true, true, false))
	assert.True(t, v.DisableReference())
	assert.True(t, v.ForceTR())
	assert.False(t, v.SwapPorts())
	require.NoError(t, v.SetAttenuation(10, 15))
	assert.Equal(t, 10, v.Att1())
	assert.Equal(t, 15, v.Att2())
}

func TestConcurrentStartScan(t *testing.T) {
	v, _ := openMock(t, device.MockConfig{ReadDelay: time.Millisecond})

	require.NoError(t, v.StartScan())
	assert.ErrorIs(t, v.StartScan(), vna.ErrBusy)
	assert.True(t, v.IsScanning())

	sweeps := make(chan vna.SweepResult, 1)
	unsub := v.OnSweep(func(r vna.SweepResult) {
		select {
		case sweeps <- r:
		default:
		}
	})
	defer unsub()
	select {
	case r := <-sweeps:
		assert.Len(t, r.Points, 9)
	case <-time.After(5 * time.Second):
		t.Fatal("first scan stalled")
	}
	v.StopScan()
	assert.False(t, v.IsScanning())
}

func TestSetSweepParamsWhileScanningAppliesAtomically(t *testing.T) {
	v, _ := openMock(t, device.MockConfig{})
	old := v.Config().Grid()

	var mu sync.Mutex
	var before, after []vna.Grid
	reconfigured := false
	unsub := v.OnSweep(func(r vna.SweepResult) {
		mu.Lock()
		defer mu.Unlock()
		if reconfigured {
			after = append(after, r.Grid)
		} else {
			before = append(before, r.Grid)
		}
	})
	defer unsub()

	require.NoError(t, v.StartScan())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(before) >= 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, v.SetSweepParams(1e9, 2e9, 11, 1))
	mu.Lock()
	reconfigured = true
	mu.Unlock()
	assert.True(t, v.IsScanning())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(after) >= 3
	}, 5*time.Second, time.Millisecond)
	v.StopScan()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, old, before[0])
	want := vna.Grid{StartHz: 1e9, StepHz: 1e8, Points: 11}
	for _, g := range after {
		assert.Equal(t, want, g)
	}
}

func TestCalibratedMeasurementRecoversDUT(t *testing.T) {
	v, m := openMock(t, device.MockConfig{Errors: device.DefaultErrorModel()})
	calibrate(t, v, m)

	dut := testDUT()
	m.SetDUT(dut)

	var corrected, raw int
	unsubP := v.OnPoint(func(Point) { corrected++ })
	unsubR := v.OnRaw(func(RawPoint) { raw++ })

	res, err := v.Measure(measureCtx(t))
	require.NoError(t, err)
	unsubP()
	unsubR()

	assert.True(t, res.Calibrated)
	require.Len(t, res.Points, 9)
	require.Len(t, res.Raw, 9)
	for i, p := range res.Points {
		f := res.FreqAt(i)
		assert.InDelta(t, 0, cmplx.Abs(p.S11-dut.S11(f)), 1e-6, "S11 at %d", i)
		assert.InDelta(t, 0, cmplx.Abs(p.S21-dut.S21(f)), 1e-6, "S21 at %d", i)
		assert.InDelta(t, 0, cmplx.Abs(p.S12-dut.S12(f)), 1e-6, "S12 at %d", i)
		assert.InDelta(t, 0, cmplx.Abs(p.S22-dut.S22(f)), 1e-6, "S22 at %d", i)
		assert.Greater(t, cmplx.Abs(res.Raw[i].S11()-dut.S11(f)), 1e-3, "raw should carry the error model")
	}
	assert.Equal(t, 9, corrected)
	assert.Equal(t, 9, raw)
}

func TestDenySOLTIsIdempotent(t *testing.T) {
	v, m := openMock(t, device.MockConfig{Errors: device.DefaultErrorModel()})
	calibrate(t, v, m)

	v.DenySOLT()
	assert.False(t, v.IsCalibrated())
	v.DenySOLT()
	assert.False(t, v.IsCalibrated())

	res, err := v.Measure(measureCtx(t))
	require.NoError(t, err)
	assert.False(t, res.Calibrated)
	for i := range res.Points {
		assert.Equal(t, res.Raw[i].S11(), res.Points[i].S11)
	}
}

func TestGridChangeInvalidatesCalibration(t *testing.T) {
	v, m := openMock(t, device.MockConfig{Errors: device.DefaultErrorModel()})
	calibrate(t, v, m)

	require.NoError(t, v.SetSettle(3))
	require.NoError(t, v.SetFlags(false, false, false))
	assert.True(t, v.IsCalibrated(), "non-grid settings keep the calibration")

	require.NoError(t, v.SetSweepParams(100e6, 500e6, 9, 8))
	assert.True(t, v.IsCalibrated(), "same grid keeps the calibration")

	require.NoError(t, v.SetSweepParams(100e6, 600e6, 9, 2))
	assert.False(t, v.IsCalibrated())
}

func TestApplySOLTNeedsMatchingStandards(t *testing.T) {
	v, m := openMock(t, device.MockConfig{})
	ctx := measureCtx(t)
	m.SetDUT(device.ShortStandard())
	require.NoError(t, v.CaptureStandard(ctx, vna.StandardShort))
	m.SetDUT(device.OpenStandard())
	require.NoError(t, v.CaptureStandard(ctx, vna.StandardOpen))

	// load captured on a different grid
	require.NoError(t, v.SetSweepParams(100e6, 500e6, 5, 2))
	m.SetDUT(device.LoadStandard())
	require.NoError(t, v.CaptureStandard(ctx, vna.StandardLoad))

	assert.ErrorIs(t, v.ApplySOLT(), vna.ErrCalibrationDataMismatch)
	assert.False(t, v.IsCalibrated())
	assert.Len(t, v.Standards(), 3)
}

func TestApplySOLTRejectsStandardsFromShiftedGrid(t *testing.T) {
	v, m := openMock(t, device.MockConfig{})
	ctx := measureCtx(t)
	for _, c := range []struct {
		std vna.Standard
		dut device.DUT
	}{
		{vna.StandardShort, device.ShortStandard()},
		{vna.StandardOpen, device.OpenStandard()},
		{vna.StandardLoad, device.LoadStandard()},
	} {
		m.SetDUT(c.dut)
		require.NoError(t, v.CaptureStandard(ctx, c.std))
	}

	// same point count, different frequencies
	require.NoError(t, v.SetSweepParams(2e9, 3e9, 9, 2))
	assert.ErrorIs(t, v.ApplySOLT(), vna.ErrCalibrationDataMismatch)
	assert.False(t, v.IsCalibrated())
}

func TestSaveLoadReproducesCorrection(t *testing.T) {
	for _, name := range []string{"cal.json", "cal.db"} {
		t.Run(name, func(t *testing.T) {
			v, m := openMock(t, device.MockConfig{Errors: device.DefaultErrorModel()})
			calibrate(t, v, m)
			path := filepath.Join(t.TempDir(), name)
			ctx := measureCtx(t)
			require.NoError(t, v.SaveSOLTCalibration(ctx, path))

			m.SetDUT(testDUT())
			res, err := v.Measure(ctx)
			require.NoError(t, err)
			before := make([]vna.SParams, len(res.Raw))
			for i, raw := range res.Raw {
				before[i] = v.Correct(raw, i)
			}

			v.DenySOLT()
			require.NoError(t, v.LoadSOLTCalibration(ctx, path))
			require.True(t, v.IsCalibrated())
			for i, raw := range res.Raw {
				assert.Equal(t, before[i], v.Correct(raw, i), "index %d", i)
			}

			require.NoError(t, v.SetSweepParams(100e6, 900e6, 9, 2))
			err = v.LoadSOLTCalibration(ctx, path)
			assert.ErrorIs(t, err, vna.ErrCalibrationDataMismatch)
			assert.False(t, v.IsCalibrated())
		})
	}
}

func TestAutosweepGapsKeepSweepLength(t *testing.T) {
	v, m := openMock(t, device.MockConfig{AutoSweep: true, DropOnce: []int{0, 4, 8}, RequestFails: true})
	res, err := v.Measure(measureCtx(t))
	require.NoError(t, err)
	require.Len(t, res.Points, 9)
	require.Len(t, res.Raw, 9)

	missing := 0
	for _, p := range res.Points {
		if !p.Valid {
			missing++
		}
	}
	assert.Equal(t, 3, missing)
	assert.Equal(t, 1, m.Stats().Begins)
}

func TestBackgroundFaultDeliveredOnce(t *testing.T) {
	v, _ := openMock(t, device.MockConfig{FailAfter: 20})

	faults := make(chan error, 4)
	v.OnError(func(err error) { faults <- err })
	require.NoError(t, v.StartScan())

	select {
	case err := <-faults:
		assert.ErrorIs(t, err, vna.ErrDeviceIO)
		var ioErr *vna.DeviceIOError
		assert.ErrorAs(t, err, &ioErr)
	case <-time.After(5 * time.Second):
		t.Fatal("fault not delivered")
	}
	assert.False(t, v.IsScanning())
	select {
	case err := <-faults:
		t.Fatalf("second fault delivered: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMeasureCancelledByContext(t *testing.T) {
	v, _ := openMock(t, device.MockConfig{ReadDelay: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := v.Measure(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, v.TakeMeasurement(func(vna.SweepResult, error) {}))
}

func TestTakeMeasurementReportsFailures(t *testing.T) {
	t.Run("fault", func(t *testing.T) {
		v, _ := openMock(t, device.MockConfig{FailAfter: 4})
		errs := make(chan error, 1)
		require.NoError(t, v.TakeMeasurement(func(res vna.SweepResult, err error) {
			assert.Empty(t, res.Points)
			errs <- err
		}))
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, vna.ErrDeviceIO)
		case <-time.After(5 * time.Second):
			t.Fatal("measurement callback not called")
		}
	})

	t.Run("close", func(t *testing.T) {
		v, _ := openMock(t, device.MockConfig{ReadDelay: 20 * time.Millisecond})
		errs := make(chan error, 1)
		require.NoError(t, v.TakeMeasurement(func(_ vna.SweepResult, err error) { errs <- err }))
		require.NoError(t, v.Close())
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, vna.ErrNotOpen)
		case <-time.After(5 * time.Second):
			t.Fatal("measurement callback not called")
		}
	})
}

func TestCloseIsIdempotentAndDiscardsCalibration(t *testing.T) {
	v, m := openMock(t, device.MockConfig{Errors: device.DefaultErrorModel()})
	calibrate(t, v, m)
	require.NoError(t, v.StartScan())

	require.NoError(t, v.Close())
	assert.False(t, v.IsScanning())
	assert.False(t, v.IsCalibrated())
	assert.Empty(t, v.Standards())
	assert.True(t, m.Stats().Closed)
	require.NoError(t, v.Close())

	assert.ErrorIs(t, v.StartScan(), vna.ErrNotOpen)
}

func TestDebugReachesTransport(t *testing.T) {
	v, m := openMock(t, device.MockConfig{})
	v.Debug(true)
	assert.True(t, m.Stats().Debug)
	v.Debug(false)
	assert.False(t, m.Stats().Debug)
}

func TestHistoryKeepsRecentSweeps(t *testing.T) {
	v, _ := openMock(t, device.MockConfig{}, WithHistory(2))
	ctx := measureCtx(t)
	for i := 0; i < 3; i++ {
		_, err := v.Measure(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, v.History(), 2)
}
