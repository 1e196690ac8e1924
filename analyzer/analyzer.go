// Package analyzer is the measurement pipeline of a vector network analyzer.
//
// A VNA owns the sweep configuration and the calibration of one open device.
// Each point produced by the acquisition loop is corrected and published to
// OnPoint subscribers; the uncorrected reading goes to OnRaw subscribers.
// Subscribers run on the acquisition goroutine and must not call back into
// the VNA's control operations (StopScan, SetSweepParams, ApplySOLT, Close…).
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rjboer/GoVNA/internal/acquisition"
	"github.com/rjboer/GoVNA/internal/calibration"
	"github.com/rjboer/GoVNA/internal/device"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/telemetry"
	"github.com/rjboer/GoVNA/vna"
)

// MaxPowerDBm is the highest output power of the supported hardware.
const MaxPowerDBm = 10

// DefaultHistory is the number of sweeps kept for History.
const DefaultHistory = 16

// Discoverer lists candidate device paths.
type Discoverer func(ctx context.Context) []string

// Option configures a VNA.
type Option func(*VNA)

// WithLogger sets the logger used by the VNA and its components.
func WithLogger(l logging.Logger) Option {
	return func(v *VNA) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithOpener replaces the transport opener, which defaults to device.Opener.
func WithOpener(o vna.Opener) Option {
	return func(v *VNA) {
		if o != nil {
			v.opener = o
		}
	}
}

// WithDiscoverer replaces serial and mDNS discovery.
func WithDiscoverer(d Discoverer) Option {
	return func(v *VNA) {
		if d != nil {
			v.discover = d
		}
	}
}

// WithStandardModel sets the known reflection of the calibration standards.
func WithStandardModel(m calibration.StandardModel) Option {
	return func(v *VNA) {
		if m != nil {
			v.model = m
		}
	}
}

// WithDiscoveryTimeout bounds the network browse of FindDevices.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(v *VNA) {
		if d > 0 {
			v.devOpts.Discovery = d
		}
	}
}

// WithDeviceOptions sets the options used by the default opener and
// discoverer.
func WithDeviceOptions(o device.Options) Option {
	return func(v *VNA) {
		discovery := v.devOpts.Discovery
		v.devOpts = o
		if o.Discovery <= 0 {
			v.devOpts.Discovery = discovery
		}
	}
}

// WithRetry bounds autosweep point re-requests.
func WithRetry(tries int, interval time.Duration) Option {
	return func(v *VNA) {
		v.schedOpts = append(v.schedOpts, acquisition.WithRetry(tries, interval))
	}
}

// WithHistory sets how many sweeps History keeps.
func WithHistory(n int) Option {
	return func(v *VNA) { v.history = n }
}

// VNA is a vector network analyzer session. Its methods are safe for
// concurrent use; control operations are serialized.
type VNA struct {
	mu        sync.Mutex
	transport vna.Transport
	path      string
	cleanup   runtime.Cleanup
	hasClean  bool

	sched  *acquisition.Scheduler
	engine *calibration.Engine

	points *telemetry.Hub[Point]
	raws   *telemetry.Hub[RawPoint]
	sweeps *telemetry.Hub[vna.SweepResult]
	faults *telemetry.Hub[error]

	logger    logging.Logger
	opener    vna.Opener
	discover  Discoverer
	model     calibration.StandardModel
	devOpts   device.Options
	schedOpts []acquisition.Option
	history   int
	now       func() time.Time
}

// New builds a VNA with no device open.
func New(opts ...Option) *VNA {
	v := &VNA{
		logger:  logging.Default(),
		model:   calibration.IdealStandards,
		history: DefaultHistory,
		now:     time.Now,
		devOpts: device.Options{Discovery: device.DefaultDiscovery},
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.devOpts.Logger == nil {
		v.devOpts.Logger = v.logger
	}
	if v.opener == nil {
		v.opener = device.Opener(v.devOpts)
	}
	if v.discover == nil {
		devOpts := v.devOpts
		browse := device.MDNSBrowser(devOpts)
		v.discover = func(ctx context.Context) []string {
			return device.FindDevices(ctx, browse, devOpts)
		}
	}

	v.points = telemetry.NewHub[Point](0)
	v.raws = telemetry.NewHub[RawPoint](0)
	v.sweeps = telemetry.NewHub[vna.SweepResult](v.history)
	v.faults = telemetry.NewHub[error](0)

	v.engine = calibration.New(
		calibration.WithLogger(v.logger),
		calibration.WithStandardModel(v.model),
		calibration.WithClock(func() time.Time { return v.now() }),
	)
	v.sched = acquisition.New(v.logger, append([]acquisition.Option{acquisition.WithSink(sink{v})}, v.schedOpts...)...)
	v.logger = v.logger.With(logging.F("subsystem", "analyzer"))
	return v
}

// FindDevices lists serial ports and network analyzers, serial first.
func (v *VNA) FindDevices(ctx context.Context) []string {
	return v.discover(ctx)
}

// Open opens the device at path, closing any device opened before. An empty
// path opens the first discovered device.
func (v *VNA) Open(ctx context.Context, path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.closeLocked(); err != nil {
		v.logger.Warn("closing previous device", logging.Err(err))
	}
	if path == "" {
		found := v.discover(ctx)
		if len(found) == 0 {
			return vna.ErrDeviceNotFound
		}
		path = found[0]
	}

	t, err := v.opener(ctx, path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := v.sched.Attach(t); err != nil {
		_ = t.Close()
		return err
	}
	v.transport = t
	v.path = path
	// the transport is closed even when the VNA is dropped without Close
	v.cleanup = runtime.AddCleanup(v, closeTransport, t)
	v.hasClean = true

	caps := t.Capabilities()
	v.logger.Info("device opened",
		logging.F("path", path),
		logging.F("tr", caps.TR),
		logging.F("autosweep", caps.AutoSweep),
	)
	return nil
}

func closeTransport(t vna.Transport) { _ = t.Close() }

// Close stops scanning, closes the device and discards calibration. It is
// safe to call more than once.
func (v *VNA) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closeLocked()
}

func (v *VNA) closeLocked() error {
	v.sched.Stop()
	v.sched.AbortMeasurement(vna.ErrNotOpen)
	t, err := v.sched.Detach()
	if err != nil {
		return err
	}
	v.engine.Deny()
	v.engine.ClearStandards()
	if t == nil {
		return nil
	}
	if v.hasClean {
		v.cleanup.Stop()
		v.hasClean = false
	}
	v.transport = nil
	path := v.path
	v.path = ""
	if err := t.Close(); err != nil && !errors.Is(err, device.ErrClosed) {
		return fmt.Errorf("close %s: %w", path, err)
	}
	v.logger.Info("device closed", logging.F("path", path))
	return nil
}

// IsOpen reports whether a device is open.
func (v *VNA) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transport != nil
}

// Path returns the path of the open device.
func (v *VNA) Path() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.path
}

// Debug switches debug logging and, when supported, transport tracing.
func (v *VNA) Debug(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ls, ok := v.logger.(logging.LevelSetter); ok {
		if enabled {
			ls.SetLevel(logging.Debug)
		} else {
			ls.SetLevel(logging.Info)
		}
	}
	if d, ok := v.transport.(vna.Debugger); ok {
		d.SetDebug(enabled)
	}
}
