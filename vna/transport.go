package vna

import "context"

// Capabilities describes what the attached hardware can do.
type Capabilities struct {
	TR        bool // reflection/transmission only, no reverse path
	AutoSweep bool // device steps frequencies itself and tags samples
}

// Transport is the device collaborator used by the acquisition loop. Calls
// are made from a single goroutine; implementations need not be safe for
// concurrent use.
type Transport interface {
	Tune(ctx context.Context, freqHz float64) error
	ReadSample(ctx context.Context, withReverse bool) (Sample, error)
	Capabilities() Capabilities
	Close() error
}

// Opener opens a transport for a device path.
type Opener func(ctx context.Context, path string) (Transport, error)

// Attenuator is implemented by transports with programmable attenuators.
type Attenuator interface {
	SetAttenuation(ctx context.Context, att1, att2 int) error
}

// AutoSweeper is implemented by autosweep transports. After BeginAutoSweep,
// ReadSample returns tagged, device-averaged samples in a repeating stream.
type AutoSweeper interface {
	BeginAutoSweep(ctx context.Context, cfg SweepConfig) error
}

// AutoSweepEnder is implemented by autosweep transports that can halt the
// stream. The acquisition loop calls it when it exits.
type AutoSweepEnder interface {
	EndAutoSweep(ctx context.Context) error
}

// PointRequester lets an autosweep device remeasure a single index.
type PointRequester interface {
	RequestPoint(ctx context.Context, index int) (Sample, error)
}

// Debugger is implemented by transports that can trace their traffic.
type Debugger interface {
	SetDebug(enabled bool)
}
