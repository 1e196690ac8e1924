package vna

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned when no analyzer could be located.
	ErrDeviceNotFound = errors.New("vna: device not found")

	// ErrNotOpen is returned by operations that need an open device.
	ErrNotOpen = errors.New("vna: device not open")

	// ErrDeviceIO marks transport failures raised by the acquisition loop.
	ErrDeviceIO = errors.New("vna: device i/o error")

	// ErrInvalidSweepParameters is returned for out of range sweep settings.
	ErrInvalidSweepParameters = errors.New("vna: invalid sweep parameters")

	// ErrCalibrationDataMismatch is returned when calibration data does not
	// line up with the configured frequency grid.
	ErrCalibrationDataMismatch = errors.New("vna: calibration data mismatch")

	// ErrCalibrationSingular marks a frequency index whose standards could not
	// be told apart. It is fatal only when no index could be solved.
	ErrCalibrationSingular = errors.New("vna: calibration singular")

	// ErrBusy is returned on conflicting start or measurement requests.
	ErrBusy = errors.New("vna: busy")
)

// DeviceIOError wraps a transport failure seen by the background loop.
type DeviceIOError struct {
	Op    string
	Index int
	Err   error
}

func (e *DeviceIOError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("vna: %s at point %d: %v", e.Op, e.Index, e.Err)
	}
	return fmt.Sprintf("vna: %s: %v", e.Op, e.Err)
}

func (e *DeviceIOError) Unwrap() error { return e.Err }

// Is reports ErrDeviceIO so callers can match the class with errors.Is.
func (e *DeviceIOError) Is(target error) bool { return target == ErrDeviceIO }
