package audioio

import (
	"errors"
	"fmt"
	"io"
)

// ErrDeviceUnavailable indicates no usable capture or playback device.
var ErrDeviceUnavailable = errors.New("audioio: device unavailable")

// ErrClosed indicates an operation on a released device or handle.
var ErrClosed = errors.New("audioio: closed")

// DeviceError describes a failure to enumerate or open a device.
type DeviceError struct {
	// Direction is the stream that failed.
	Direction Direction

	// Reason describes what failed.
	Reason string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("audioio: %s device unavailable: %s: %v", e.Direction, e.Reason, e.Cause)
	}
	return fmt.Sprintf("audioio: %s device unavailable: %s", e.Direction, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error {
	return e.Cause
}

// Is makes every DeviceError match ErrDeviceUnavailable.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceUnavailable
}

// NewDeviceError creates a new DeviceError.
func NewDeviceError(dir Direction, reason string, cause error) *DeviceError {
	return &DeviceError{Direction: dir, Reason: reason, Cause: cause}
}

// IsDeviceUnavailable returns true if err reports a missing or unusable device.
func IsDeviceUnavailable(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable)
}

// CaptureFunc receives one block of freshly captured mono samples per
// hardware period. The slice is only valid during the call and must be
// treated as read-only. Implementations must not block.
type CaptureFunc func(samples []int16)

// PlaybackFunc must fill out completely once per hardware period.
// Implementations must not block.
type PlaybackFunc func(out []int16)

// Handle controls one opened stream.
type Handle interface {
	// Start begins invoking the callback.
	Start() error

	// Stop halts callbacks. When Stop returns no callback is running and
	// none will run until Start is called again. Safe to call repeatedly.
	Stop() error

	// Config returns the negotiated stream parameters.
	Config() StreamConfig

	// Close stops the stream and releases it. Safe to call repeatedly.
	io.Closer
}

// DeviceInfo describes an enumerated device.
type DeviceInfo struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	IsDefault bool      `json:"is_default"`
}

// Device opens hardware streams.
type Device interface {
	// Enumerate lists available capture and playback devices.
	Enumerate() ([]DeviceInfo, error)

	// OpenCapture opens an input stream. The stream is idle until Start.
	OpenCapture(cfg StreamConfig, fn CaptureFunc) (Handle, error)

	// OpenPlayback opens an output stream. The stream is idle until Start.
	OpenPlayback(cfg StreamConfig, fn PlaybackFunc) (Handle, error)

	// Name returns the backend name (e.g., "malgo", "mock").
	Name() string

	// Close releases the device context. Handles must be closed first.
	io.Closer
}

// safeCapture runs fn, swallowing a panic so it never crosses the
// hardware thread boundary.
func safeCapture(fn CaptureFunc, samples []int16) {
	defer func() { _ = recover() }()
	fn(samples)
}

// safePlayback runs fn and falls back to silence if it panics.
func safePlayback(fn PlaybackFunc, out []int16) {
	defer func() {
		if recover() != nil {
			clear(out)
		}
	}()
	fn(out)
}
