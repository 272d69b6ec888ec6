//go:build !cgo

package audioio

import (
	"errors"
	"log/slog"
)

const malgoAvailable = false

// newMalgoDevice returns an error when built without cgo.
func newMalgoDevice(cfg Config, logger *slog.Logger) (Device, error) {
	return nil, NewDeviceError(Capture, "malgo backend", errors.New("built without cgo"))
}
