//go:build !cgo

package audioio

import (
	"errors"
	"log/slog"
)

const otoAvailable = false

// newOtoDevice returns an error when built without cgo.
func newOtoDevice(cfg Config, logger *slog.Logger) (Device, error) {
	return nil, NewDeviceError(Playback, "oto backend", errors.New("built without cgo"))
}
