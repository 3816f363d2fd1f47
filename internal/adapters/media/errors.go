package media

import (
	"errors"
)

// Device acquisition failures, classified for user-facing messaging.
var (
	ErrPermissionDenied        = errors.New("media device permission denied")
	ErrNoDevice                = errors.New("no media device available")
	ErrDeviceBusy              = errors.New("media device busy")
	ErrConstraintsUnsupported  = errors.New("media constraints unsupported")
)

// ErrorKind is the user-facing media failure taxonomy.
type ErrorKind string

const (
	ErrorPermissionDenied       ErrorKind = "permission-denied"
	ErrorNoDevice               ErrorKind = "no-device"
	ErrorDeviceBusy             ErrorKind = "device-busy"
	ErrorConstraintsUnsupported ErrorKind = "constraints-unsupported"
	ErrorUnknown                ErrorKind = "unknown"
)

// Classify maps a device error to the failure taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ErrorPermissionDenied
	case errors.Is(err, ErrNoDevice):
		return ErrorNoDevice
	case errors.Is(err, ErrDeviceBusy):
		return ErrorDeviceBusy
	case errors.Is(err, ErrConstraintsUnsupported):
		return ErrorConstraintsUnsupported
	default:
		return ErrorUnknown
	}
}
