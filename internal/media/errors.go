package media

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Reason classifies a capture failure.
type Reason string

const (
	ReasonPermissionDenied Reason = "permission-denied"
	ReasonDeviceNotFound   Reason = "device-not-found"
	ReasonDeviceBusy       Reason = "device-busy"
	ReasonConstraints      Reason = "constraints-unsatisfiable"
	ReasonUnsupported      Reason = "unsupported-platform"
	ReasonUnknown          Reason = "unknown"
)

var hints = map[Reason]string{
	ReasonPermissionDenied: "grant camera/microphone access to this application and try again",
	ReasonDeviceNotFound:   "connect a camera/microphone and make sure it is enabled",
	ReasonDeviceBusy:       "close other applications using the camera/microphone and try again",
	ReasonConstraints:      "lower the call quality or use a different device",
	ReasonUnsupported:      "media capture is not available on this platform",
	ReasonUnknown:          "check device permissions and try again",
}

// Errors a Platform may return (directly or wrapped) to steer classification.
// Platforms may equally return fs.ErrPermission, fs.ErrNotExist,
// syscall.EBUSY or errors.ErrUnsupported.
var (
	ErrOverconstrained = errors.New("constraints cannot be satisfied")
	ErrDeviceBusy      = errors.New("device busy")
	ErrNoLiveTracks    = errors.New("capture produced no live tracks")
)

// Error is a classified capture failure.
type Error struct {
	Reason Reason
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("acquire %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("acquire media: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Hint is the remediation users should be shown.
func (e *Error) Hint() string { return hints[e.Reason] }

// Classify maps a platform error to a Reason.
func Classify(err error) Reason {
	var me *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &me):
		return me.Reason
	case errors.Is(err, fs.ErrPermission):
		return ReasonPermissionDenied
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV):
		return ReasonDeviceNotFound
	case errors.Is(err, ErrDeviceBusy), errors.Is(err, syscall.EBUSY):
		return ReasonDeviceBusy
	case errors.Is(err, ErrOverconstrained):
		return ReasonConstraints
	case errors.Is(err, errors.ErrUnsupported):
		return ReasonUnsupported
	default:
		return ReasonUnknown
	}
}

func classified(kind Kind, err error) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return &Error{Reason: Classify(err), Kind: kind, Err: err}
}
