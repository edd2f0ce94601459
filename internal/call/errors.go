package call

import (
	"errors"
	"fmt"

	"peercall/native/internal/media"
)

// Kind classifies an error delivered to OnError.
type Kind string

const (
	KindMedia        Kind = "media"
	KindSignaling    Kind = "signaling"
	KindNegotiation  Kind = "negotiation"
	KindConnectivity Kind = "connectivity"
	KindOfferTimeout Kind = "offer-timeout"
	KindSetupTimeout Kind = "setup-timeout"
)

var (
	ErrOfferNeverArrived = errors.New("offer never arrived")
	ErrRestartsExhausted = errors.New("connection restarts exhausted")
	ErrSetupTimeout      = errors.New("call did not connect in time")
	ErrAlreadyStarted    = errors.New("session already started")
	ErrSessionClosed     = errors.New("session closed")
	ErrNotInitialized    = errors.New("manager not initialized for a user")

	errOfferNotPersisted = errors.New("offer not visible after write")
	errCoolingDown       = errors.New("restart cooldown not elapsed")
)

var hints = map[Kind]string{
	KindSignaling:    "The signaling service could not be reached. Check your connection and try again.",
	KindNegotiation:  "The other party's client is not compatible with this call setup.",
	KindConnectivity: "The connection could not be re-established. A network, NAT or firewall restriction is likely blocking the call.",
	KindOfferTimeout: "The caller never started this call. Ask the caller to try again.",
	KindSetupTimeout: "The call could not be connected in time. Try again.",
}

// Error is every error a Session surfaces through OnError.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Hint is remediation guidance for the user.
func (e *Error) Hint() string {
	var me *media.Error
	if errors.As(e.Err, &me) {
		return me.Hint()
	}
	return hints[e.Kind]
}

// KindOf returns the Kind of err, or "" if err did not come from a Session.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
