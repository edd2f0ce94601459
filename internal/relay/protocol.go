// Package relay exposes a domain.SignalStore over a WebSocket so that parties
// on different machines share one store, and provides the matching client.
package relay

import (
	"errors"
	"fmt"

	"peercall/native/internal/domain"
)

// Request methods, sent by the client.
const (
	methodUpsert              = "UPSERT"
	methodRead                = "READ"
	methodSubscribe           = "SUBSCRIBE"
	methodAppendCandidate     = "APPEND_CANDIDATE"
	methodSubscribeCandidates = "SUBSCRIBE_CANDIDATES"
	methodUnsubscribe         = "UNSUBSCRIBE"
	methodDelete              = "DELETE"
)

// Server methods.
const (
	methodResponse  = "RESPONSE"
	methodRecord    = "RECORD"
	methodCandidate = "CANDIDATE"
)

// Response codes.
const (
	codeOK          = 0
	codeBadRequest  = 400
	codeForbidden   = 403
	codeNotFound    = 404
	codeInternal    = 500
	codeUnavailable = 503
)

// ErrForbidden is returned when the relay refuses an operation for the
// authenticated user.
var ErrForbidden = errors.New("relay: operation not allowed for this user")

// message is the WebSocket message envelope in both directions.
type message struct {
	Method         string                  `json:"method"`
	ID             string                  `json:"id,omitempty"`
	CallID         string                  `json:"callId,omitempty"`
	SubscriptionID string                  `json:"subscriptionId,omitempty"`
	Update         *domain.CallUpdate      `json:"update,omitempty"`
	Record         *domain.CallRecord      `json:"record,omitempty"`
	Candidate      *domain.CandidateRecord `json:"candidate,omitempty"`
	Code           int                     `json:"code,omitempty"`
	Message        string                  `json:"message,omitempty"`
}

func codeFor(err error) int {
	switch {
	case err == nil:
		return codeOK
	case errors.Is(err, domain.ErrNotFound):
		return codeNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		return codeUnavailable
	case errors.Is(err, ErrForbidden):
		return codeForbidden
	default:
		return codeInternal
	}
}

// responseError turns a RESPONSE back into the error kinds the store contract uses.
func responseError(op string, msg message) error {
	switch msg.Code {
	case codeOK:
		return nil
	case codeNotFound:
		return domain.ErrNotFound
	case codeForbidden:
		return fmt.Errorf("%s: %w: %s", op, ErrForbidden, msg.Message)
	default:
		return fmt.Errorf("%s: %w: relay code %d: %s", op, domain.ErrStoreUnavailable, msg.Code, msg.Message)
	}
}
