package domain

import "time"

// CandidatesCollection is the child collection name candidates are appended to
// under a call record.
const CandidatesCollection = "ice_candidates"

// CallStatus is the coarse lifecycle of a call record.
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
)

// SessionDescription is the JSON structure for SDP offer/answer payloads.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit JSON shape so that
// records written by web clients can be replayed here unchanged.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallRecord is the shared signaling document of one call attempt.
type CallRecord struct {
	ID        string              `json:"id"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Status    CallStatus          `json:"status,omitempty"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// CallUpdate is a partial write merged into a CallRecord. Nil and empty
// fields are left untouched.
type CallUpdate struct {
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
	Status CallStatus          `json:"status,omitempty"`
	// ClearAnswer removes the stored answer before Answer is merged. A new
	// attempt on a reused call id sets it along with its offer.
	ClearAnswer bool `json:"clearAnswer,omitempty"`
}

// Empty reports whether the update carries no field.
func (u CallUpdate) Empty() bool {
	return u.Offer == nil && u.Answer == nil && u.Status == "" && !u.ClearAnswer
}

// Apply merges u into rec.
func (u CallUpdate) Apply(rec *CallRecord) {
	if u.ClearAnswer {
		rec.Answer = nil
	}
	if u.Offer != nil {
		offer := *u.Offer
		rec.Offer = &offer
	}
	if u.Answer != nil {
		answer := *u.Answer
		rec.Answer = &answer
	}
	if u.Status != "" {
		rec.Status = u.Status
	}
}

// CandidateRecord is one append-only entry of a call's candidate collection.
type CandidateRecord struct {
	ID        string       `json:"id"`
	Candidate ICECandidate `json:"candidate"`
	UserID    string       `json:"userId"`
	CreatedAt time.Time    `json:"createdAt"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
