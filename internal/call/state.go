package call

// Role is the side of the call a session plays.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// State is the negotiation state of a session.
type State string

const (
	StateIdle                      State = "idle"
	StateAcquiringMedia            State = "acquiring-media"
	StateConnectionCreated         State = "connection-created"
	StateOfferSent                 State = "offer-sent"
	StateAwaitingOffer             State = "awaiting-offer"
	StateAwaitingRemoteDescription State = "awaiting-remote-description"
	StateNegotiatingCandidates     State = "negotiating-candidates"
	StateConnected                 State = "connected"
	StateRestarting                State = "restarting"
	StateFailed                    State = "failed"
	StateEnded                     State = "ended"
)

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool { return s == StateEnded }
