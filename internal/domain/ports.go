package domain

import (
	"context"

	"peercall/native/internal/media"
)

// Unsubscribe cancels a store subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// SignalStore is the shared multi-reader/multi-writer document store both
// parties of a call exchange offers, answers and candidates through.
//
// Subscriptions outlive the ctx passed to Subscribe and SubscribeCandidates;
// that ctx bounds only the setup. Callbacks of one subscription are invoked
// sequentially, in store order.
type SignalStore interface {
	// Upsert merges update into the record, creating it if absent.
	Upsert(ctx context.Context, callID string, update CallUpdate) error
	// Read returns ErrNotFound if the record does not exist.
	Read(ctx context.Context, callID string) (*CallRecord, error)
	// Subscribe delivers the current snapshot (if any) and then the latest
	// snapshot after every write to the record.
	Subscribe(ctx context.Context, callID string, onChange func(CallRecord)) (Unsubscribe, error)
	// AppendCandidate adds one immutable entry to the record's candidate collection.
	AppendCandidate(ctx context.Context, callID string, c CandidateRecord) error
	// SubscribeCandidates delivers every existing and future candidate exactly once, in order.
	SubscribeCandidates(ctx context.Context, callID string, onAdd func(CandidateRecord)) (Unsubscribe, error)
	// Delete removes the record and its candidates.
	Delete(ctx context.Context, callID string) error
}

// MediaAcquirer opens local capture devices.
type MediaAcquirer interface {
	Acquire(ctx context.Context, cfg media.Config, quality media.Quality) (*media.LocalStream, error)
}

// Peer manages the local peer connection of one call.
type Peer interface {
	AttachLocalTracks(stream *media.LocalStream, quality media.Quality) error
	OnICECandidate(fn func(ICECandidate))
	OnRemoteTrack(fn func(*media.RemoteTrack))
	OnConnectionStateChange(fn func(ConnectionState))
	CreateOffer(iceRestart bool) (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(sdp SessionDescription) error
	SetRemoteDescription(sdp SessionDescription) error
	AddRemoteCandidate(c ICECandidate) error
	HasLocalOffer() bool
	ConnectionState() ConnectionState
	ToggleAudio() bool
	ToggleVideo() bool
	Close() error
}

// PeerFactory creates a fresh Peer for one call.
type PeerFactory func(ctx context.Context) (Peer, error)
