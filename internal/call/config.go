package call

import (
	"time"

	"peercall/native/internal/domain"

	"go.uber.org/zap"
)

// Config holds the timing policy of a session.
type Config struct {
	// OfferPollAttempts reads, OfferPollInterval apart, before a receiver
	// gives up waiting for the caller's offer.
	OfferPollAttempts int
	OfferPollInterval time.Duration

	// OfferVerifyDelay is how long the caller waits before reading its offer
	// back. A missing read-back triggers one rewrite.
	OfferVerifyDelay time.Duration

	MaxRestarts     int
	RestartCooldown time.Duration
	// RestartDelay is waited between a failure and the restart offer.
	RestartDelay time.Duration
	// RestartSettle is how long a restart counts as in progress after its
	// offer was written.
	RestartSettle time.Duration

	// DisconnectGrace is how long a disconnected connection is left alone
	// before it is reported as still down.
	DisconnectGrace time.Duration

	// SetupTimeout bounds the time from StartCall/JoinCall to the first
	// connected state. Zero disables it.
	SetupTimeout time.Duration

	// RemoteRedelivery lists delays after a track arrives at which the
	// remote stream is delivered again.
	RemoteRedelivery []time.Duration
}

// DefaultConfig returns the production timing policy.
func DefaultConfig() Config {
	return Config{
		OfferPollAttempts: 25,
		OfferPollInterval: 500 * time.Millisecond,
		OfferVerifyDelay:  300 * time.Millisecond,
		MaxRestarts:       3,
		RestartCooldown:   5 * time.Second,
		RestartDelay:      time.Second,
		RestartSettle:     5 * time.Second,
		DisconnectGrace:   3 * time.Second,
		SetupTimeout:      60 * time.Second,
		RemoteRedelivery:  []time.Duration{100 * time.Millisecond, 500 * time.Millisecond},
	}
}

func (c Config) withDefaults() Config {
	if c.OfferPollAttempts <= 0 {
		c.OfferPollAttempts = 1
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	return c
}

// Deps are the collaborators of a session.
type Deps struct {
	Store   domain.SignalStore
	Media   domain.MediaAcquirer
	NewPeer domain.PeerFactory
	// UserID tags the candidates this party appends.
	UserID string
	Logger *zap.Logger
}
