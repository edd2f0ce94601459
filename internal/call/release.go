package call

import (
	"context"
	"errors"
	"fmt"

	"peercall/native/internal/metrics"

	"go.uber.org/zap"
)

// release tears the session down regardless of its state: local tracks,
// remote tracks, peer connection, subscriptions and, if asked, the
// signaling data. Every step runs even when an earlier one fails or panics.
// Only the first call has any effect.
func (s *Session) release(ctx context.Context, deleteSignalingData bool) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	local := s.local
	s.local = nil
	remote := s.remote
	s.remote = nil
	peer := s.peer
	s.peer = nil
	unsubs := s.unsubs
	s.unsubs = nil
	callID := s.callID
	began := s.role != ""
	if s.setupTimer != nil {
		s.setupTimer.Stop()
		s.setupTimer = nil
	}
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
	s.setStateLocked(StateEnded)
	hook := s.onReleased
	s.mu.Unlock()

	s.cancel()
	s.log.Info("releasing call resources", zap.Bool("deleteSignalingData", deleteSignalingData))

	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if local != nil {
		step("stop local tracks", local.Stop)
	}
	if remote != nil {
		step("stop remote tracks", remote.Stop)
	}
	if peer != nil {
		step("close peer connection", peer.Close)
	}
	for _, unsub := range unsubs {
		step("unsubscribe", func() error {
			unsub()
			return nil
		})
	}
	s.outbox.Close()
	if deleteSignalingData && callID != "" {
		step("delete signaling data", func() error {
			return s.deps.Store.Delete(ctx, callID)
		})
	}

	if began {
		metrics.ActiveSessions.Dec()
	}
	s.events.Push(s.events.Close)
	if hook != nil {
		hook(s)
	}

	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn("release finished with errors", zap.Error(err))
	} else {
		s.log.Info("call resources released")
	}
	return err
}
