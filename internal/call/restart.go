package call

import (
	"context"
	"time"

	"peercall/native/internal/domain"
	"peercall/native/internal/metrics"
	"peercall/native/internal/retry"

	"go.uber.org/zap"
)

// handleFailure applies the restart policy to a failed connection. Only the
// caller writes restart offers; the receiver counts rounds the same way and
// answers the caller's offers from its record subscription.
func (s *Session) handleFailure() {
	s.mu.Lock()
	if s.released || s.exhausted {
		s.mu.Unlock()
		return
	}
	if s.restarting {
		s.log.Debug("restart already in progress, ignoring failure")
		s.mu.Unlock()
		return
	}
	if s.restartCount >= s.cfg.MaxRestarts {
		s.exhausted = true
		count := s.restartCount
		s.mu.Unlock()
		s.log.Error("giving up on connection", zap.Int("restarts", count))
		s.fail(&Error{Kind: KindConnectivity, Op: "restart", Err: ErrRestartsExhausted})
		return
	}
	if wait := s.cfg.RestartCooldown - time.Since(s.lastRestart); !s.lastRestart.IsZero() && wait > 0 {
		if !s.recheckScheduled {
			s.recheckScheduled = true
			s.log.Info("restart cooling down", zap.Duration("wait", wait))
			go s.recheckAfter(wait)
		}
		s.mu.Unlock()
		return
	}

	s.restartCount++
	s.restartGen++
	s.restarting = true
	s.lastRestart = time.Now()
	attempt, gen, role := s.restartCount, s.restartGen, s.role
	s.setStateLocked(StateRestarting)
	s.mu.Unlock()

	s.log.Warn("connection failed, restarting", zap.Int("attempt", attempt), zap.Int("max", s.cfg.MaxRestarts))
	go s.restart(role, gen)
}

// recheckAfter polls the cooldown once now and once after wait, then
// re-evaluates the failure if the connection is still failed.
func (s *Session) recheckAfter(wait time.Duration) {
	err := retry.Do(s.ctx, retry.Fixed(2, wait), func(context.Context, int) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if time.Since(s.lastRestart) < s.cfg.RestartCooldown {
			return errCoolingDown
		}
		return nil
	})
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.Debug("cooldown re-check ended early", zap.Error(err))
	}
	s.mu.Lock()
	s.recheckScheduled = false
	failed := s.connState == domain.ConnectionStateFailed
	s.mu.Unlock()
	if failed {
		s.handleFailure()
	}
}

func (s *Session) restart(role Role, gen int) {
	if retry.Sleep(s.ctx, s.cfg.RestartDelay) != nil {
		return
	}

	if role == RoleCaller {
		s.sendRestartOffer()
	}

	if retry.Sleep(s.ctx, s.cfg.RestartSettle) != nil {
		return
	}
	s.mu.Lock()
	if s.restartGen == gen {
		s.restarting = false
	}
	failed := s.connState == domain.ConnectionStateFailed
	s.mu.Unlock()
	if failed {
		s.handleFailure()
	}
}

func (s *Session) sendRestartOffer() {
	peer := s.currentPeer()
	if peer == nil {
		return
	}
	offer, err := peer.CreateOffer(true)
	if err != nil {
		s.fail(&Error{Kind: KindNegotiation, Op: "create restart offer", Err: err})
		return
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		s.fail(&Error{Kind: KindNegotiation, Op: "set local restart offer", Err: err})
		return
	}
	s.mu.Lock()
	s.lastOfferSDP = offer.SDP
	s.mu.Unlock()

	if err := s.publishOffer(s.ctx, offer, false); err != nil {
		if s.ctx.Err() == nil {
			s.fail(err)
		}
		return
	}
	metrics.ICERestartsTotal.Inc()
	s.log.Info("restart offer published")
}
