package call

import (
	"context"
	"time"

	"github.com/lovebeyondborders/call-service/internal/adapters/signal"
	"github.com/lovebeyondborders/call-service/internal/domain"
)

// enterReconnecting moves a connected call into recovery. A pending
// reconnect timer dedupes repeated disconnect signals (the peer connection
// and ICE layers both report them) so one outage schedules one attempt.
func (e *Engine) enterReconnecting() {
	if e.phase != PhaseConnected && e.phase != PhaseReconnecting {
		return
	}
	if e.sess.reconnectTimer != nil {
		return
	}

	e.transition(PhaseReconnecting)
	e.scheduleReconnect(false)
	e.armWatchdog()
}

// handleConnectionFailed reacts to the terminal ICE failure state. Only
// mobile devices get the delayed ICE-restart round out of a live call:
// radio handoffs routinely produce a transient failed state that a second
// gathering round survives. On a stationary network the failure is almost
// never recoverable, so the call ends immediately rather than lingering in
// a doomed reconnect.
func (e *Engine) handleConnectionFailed() {
	switch e.phase {
	case PhaseConnected:
		if e.device != domain.DeviceClassMobile {
			e.endCall(domain.EndReasonConnectionFailed, true)
			return
		}
		e.transition(PhaseReconnecting)
		e.armWatchdog()
		e.scheduleReconnect(true)
	case PhaseReconnecting:
		if e.device == domain.DeviceClassMobile && !e.sess.failedRetryUsed {
			e.sess.failedRetryUsed = true
			e.scheduleReconnect(true)
			return
		}
		e.endCall(domain.EndReasonReconnectionFailed, true)
	case PhaseOutgoingRinging, PhaseIncomingRinging:
		e.endCall(domain.EndReasonConnectionFailed, true)
	}
}

// scheduleReconnect arms the delayed attempt. The delay gives mobile radios
// time to settle after a network switch before burning an ICE restart on a
// link that is still flapping.
func (e *Engine) scheduleReconnect(hardFailure bool) {
	if e.sess.reconnectTimer != nil {
		return
	}
	delay := e.cfg.ReconnectDelay(e.device == domain.DeviceClassMobile)
	callID := e.sess.callID
	e.log.Infow("reconnect attempt scheduled",
		"call_id", callID, "delay", delay.String(), "hard_failure", hardFailure)
	e.sess.reconnectTimer = time.AfterFunc(delay, func() {
		e.post(evReconnectAttempt{callID: callID})
	})
}

// attemptReconnect performs one recovery round: widen the candidate pool on
// a soft disconnect, then send an ICE-restart offer so both sides regather.
func (e *Engine) attemptReconnect() {
	sess := e.sess
	stopTimer(&sess.reconnectTimer)
	if e.phase != PhaseReconnecting {
		return
	}

	sess.reconnectAttempts++
	e.log.Infow("attempting reconnection",
		"call_id", sess.callID, "attempt", sess.reconnectAttempts)

	// A wider pool surfaces alternate routes (different interfaces, relay
	// paths) that the original gathering round never tried.
	sess.peer.WidenCandidatePool()

	offer, err := sess.peer.CreateOffer(true)
	if err != nil {
		e.log.Errorw("reconnection offer failed", "call_id", sess.callID, "error", err)
		e.endCall(domain.EndReasonReconnectionFailed, true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.channel.Publish(ctx, signal.Message{
		Type:   signal.TypeRenegotiationOffer,
		CallID: sess.callID,
		Offer:  &offer,
	}); err != nil {
		e.log.Errorw("reconnection offer publish failed", "call_id", sess.callID, "error", err)
		e.endCall(domain.EndReasonReconnectionFailed, true)
	}
}

// armWatchdog bounds the whole recovery: if the call has not come back
// within the device budget, it is terminated rather than left spinning.
func (e *Engine) armWatchdog() {
	if e.sess.watchdogTimer != nil {
		return
	}
	timeout := e.cfg.ReconnectTimeout(e.device == domain.DeviceClassMobile)
	callID := e.sess.callID
	e.sess.watchdogTimer = time.AfterFunc(timeout, func() {
		e.post(evReconnectWatchdog{callID: callID})
	})
}

func (e *Engine) reconnectWatchdogFired() {
	e.sess.watchdogTimer = nil
	if e.phase != PhaseReconnecting {
		return
	}
	e.log.Warnw("reconnection window exhausted", "call_id", e.sess.callID)
	e.endCall(domain.EndReasonReconnectionTimeout, true)
}

// recoverFromReconnect restores a call once media flows again: timers are
// disarmed, the retry budget resets and the bitrate tier is re-evaluated
// against the post-recovery network.
func (e *Engine) recoverFromReconnect() {
	if e.phase != PhaseReconnecting {
		return
	}
	stopTimer(&e.sess.reconnectTimer)
	stopTimer(&e.sess.watchdogTimer)
	e.sess.failedRetryUsed = false
	e.sess.reconnectAttempts = 0

	e.transition(PhaseConnected)
	e.log.Infow("call recovered", "call_id", e.sess.callID)
	e.applyBitrateConstraints()
}
