package call

import (
	"time"

	webrtcadapter "github.com/lovebeyondborders/call-service/internal/adapters/webrtc"
	"github.com/lovebeyondborders/call-service/internal/domain"
)

// Classification thresholds. Loss dominates latency at each tier because the
// precedence order evaluates it first.
const (
	poorLossThreshold = 0.05
	goodLossThreshold = 0.02
	poorLatency       = 300 * time.Millisecond
	goodLatency       = 150 * time.Millisecond
)

// qualitySample is one evaluated statistics read.
type qualitySample struct {
	quality      domain.ConnectionQuality
	packetLoss   float64
	audioQuality float64
	videoQuality float64
	latency      time.Duration
}

// evaluateQuality classifies a statistics snapshot. Precedence:
// disconnected, then poor, then good, then excellent.
func evaluateQuality(snap webrtcadapter.StatsSnapshot) qualitySample {
	loss := packetLossRatio(snap.PacketsLost, snap.PacketsReceived)

	sample := qualitySample{
		packetLoss:   loss,
		audioQuality: clamp01(1 - loss),
		// Loss is penalized at double weight for video.
		videoQuality: clamp01(1 - 2*loss),
		latency:      snap.RTT,
	}

	switch {
	case snap.ConnectionState == "disconnected" || snap.ConnectionState == "failed":
		sample.quality = domain.QualityDisconnected
	case loss > poorLossThreshold || snap.RTT > poorLatency:
		sample.quality = domain.QualityPoor
	case loss > goodLossThreshold || snap.RTT > goodLatency:
		sample.quality = domain.QualityGood
	default:
		sample.quality = domain.QualityExcellent
	}

	return sample
}

func packetLossRatio(lost int32, received uint32) float64 {
	if lost <= 0 {
		return 0
	}
	total := float64(lost) + float64(received)
	if total == 0 {
		return 0
	}
	return float64(lost) / total
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sampleQuality takes one statistics read for the active session, updates
// the observed quality and enqueues the telemetry row. Sampling failures are
// logged and swallowed: monitoring must not destabilize the call.
func (e *Engine) sampleQuality() {
	if e.sess == nil || e.sess.peer == nil {
		return
	}

	snap, err := e.sess.peer.Stats()
	if err != nil {
		e.log.Warnw("quality sampling failed", "call_id", e.sess.callID, "error", err)
		return
	}

	sample := evaluateQuality(snap)
	e.sess.quality = sample.quality

	slow := sample.quality == domain.QualityPoor || sample.quality == domain.QualityDisconnected
	if slow != e.sess.slowNetwork {
		e.sess.slowNetwork = slow
		e.applyBitrateConstraints()
	}

	e.recorder.LogQuality(&domain.CallQualityLog{
		CallSessionID:   e.sess.sessionID,
		ConnectionState: snap.ConnectionState,
		ICEState:        snap.ICEState,
		AudioQuality:    sample.audioQuality,
		VideoQuality:    sample.videoQuality,
		LatencyMs:       sample.latency.Milliseconds(),
		PacketLoss:      sample.packetLoss,
	})
}

// startQualityMonitor takes the immediate first sample and arms the periodic
// timer.
func (e *Engine) startQualityMonitor() {
	e.sampleQuality()
	e.armQualityTimer()
}

func (e *Engine) armQualityTimer() {
	if e.sess == nil {
		return
	}
	callID := e.sess.callID
	e.sess.qualityTimer = time.AfterFunc(e.cfg.QualityInterval, func() {
		e.post(evQualityTick{callID: callID})
	})
}
