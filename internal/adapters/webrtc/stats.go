package webrtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// StatsSnapshot is one point-in-time read of the connection statistics the
// quality monitor consumes.
type StatsSnapshot struct {
	ConnectionState string
	ICEState        string
	PacketsReceived uint32
	PacketsLost     int32
	RTT             time.Duration
}

// Stats samples the live connection. Inbound video packet counters and the
// round-trip time of the succeeded candidate pair are extracted; everything
// else in the report is ignored.
func (p *Peer) Stats() (StatsSnapshot, error) {
	snap := StatsSnapshot{
		ConnectionState: p.pc.ConnectionState().String(),
		ICEState:        p.pc.ICEConnectionState().String(),
	}

	report := p.pc.GetStats()
	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			if s.Kind == "video" {
				snap.PacketsReceived = s.PacketsReceived
				snap.PacketsLost = s.PacketsLost
			}
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded && s.CurrentRoundTripTime > 0 {
				snap.RTT = time.Duration(s.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}

	return snap, nil
}
