package webrtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	p, err := NewPeer(Config{
		ICECandidatePoolSize: 0,
		WidenedPoolSize:      2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestEarlyCandidateBufferedUntilRemoteDescription(t *testing.T) {
	caller := newTestPeer(t)
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "caller")
	require.NoError(t, err)
	require.NoError(t, caller.AttachLocalTracks(audio, nil))

	offer, err := caller.CreateOffer(false)
	require.NoError(t, err)

	callee := newTestPeer(t)
	mlineIndex := uint16(0)
	early := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMLineIndex: &mlineIndex,
	}

	// The channel gives no ordering across message types, so candidates
	// can outrun the offer they belong to. They must be held, not lost.
	require.NoError(t, callee.AddICECandidate(early))
	require.NoError(t, callee.AddICECandidate(early))

	callee.mu.Lock()
	buffered := len(callee.pending)
	callee.mu.Unlock()
	assert.Equal(t, 2, buffered)

	require.NoError(t, callee.SetRemoteDescription(offer))

	callee.mu.Lock()
	remaining := len(callee.pending)
	callee.mu.Unlock()
	assert.Zero(t, remaining)

	// With the description in place candidates apply directly.
	require.NoError(t, callee.AddICECandidate(early))
}
