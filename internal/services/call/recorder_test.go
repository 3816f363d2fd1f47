package call

import (
	"context"
	"testing"
	"time"

	"github.com/lovebeyondborders/call-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRecorderCreateSession(t *testing.T) {
	store := newFakeStore()
	recorder := NewRecorder(store)
	defer recorder.Close()

	session, err := recorder.CreateSession(context.Background(),
		"pairing-1", "user-a", "user-b", domain.CallTypeVideo, `{"iceServers":[]}`)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, domain.SessionStatusInitiating, session.Status)
	assert.False(t, session.StartedAt.IsZero())

	store.failCreate = true
	_, err = recorder.CreateSession(context.Background(),
		"pairing-1", "user-a", "user-b", domain.CallTypeAudio, "")
	assert.Error(t, err)
}

func TestRecorderFinishCallWritesOneHistoryRow(t *testing.T) {
	store := newFakeStore()
	recorder := NewRecorder(store)
	defer recorder.Close()

	session, err := recorder.CreateSession(context.Background(),
		"pairing-1", "user-a", "user-b", domain.CallTypeAudio, "")
	require.NoError(t, err)

	require.NoError(t, recorder.FinishCall(context.Background(), session.ID, domain.EndReasonCompleted))
	require.Equal(t, 1, store.historyCount())

	history := store.lastHistory()
	assert.Equal(t, session.ID, history.CallSessionID)
	assert.Equal(t, "pairing-1", history.PairingID)
	assert.Equal(t, domain.EndReasonCompleted, history.EndReason)
	assert.GreaterOrEqual(t, history.DurationSeconds, int64(0))
	assert.Equal(t, domain.SessionStatusEnded, store.sessionStatus(session.ID))

	// A second finish from another exit path is a no-op: exactly one
	// history row per terminated session.
	require.NoError(t, recorder.FinishCall(context.Background(), session.ID, domain.EndReasonRemoteHangup))
	assert.Equal(t, 1, store.historyCount())
}

func TestRecorderFinishCallUnknownSession(t *testing.T) {
	store := newFakeStore()
	recorder := NewRecorder(store)
	defer recorder.Close()

	require.NoError(t, recorder.FinishCall(context.Background(), "nope", domain.EndReasonCompleted))
	assert.Zero(t, store.historyCount())
}

func TestRecorderQualityLogsFlushed(t *testing.T) {
	store := newFakeStore()
	recorder := NewRecorder(store)

	for i := 0; i < 5; i++ {
		recorder.LogQuality(&domain.CallQualityLog{
			CallSessionID: "session-1",
			AudioQuality:  1,
			VideoQuality:  1,
		})
	}

	require.Eventually(t, func() bool {
		return store.qualityCount() == 5
	}, 5*time.Second, 10*time.Millisecond)
	recorder.Close()
}

func TestRecorderFlushBatchesBacklog(t *testing.T) {
	store := newFakeStore()

	// Built by hand so no flusher races the queue: the backlog must go to
	// the store as one batched insert, not a round trip per sample.
	r := &Recorder{
		store:   store,
		queue:   make(chan queuedSample, qualityQueueSize),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		done:    make(chan struct{}),
	}
	for i := 0; i < 5; i++ {
		r.queue <- queuedSample{sample: &domain.CallQualityLog{CallSessionID: "session-1"}}
	}

	first := <-r.queue
	batch := r.collect(first)
	require.Len(t, batch, 5)

	r.flush(batch)
	assert.Equal(t, 5, store.qualityCount())
	assert.Equal(t, 1, store.batchCount())
}

func TestRecorderQualityRetriesTransientFailures(t *testing.T) {
	store := newFakeStore()
	store.failQuality = 2
	recorder := NewRecorder(store)

	recorder.LogQuality(&domain.CallQualityLog{CallSessionID: "session-1"})

	// Two failed attempts, then the third lands.
	require.Eventually(t, func() bool {
		return store.qualityCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	recorder.Close()
}

func TestRecorderCloseDrainsQueue(t *testing.T) {
	store := newFakeStore()
	recorder := NewRecorder(store)

	for i := 0; i < 10; i++ {
		recorder.LogQuality(&domain.CallQualityLog{CallSessionID: "session-1"})
	}
	recorder.Close()

	assert.Equal(t, 10, store.qualityCount())

	// Samples after close are ignored, not panics.
	recorder.LogQuality(&domain.CallQualityLog{CallSessionID: "session-1"})
	assert.Equal(t, 10, store.qualityCount())
}

func TestRecorderUpdateSessionAsync(t *testing.T) {
	store := newFakeStore()
	recorder := NewRecorder(store)
	defer recorder.Close()

	session, err := recorder.CreateSession(context.Background(),
		"pairing-1", "user-a", "user-b", domain.CallTypeAudio, "")
	require.NoError(t, err)

	recorder.UpdateSessionAsync(session.ID, map[string]interface{}{
		"status": domain.SessionStatusRinging,
	})
	require.Eventually(t, func() bool {
		return store.sessionStatus(session.ID) == domain.SessionStatusRinging
	}, 5*time.Second, 10*time.Millisecond)
}
