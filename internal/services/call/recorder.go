package call

import (
	"context"
	"sync"
	"time"

	"github.com/lovebeyondborders/call-service/internal/domain"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	qualityQueueSize   = 128
	qualityBatchSize   = 32
	qualityMaxAttempts = 3
	persistTimeout     = 5 * time.Second
)

type queuedSample struct {
	sample   *domain.CallQualityLog
	attempts int
}

// Recorder persists call sessions, history and quality telemetry. Session
// and history writes are synchronous where the call flow depends on them;
// quality samples go through a bounded retry queue so telemetry loss is
// retried rather than silently dropped, and a failing store never
// destabilizes the call.
type Recorder struct {
	store     Store
	queue     chan queuedSample
	limiter   *rate.Limiter
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecorder creates a recorder and starts its background flusher.
func NewRecorder(store Store) *Recorder {
	r := &Recorder{
		store:   store,
		queue:   make(chan queuedSample, qualityQueueSize),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// CreateSession opens the persisted record for one call attempt. The call
// cannot proceed without it: quality logs and history reference the session.
func (r *Recorder) CreateSession(ctx context.Context, pairingID, callerID, receiverID string, callType domain.CallType, iceConfig string) (*domain.CallSession, error) {
	session := &domain.CallSession{
		PairingID:  pairingID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   callType,
		Status:     domain.SessionStatusInitiating,
		ICEConfig:  iceConfig,
		StartedAt:  time.Now(),
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSessionAsync applies a partial session update without blocking the
// call flow. Failures are logged only.
func (r *Recorder) UpdateSessionAsync(sessionID string, fields map[string]interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.store.UpdateSession(ctx, sessionID, fields); err != nil {
			logger.Base().Warn("call session update failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

// LogQuality enqueues one quality sample. Never blocks; when the queue is
// full the oldest pending sample is dropped in favor of the new one.
func (r *Recorder) LogQuality(sample *domain.CallQualityLog) {
	select {
	case <-r.done:
		return
	default:
	}

	item := queuedSample{sample: sample}
	select {
	case r.queue <- item:
	default:
		select {
		case dropped := <-r.queue:
			logger.Base().Warn("quality log queue full, dropping oldest sample",
				zap.String("session_id", dropped.sample.CallSessionID))
		default:
		}
		select {
		case r.queue <- item:
		default:
		}
	}
}

// FinishCall writes the single history row for a terminated call and marks
// the session ended. Duration is computed from the session's recorded start
// time to now.
func (r *Recorder) FinishCall(ctx context.Context, sessionID string, reason domain.EndReason) error {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		logger.Base().Warn("finishing call with unknown session", zap.String("session_id", sessionID))
		return nil
	}
	if session.Status == domain.SessionStatusEnded {
		// Already finished by another exit path.
		return nil
	}

	endedAt := time.Now()
	duration := int64(endedAt.Sub(session.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	history := &domain.CallHistory{
		CallSessionID:   session.ID,
		PairingID:       session.PairingID,
		CallerID:        session.CallerID,
		ReceiverID:      session.ReceiverID,
		CallType:        session.CallType,
		DurationSeconds: duration,
		EndReason:       reason,
		StartedAt:       session.StartedAt,
		EndedAt:         endedAt,
	}
	if err := r.store.InsertHistory(ctx, history); err != nil {
		return err
	}

	return r.store.UpdateSession(ctx, session.ID, map[string]interface{}{
		"status":   domain.SessionStatusEnded,
		"ended_at": endedAt,
	})
}

// Close drains the quality queue and stops the flusher.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	for {
		select {
		case item := <-r.queue:
			r.flush(r.collect(item))
		case <-r.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case item := <-r.queue:
					r.flush(r.collect(item))
				default:
					return
				}
			}
		}
	}
}

// collect gathers whatever else is already queued behind the first sample so
// one batched insert carries the whole backlog.
func (r *Recorder) collect(first queuedSample) []queuedSample {
	batch := []queuedSample{first}
	for len(batch) < qualityBatchSize {
		select {
		case item := <-r.queue:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) flush(batch []queuedSample) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return
	}

	samples := make([]*domain.CallQualityLog, len(batch))
	for i, item := range batch {
		samples[i] = item.sample
	}

	if err := r.store.InsertQualityLogs(ctx, samples); err != nil {
		for _, item := range batch {
			item.attempts++
			if item.attempts >= qualityMaxAttempts {
				logger.Base().Warn("dropping quality sample after retries",
					zap.String("session_id", item.sample.CallSessionID), zap.Error(err))
				continue
			}
			select {
			case r.queue <- item:
			default:
				logger.Base().Warn("quality log queue full, dropping retried sample",
					zap.String("session_id", item.sample.CallSessionID))
			}
		}
	}
}
