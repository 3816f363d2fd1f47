package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lovebeyondborders/call-service/internal/domain"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"github.com/lovebeyondborders/call-service/pkg/redis"
	"go.uber.org/zap"
)

// Active-call entries outlive any plausible call plus reconnection window;
// the TTL is a safety net against a crashed instance leaving a pairing
// marked busy forever.
const activeCallTTL = 6 * time.Hour

// ActiveCall is the cached summary of a pairing's in-flight call.
type ActiveCall struct {
	CallID    string          `json:"call_id"`
	SessionID string          `json:"session_id"`
	CallerID  string          `json:"caller_id"`
	CallType  domain.CallType `json:"call_type"`
	StartedAt time.Time       `json:"started_at"`
}

// CallCache tracks which pairings currently have a call in flight, shared
// across service instances through Redis. It answers the "is my partner
// already in a call" question without a database round trip.
type CallCache struct {
	redisSvc redis.RedisServiceInterface
}

// NewCallCache creates the cache over the shared Redis service.
func NewCallCache(redisSvc redis.RedisServiceInterface) *CallCache {
	return &CallCache{redisSvc: redisSvc}
}

// SetActive marks the pairing as in a call.
func (c *CallCache) SetActive(ctx context.Context, pairingID string, call ActiveCall) error {
	payload, err := json.Marshal(call)
	if err != nil {
		return err
	}
	key := c.redisSvc.GenerateKey(redis.CALL_SESSION_INFO, pairingID)
	return c.redisSvc.SetValue(ctx, key, string(payload), activeCallTTL)
}

// GetActive returns the pairing's in-flight call, nil when the pairing is
// free.
func (c *CallCache) GetActive(ctx context.Context, pairingID string) (*ActiveCall, error) {
	key := c.redisSvc.GenerateKey(redis.CALL_SESSION_INFO, pairingID)
	payload, err := c.redisSvc.GetValue(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrKeyNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var call ActiveCall
	if err := json.Unmarshal([]byte(payload), &call); err != nil {
		// A corrupt entry is treated as free; it will be overwritten by
		// the next call.
		logger.Base().Warn("dropping corrupt active-call entry",
			zap.String("pairing_id", pairingID), zap.Error(err))
		return nil, nil
	}
	return &call, nil
}

// Clear removes the pairing's active-call marker.
func (c *CallCache) Clear(ctx context.Context, pairingID string) error {
	key := c.redisSvc.GenerateKey(redis.CALL_SESSION_INFO, pairingID)
	return c.redisSvc.DelValue(ctx, key)
}
