package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lovebeyondborders/call-service/pkg/logger"
	"github.com/lovebeyondborders/call-service/pkg/redis"
	"go.uber.org/zap"
)

const topicPrefix = "lbb:call:signal"

// TopicForPairing derives the broadcast topic for a pairing. The naming is
// deterministic so exactly the two paired users reach the same topic.
func TopicForPairing(pairingID string) string {
	return fmt.Sprintf("%s:%s", topicPrefix, pairingID)
}

// Channel is a pairing-scoped signaling channel over Redis pub/sub. Delivery
// is at-most-once and unordered across message types; receivers must treat
// each message as individually applicable.
type Channel struct {
	redisSvc redis.RedisServiceInterface
	topic    string
	selfID   string

	mu  sync.Mutex
	sub redis.Subscription
}

// NewChannel creates a signaling channel for one pairing. selfID is used to
// drop the sender's own broadcasts on receipt.
func NewChannel(redisSvc redis.RedisServiceInterface, pairingID, selfID string) *Channel {
	return &Channel{
		redisSvc: redisSvc,
		topic:    TopicForPairing(pairingID),
		selfID:   selfID,
	}
}

// Publish broadcasts one signaling message to the pairing topic.
func (c *Channel) Publish(ctx context.Context, msg Message) error {
	msg.SenderID = c.selfID
	if err := c.redisSvc.Publish(ctx, c.topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Type, err)
	}
	return nil
}

// Subscribe binds the handler to the pairing topic. Messages published by
// this side are filtered out; malformed payloads are logged and dropped.
// Only one subscription is held at a time.
func (c *Channel) Subscribe(ctx context.Context, handler func(Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return fmt.Errorf("channel already subscribed to %s", c.topic)
	}

	sub, err := c.redisSvc.Subscribe(ctx, c.topic, func(payload string) {
		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Warn("dropping malformed signaling message",
				zap.String("topic", c.topic), zap.Error(err))
			return
		}
		if msg.SenderID == c.selfID {
			return
		}
		handler(msg)
	})
	if err != nil {
		return err
	}

	c.sub = sub
	return nil
}

// Close tears down the subscription. Safe to call multiple times and while
// never subscribed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub == nil {
		return nil
	}
	err := c.sub.Close()
	c.sub = nil
	return err
}
