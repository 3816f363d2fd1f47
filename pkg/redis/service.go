package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type KeyType string

const (
	CALL_SESSION_INFO KeyType = "lbb_call_session_info"
)

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

var ErrKeyNotExist = redis.Nil

// Subscription is a live pub/sub subscription. Close stops delivery and
// releases the underlying connection.
type Subscription interface {
	Close() error
}

type RedisServiceInterface interface {
	GenerateKey(keyType KeyType, identifier string) string
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key string, value string, ttl time.Duration) error
	DelValue(ctx context.Context, key string) error
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string, handler func(string)) (Subscription, error)
}

type RedisService struct {
	client *redis.Client
}

func NewRedisService(config *RedisConfig) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisService{client: client}, nil
}

// GenerateKey generates a Redis key with the given key type and identifier
func (r *RedisService) GenerateKey(keyType KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s", string(keyType), identifier)
}

// GetValue gets a value from Redis by key
func (r *RedisService) GetValue(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetValue sets a value in Redis with TTL
func (r *RedisService) SetValue(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// DelValue deletes a value from Redis by key
func (r *RedisService) DelValue(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Publish publishes a message to a Redis channel. The message is JSON-encoded.
func (r *RedisService) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a Redis channel and delivers payloads to handler
// from a background goroutine until the returned Subscription is closed.
func (r *RedisService) Subscribe(ctx context.Context, channel string, handler func(string)) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning so a
	// Publish immediately after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	go func() {
		ch := pubsub.Channel()
		for msg := range ch {
			handler(msg.Payload)
		}
	}()

	return pubsub, nil
}
