package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher is the slice of *redis.Client the sink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink mirrors bus events onto a Redis pub/sub channel.
type RedisSink struct {
	Client  Publisher
	Channel string
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s RedisSink) Mirror(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.Client.Publish(ctx, s.Channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", s.Channel, err)
	}
	return nil
}
