package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshcall/voicemesh/internal/signaling"
)

// Envelope is what relay instances exchange: either a routed message or a
// presence change for one channel.
type Envelope struct {
	Origin   string                   `json:"origin"`
	Scope    string                   `json:"scope"`
	Message  *signaling.Message       `json:"message,omitempty"`
	Presence *signaling.PresenceFrame `json:"presence,omitempty"`
}

// Backplane links relay instances serving the same channels.
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	// Run delivers envelopes published by any instance, including this one,
	// until ctx ends.
	Run(ctx context.Context, deliver func(Envelope)) error

	AddMember(ctx context.Context, scope, id string) error
	RemoveMember(ctx context.Context, scope, id string) error
	Members(ctx context.Context, scope string) ([]string, error)
}

const (
	redisSignalPrefix  = "voicemesh:signal:"
	redisMembersPrefix = "voicemesh:members:"
	redisMembersTTL    = 24 * time.Hour
)

// RedisBackplane fans envelopes out over Redis pub/sub (one channel per voice
// channel) and mirrors membership in one set per voice channel.
type RedisBackplane struct {
	client    *redis.Client
	log       *slog.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisBackplane(client *redis.Client, logger *slog.Logger) *RedisBackplane {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackplane{client: client, log: logger, ready: make(chan struct{})}
}

// Ready is closed once Run's subscription is active.
func (b *RedisBackplane) Ready() <-chan struct{} {
	return b.ready
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisSignalPrefix+env.Scope, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBackplane) Run(ctx context.Context, deliver func(Envelope)) error {
	sub := b.client.PSubscribe(ctx, redisSignalPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("dropping malformed backplane envelope", "channel", msg.Channel, "err", err)
				continue
			}
			if env.Scope == "" {
				env.Scope = strings.TrimPrefix(msg.Channel, redisSignalPrefix)
			}
			deliver(env)
		}
	}
}

func (b *RedisBackplane) AddMember(ctx context.Context, scope, id string) error {
	key := redisMembersPrefix + scope
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, id)
		pipe.Expire(ctx, key, redisMembersTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (b *RedisBackplane) RemoveMember(ctx context.Context, scope, id string) error {
	if err := b.client.SRem(ctx, redisMembersPrefix+scope, id).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

func (b *RedisBackplane) Members(ctx context.Context, scope string) ([]string, error) {
	ids, err := b.client.SMembers(ctx, redisMembersPrefix+scope).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return ids, nil
}
