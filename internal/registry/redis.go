package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "voicemesh:participants:"
	redisRowTTL    = 24 * time.Hour
	maxTxRetries   = 5
)

// Redis stores one hash per channel; each field is a participant id holding
// the JSON row.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func redisKey(channelID string) string { return redisKeyPrefix + channelID }

func (r *Redis) Upsert(ctx context.Context, p Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := redisKey(p.ChannelID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, p.ID, data)
		pipe.Expire(ctx, key, redisRowTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// Update applies patch under WATCH so concurrent writers of the same row do
// not lose flags.
func (r *Redis) Update(ctx context.Context, channelID, id string, patch Patch) error {
	key := redisKey(channelID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, id).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var p Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode participant: %w", err)
		}
		patch.Apply(&p)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, data)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("update participant: %w", err)
		}
		return err
	}
	return fmt.Errorf("update participant: %w", redis.TxFailedErr)
}

func (r *Redis) Delete(ctx context.Context, channelID, id string) error {
	if err := r.client.HDel(ctx, redisKey(channelID), id).Err(); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, channelID string) ([]Participant, error) {
	rows, err := r.client.HGetAll(ctx, redisKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]Participant, 0, len(rows))
	for id, raw := range rows {
		var p Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode participant %q: %w", id, err)
		}
		out = append(out, p)
	}
	sortParticipants(out)
	return out, nil
}
