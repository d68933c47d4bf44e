// Package redisstore keeps push subscribers and recent crowd reports in
// Redis so that several service instances share them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/subscriber"
)

const (
	subscribersKey = "quake:subscribers"
	tokensKey      = "quake:subscriber_tokens"
)

// Subscribers stores subscriber records as JSON in a hash keyed by device
// id, with a second hash indexing token to device id.
type Subscribers struct {
	rdb *redis.Client
}

var _ subscriber.Store = (*Subscribers)(nil)

func NewSubscribers(rdb *redis.Client) *Subscribers {
	return &Subscribers{rdb: rdb}
}

// maxTxAttempts bounds optimistic-lock retries when concurrent writers
// touch the same keys.
const maxTxAttempts = 16

// Save writes sub and moves its token index entry. The previous token is
// read under WATCH so a concurrent rotation cannot leave a stale index.
func (s *Subscribers) Save(ctx context.Context, sub domain.Subscriber) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}

	err = s.watch(ctx, func(tx *redis.Tx) error {
		prev, err := getSubscriber(ctx, tx, sub.DeviceID)
		if err != nil && !errors.Is(err, subscriber.ErrNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev.Token != "" && prev.Token != sub.Token {
				pipe.HDel(ctx, tokensKey, prev.Token)
			}
			pipe.HSet(ctx, subscribersKey, sub.DeviceID, data)
			pipe.HSet(ctx, tokensKey, sub.Token, sub.DeviceID)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("save subscriber %s: %w", sub.DeviceID, err)
	}
	return nil
}

// watch runs fn in a WATCH transaction over both hashes, retrying when
// another client modified them first.
func (s *Subscribers) watch(ctx context.Context, fn func(*redis.Tx) error) error {
	var err error
	for range maxTxAttempts {
		err = s.rdb.Watch(ctx, fn, subscribersKey, tokensKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getSubscriber(ctx context.Context, c hashGetter, deviceID string) (domain.Subscriber, error) {
	data, err := c.HGet(ctx, subscribersKey, deviceID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Subscriber{}, subscriber.ErrNotFound
	}
	if err != nil {
		return domain.Subscriber{}, fmt.Errorf("get subscriber %s: %w", deviceID, err)
	}
	return decodeSubscriber(data)
}

func (s *Subscribers) Get(ctx context.Context, deviceID string) (domain.Subscriber, error) {
	return getSubscriber(ctx, s.rdb, deviceID)
}

func (s *Subscribers) FindByToken(ctx context.Context, token string) (domain.Subscriber, error) {
	deviceID, err := s.rdb.HGet(ctx, tokensKey, token).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Subscriber{}, subscriber.ErrNotFound
	}
	if err != nil {
		return domain.Subscriber{}, fmt.Errorf("lookup token: %w", err)
	}
	return s.Get(ctx, deviceID)
}

// List returns every subscriber ordered by device id. Undecodable records
// are skipped.
func (s *Subscribers) List(ctx context.Context) ([]domain.Subscriber, error) {
	all, err := s.rdb.HGetAll(ctx, subscribersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	out := make([]domain.Subscriber, 0, len(all))
	for _, data := range all {
		sub, err := decodeSubscriber(data)
		if err != nil {
			continue
		}
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b domain.Subscriber) int { return strings.Compare(a.DeviceID, b.DeviceID) })
	return out, nil
}

func (s *Subscribers) Delete(ctx context.Context, deviceID string) error {
	err := s.watch(ctx, func(tx *redis.Tx) error {
		prev, err := getSubscriber(ctx, tx, deviceID)
		if errors.Is(err, subscriber.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, subscribersKey, deviceID)
			pipe.HDel(ctx, tokensKey, prev.Token)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete subscriber %s: %w", deviceID, err)
	}
	return nil
}

func decodeSubscriber(data string) (domain.Subscriber, error) {
	var sub domain.Subscriber
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return domain.Subscriber{}, fmt.Errorf("unmarshal subscriber: %w", err)
	}
	return sub, nil
}
