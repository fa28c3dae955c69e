package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore is a durable TicketStore backed by Redis. Tickets survive server
// restarts so detached clients can still resume after a redeploy.
type RedisStore struct {
	rdb         *redis.Client
	prefix      string
	idleTTL     time.Duration
	maxTTL      time.Duration
	rotateGrace time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client, prefix string, idleTTL, maxTTL, rotateGrace time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "haip:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, idleTTL: idleTTL, maxTTL: maxTTL, rotateGrace: rotateGrace}
}

func (s *RedisStore) keyTicket(id string) string       { return s.prefix + "ticket:" + id }
func (s *RedisStore) keySession(sessionID string) string { return s.prefix + "session:" + sessionID }

func (s *RedisStore) Put(ctx context.Context, t *Ticket) error {
	now := time.Now()
	t.stampDefaults(now, s.idleTTL, s.maxTTL)
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.keyTicket(t.ID), data, ttlFor(t, now)).Err(); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, s.keySession(t.SessionID), t.ID).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Ticket, error) {
	raw, err := s.rdb.Get(ctx, s.keyTicket(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t := &Ticket{}
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, err
	}
	if t.expired(time.Now()) {
		_ = s.Revoke(ctx, id)
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *RedisStore) Touch(ctx context.Context, id string, at time.Time) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	t.LastUsedAt = at
	if s.idleTTL > 0 {
		exp := at.Add(s.idleTTL)
		if !t.MaxExpiresAt.IsZero() && exp.After(t.MaxExpiresAt) {
			exp = t.MaxExpiresAt
		}
		t.ExpiresAt = exp
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyTicket(id), data, ttlFor(t, time.Now())).Err()
}

func (s *RedisStore) Rotate(ctx context.Context, oldID string, fresh *Ticket) (string, error) {
	old, err := s.Get(ctx, oldID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	next := *fresh
	if next.ID == "" {
		next.ID = NewTicket(old.SessionID, old.Subject).ID
	}
	next.SessionID = old.SessionID
	if next.Subject == "" {
		next.Subject = old.Subject
	}
	next.stampDefaults(now, s.idleTTL, s.maxTTL)
	data, err := json.Marshal(&next)
	if err != nil {
		return "", err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keyTicket(next.ID), data, ttlFor(&next, now))
	pipe.SAdd(ctx, s.keySession(next.SessionID), next.ID)
	if s.rotateGrace > 0 {
		pipe.Expire(ctx, s.keyTicket(oldID), s.rotateGrace)
	} else {
		pipe.Del(ctx, s.keyTicket(oldID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return next.ID, nil
}

func (s *RedisStore) Revoke(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.keyTicket(id)).Err(); err != nil {
		return err
	}
	return s.rdb.SRem(ctx, s.keySession(t.SessionID), id).Err()
}

func (s *RedisStore) RevokeSession(ctx context.Context, sessionID string) error {
	key := s.keySession(sessionID)
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.keyTicket(id))
	}
	pipe.Del(ctx, key)
	_, err = pipe.Exec(ctx)
	return err
}

func ttlFor(t *Ticket, now time.Time) time.Duration {
	var until time.Time
	switch {
	case !t.ExpiresAt.IsZero() && !t.MaxExpiresAt.IsZero():
		until = t.ExpiresAt
		if t.MaxExpiresAt.Before(until) {
			until = t.MaxExpiresAt
		}
	case !t.ExpiresAt.IsZero():
		until = t.ExpiresAt
	case !t.MaxExpiresAt.IsZero():
		until = t.MaxExpiresAt
	default:
		return 0
	}
	if until.Before(now) {
		return time.Second
	}
	return time.Until(until)
}

// String returns a diagnostic representation of the store config.
func (s *RedisStore) String() string {
	return fmt.Sprintf("RedisStore{prefix=%s idleTTL=%s maxTTL=%s grace=%s}", s.prefix, s.idleTTL, s.maxTTL, s.rotateGrace)
}
