package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"

	defaultRedisPrefix    = "consolectl:session:"
	defaultRedisOpTimeout = 2 * time.Second
)

// RedisStore keeps a profile's credentials in a Redis hash so that several
// shells on a shared host reuse one console session.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	profile   string
	key       string
	ttl       time.Duration
	opTimeout time.Duration
	logger    *slog.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix replaces the default key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRedisTTL expires the session hash ttl after the last write. Zero keeps
// it until cleared.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithRedisLogger sets the logger used to report Redis read failures.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore returns a store for profile backed by client.
func NewRedisStore(client *redis.Client, profile string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    defaultRedisPrefix,
		profile:   profile,
		opTimeout: defaultRedisOpTimeout,
		logger:    discardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.key = s.prefix + s.profile
	return s
}

func (s *RedisStore) AccessToken() (string, bool) {
	return s.get(fieldAccessToken)
}

func (s *RedisStore) RefreshToken() (string, bool) {
	return s.get(fieldRefreshToken)
}

func (s *RedisStore) SetAccessToken(token string) error {
	return s.set(fieldAccessToken, token)
}

func (s *RedisStore) SetRefreshToken(token string) error {
	return s.set(fieldRefreshToken, token)
}

func (s *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *RedisStore) get(field string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	val, err := s.client.HGet(ctx, s.key, field).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("could not read session from redis", "key", s.key, "error", err)
		}
		return "", false
	}
	return val, val != ""
}

func (s *RedisStore) set(field, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, field, token)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", field, err)
	}
	return nil
}
