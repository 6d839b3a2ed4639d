package secrets

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps sealed values under prefixed Redis string keys.
type RedisStore struct {
	client    goredis.Cmdable
	sealer    Sealer
	keyPrefix string
}

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "quota-monitor:secret:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore wraps a connected *goredis.Client or *goredis.ClusterClient.
func NewRedisStore(client goredis.Cmdable, sealer Sealer, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		sealer:    sealer,
		keyPrefix: "quota-monitor:secret:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	value, err := s.sealer.Open(data)
	if err != nil {
		return nil, fmt.Errorf("open secret %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("seal secret %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, sealed, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}
