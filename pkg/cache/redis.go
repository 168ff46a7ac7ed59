package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// KeyPrefix namespaces every key written by the storage.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisStorage is a Storage shared through Redis. Generation names are kept
// in a set; each generation is a hash of key to JSON-encoded entry.
type RedisStorage struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
}

// NewRedisStorage creates and connects a new RedisStorage.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStorage(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStorage, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "contentsync"
	}
	return &RedisStorage{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStorage").Logger(),
		prefix:      prefix,
	}, nil
}

func (s *RedisStorage) namesKey() string {
	return s.prefix + ":generations"
}

func (s *RedisStorage) generationKey(name string) string {
	return s.prefix + ":gen:" + name
}

// Open registers the generation name and returns a view of its hash.
func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := s.redisClient.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to register cache %s in redis: %w", name, err)
	}
	return &redisCache{
		client: s.redisClient,
		name:   name,
		key:    s.generationKey(name),
		logger: s.logger,
	}, nil
}

// Has reports whether the generation name is registered.
func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.redisClient.SIsMember(ctx, s.namesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember failed for %s: %w", name, err)
	}
	return ok, nil
}

// Delete removes the generation hash and its registration in one transaction.
func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.generationKey(name))
		removed = pipe.SRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("cache", name).Msg("Failed to delete cache generation.")
		return false, fmt.Errorf("redis delete failed for %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

// Keys lists every registered generation name.
func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.redisClient.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	return names, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}

type redisCache struct {
	client *redis.Client
	name   string
	key    string
	logger zerolog.Logger
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Match(ctx context.Context, key string) (Entry, error) {
	data, err := c.client.HGet(ctx, c.key, key).Bytes()
	if err != nil {
		// A redis.Nil error is a normal cache miss. Any other error is a genuine problem.
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("redis hget failed for %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached entry.")
		return Entry{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return entry, nil
}

func (c *redisCache) Put(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := c.client.HSet(ctx, c.key, key, data).Err(); err != nil {
		return fmt.Errorf("redis hset failed for %s: %w", key, err)
	}
	return nil
}

// PutBatch writes every entry with a single HSET.
func (c *redisCache) PutBatch(ctx context.Context, entries []KeyedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, 2*len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e.Entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry %s: %w", e.Key, err)
		}
		values = append(values, e.Key, data)
	}
	if err := c.client.HSet(ctx, c.key, values...).Err(); err != nil {
		return fmt.Errorf("redis hset failed for %d entries: %w", len(entries), err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.client.HDel(ctx, c.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis hdel failed for %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.client.HKeys(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys failed: %w", err)
	}
	return keys, nil
}
