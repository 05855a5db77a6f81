package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the hash key prefix; groups live at "{prefix}:{group}".
const DefaultKeyPrefix = "lab:credentials"

// RedisConfig holds the connection settings for the Redis provider.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// hashStore is the subset of the go-redis client the provider needs.
type hashStore interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisProvider stores each group as a hash of identity name to JSON key pair.
type RedisProvider struct {
	client hashStore
	prefix string
}

// NewRedisProvider connects to Redis and verifies the connection.
func NewRedisProvider(cfg RedisConfig) (*RedisProvider, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("credentials: failed to connect to Redis: %w", err)
	}
	return newRedisProvider(client, cfg.KeyPrefix), nil
}

func newRedisProvider(client hashStore, prefix string) *RedisProvider {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisProvider{client: client, prefix: prefix}
}

// Name returns the provider name.
func (p *RedisProvider) Name() string {
	return "redis"
}

func (p *RedisProvider) key(group Group) string {
	return p.prefix + ":" + string(group)
}

// List reads the group hash. A missing hash is an empty set.
func (p *RedisProvider) List(ctx context.Context, group Group) (Set, error) {
	fields, err := p.client.HGetAll(ctx, p.key(group)).Result()
	if err != nil {
		return nil, fmt.Errorf("credentials: failed to read %s: %w", p.key(group), err)
	}
	set := make(Set, len(fields))
	for name, raw := range fields {
		var c Credential
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("credentials: malformed entry %s in %s: %w", name, p.key(group), err)
		}
		c.Name = name
		c.Compromised = group == GroupCompromised
		set[name] = c
	}
	return set, nil
}

// Put writes one identity into its group hash.
func (p *RedisProvider) Put(ctx context.Context, group Group, cred Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("credentials: failed to encode %s: %w", cred.Name, err)
	}
	return p.client.HSet(ctx, p.key(group), cred.Name, string(data)).Err()
}

// Close closes the Redis client.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// HealthCheck pings Redis.
func (p *RedisProvider) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
