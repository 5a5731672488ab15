package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Driver names a DocumentStore implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSupabase Driver = "supabase"
	DriverPostgres Driver = "postgres"
)

// FeedType names a ChangeFeed implementation.
type FeedType string

const (
	FeedNone   FeedType = "none"
	FeedMemory FeedType = "memory"
	FeedRedis  FeedType = "redis"
)

var (
	ErrInvalidDriver = errors.New("invalid remote driver")
	ErrInvalidConfig = errors.New("invalid remote configuration")
)

// Option is a functional option for configuring remote backends.
type Option func(*options)

type options struct {
	supabase    SupabaseConfig
	postgres    PostgresConfig
	redisClient *redis.Client
	redisURL    string
}

// WithSupabase sets the Supabase project URL and API key.
func WithSupabase(url, apiKey string) Option {
	return func(o *options) {
		o.supabase = SupabaseConfig{URL: url, APIKey: apiKey}
	}
}

// WithPostgres sets the PostgreSQL connection settings.
func WithPostgres(cfg PostgresConfig) Option {
	return func(o *options) {
		o.postgres = cfg
	}
}

// WithRedisClient sets the Redis client for the Redis change feed.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// WithRedisURL parses a redis:// URL into a client for the change feed.
func WithRedisURL(url string) Option {
	return func(o *options) {
		o.redisURL = url
	}
}

// NewStore creates a DocumentStore for the given driver.
func NewStore(ctx context.Context, driver Driver, opts ...Option) (DocumentStore, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverSupabase:
		return NewSupabaseStore(cfg.supabase)
	case DriverPostgres:
		if cfg.postgres.DSN == "" {
			return nil, fmt.Errorf("%w: postgres DSN is required", ErrInvalidConfig)
		}
		return NewPostgresStore(ctx, cfg.postgres)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDriver, driver)
	}
}

// NewFeed creates a ChangeFeed of the given type. FeedNone returns nil.
func NewFeed(feed FeedType, opts ...Option) (ChangeFeed, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch feed {
	case FeedNone, "":
		return nil, nil
	case FeedMemory:
		return NewMemoryFeed(), nil
	case FeedRedis:
		if cfg.redisClient == nil && cfg.redisURL != "" {
			opt, err := redis.ParseURL(cfg.redisURL)
			if err != nil {
				return nil, fmt.Errorf("%w: redis URL: %v", ErrInvalidConfig, err)
			}
			cfg.redisClient = redis.NewClient(opt)
		}
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("%w: redis client or URL is required", ErrInvalidConfig)
		}
		return &redisFeed{client: cfg.redisClient}, nil
	default:
		return nil, fmt.Errorf("%w: feed %q", ErrInvalidDriver, feed)
	}
}
