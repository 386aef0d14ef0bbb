package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	appErr "gavel/pkg/errors"
)

const keyPrefix = "gavel:status:"

// Repository stores status records in redis with a TTL.
type Repository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRepository wraps an existing redis client.
func NewRepository(client *redis.Client, ttl time.Duration) (*Repository, error) {
	if client == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("redis client is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Repository{client: client, ttl: ttl}, nil
}

// RedisConfig holds connection settings for the status store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolSize     int           `yaml:"poolSize"`

	TTL time.Duration `yaml:"ttl"`
}

// Connect creates a repository with its own redis client and verifies
// the connection.
func Connect(cfg RedisConfig) (*Repository, error) {
	if cfg.Addr == "" {
		return nil, appErr.ValidationError("redis.addr", "required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 20
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, appErr.Wrapf(err, appErr.StatusError, "ping redis failed")
	}
	return NewRepository(client, cfg.TTL)
}

// Get returns the record for one submission.
func (r *Repository) Get(ctx context.Context, submissionID string) (Record, error) {
	if submissionID == "" {
		return Record{}, appErr.ValidationError("submission_id", "required")
	}
	val, err := r.client.Get(ctx, keyPrefix+submissionID).Result()
	if err == redis.Nil {
		return Record{}, appErr.New(appErr.NotFound).WithMessage("submission status not found")
	}
	if err != nil {
		return Record{}, appErr.Wrapf(err, appErr.StatusError, "read status failed")
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, appErr.Wrapf(err, appErr.StatusError, "decode status failed")
	}
	return rec, nil
}

// Save persists the record, refreshing its TTL.
func (r *Repository) Save(ctx context.Context, rec Record) error {
	if rec.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return appErr.Wrapf(err, appErr.StatusError, "encode status failed")
	}
	if err := r.client.Set(ctx, keyPrefix+rec.SubmissionID, data, r.ttl).Err(); err != nil {
		return appErr.Wrapf(err, appErr.StatusError, "store status failed")
	}
	return nil
}

// Ping verifies the redis connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (r *Repository) Close() error {
	return r.client.Close()
}
