package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "connectd:session:"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis stores each session as a JSON object under its own key.
type Redis struct {
	client *goredis.Client
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *goredis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Load(ctx context.Context, id string) (map[string]string, error) {
	raw, err := r.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return values, nil
}

func (r *Redis) Save(ctx context.Context, id string, values map[string]string, ttl time.Duration) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+id, raw, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, keyPrefix+id).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
