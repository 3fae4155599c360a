package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
)

// Key layout matches the original deployment so hubs can be swapped in
// front of an existing store: participants:{sessionId}, timer:{sessionId}.
const (
	participantsKeyPrefix = "participants:"
	timerKeyPrefix        = "timer:"
)

// RedisRegistry satisfies Registry using a go-redis v9 client.
type RedisRegistry struct {
	client *redis.Client
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry connects and pings; a registry that cannot reach its
// store at startup is a configuration error, not a runtime condition.
func NewRedisRegistry(url string) (*RedisRegistry, error) {
	if url == "" {
		return nil, errors.New("registry: redis url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("registry: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	return &RedisRegistry{client: c}, nil
}

func (r *RedisRegistry) Put(ctx context.Context, sid domain.SessionID, participants []string, ttl time.Duration) error {
	b, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, participantsKeyPrefix+string(sid), b, ttl).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, sid domain.SessionID) ([]string, error) {
	res, err := r.client.Get(ctx, participantsKeyPrefix+string(sid)).Result()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(res), &out); err != nil {
		return nil, fmt.Errorf("registry: decode participants: %w", err)
	}
	return out, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, sid domain.SessionID) error {
	return r.client.Del(ctx, participantsKeyPrefix+string(sid)).Err()
}

func (r *RedisRegistry) PutTimer(ctx context.Context, sid domain.SessionID, t domain.TimerState, ttl time.Duration) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, timerKeyPrefix+string(sid), b, ttl).Err()
}

func (r *RedisRegistry) GetTimer(ctx context.Context, sid domain.SessionID) (domain.TimerState, error) {
	res, err := r.client.Get(ctx, timerKeyPrefix+string(sid)).Result()
	if err == redis.Nil {
		return domain.TimerState{}, ErrMiss
	}
	if err != nil {
		return domain.TimerState{}, err
	}
	var t domain.TimerState
	if err := json.Unmarshal([]byte(res), &t); err != nil {
		return domain.TimerState{}, fmt.Errorf("registry: decode timer: %w", err)
	}
	return t, nil
}

func (r *RedisRegistry) DeleteTimer(ctx context.Context, sid domain.SessionID) error {
	return r.client.Del(ctx, timerKeyPrefix+string(sid)).Err()
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
