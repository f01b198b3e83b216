package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BytePhi0/edulearn/internal/domain"
)

const pendingKeyPrefix = "pending:"

// PendingRepository is the staging area for not-yet-confirmed
// registration and login payloads. Entries are keyed by an opaque
// session id known only to the browser that started the flow and
// expire on their own TTL, independent of any host session.
type PendingRepository interface {
	Put(ctx context.Context, sessionID string, pending *domain.PendingSession) error
	Get(ctx context.Context, sessionID string) (*domain.PendingSession, error)
	Delete(ctx context.Context, sessionID string) error
}

type pendingRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPendingRepository(client *redis.Client, ttl time.Duration) PendingRepository {
	return &pendingRepository{client: client, ttl: ttl}
}

func (r *pendingRepository) Put(ctx context.Context, sessionID string, pending *domain.PendingSession) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending session: %w", err)
	}

	if err := r.client.Set(ctx, pendingKeyPrefix+sessionID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set pending session: %w", err)
	}

	return nil
}

// Get returns nil, nil when no entry exists; missing and expired
// entries are indistinguishable.
func (r *pendingRepository) Get(ctx context.Context, sessionID string) (*domain.PendingSession, error) {
	data, err := r.client.Get(ctx, pendingKeyPrefix+sessionID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get pending session: %w", err)
	}

	var pending domain.PendingSession
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("unmarshal pending session: %w", err)
	}

	return &pending, nil
}

func (r *pendingRepository) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, pendingKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis del pending session: %w", err)
	}

	return nil
}
