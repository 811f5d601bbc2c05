package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is the per-user generation context: what the last request looked
// like, so "ещё раз" and boost can rebuild it. Volatile by design.
type Session struct {
	Prompt      string  `json:"prompt"`
	ImagePath   string  `json:"image_path,omitempty"`
	VideoPath   string  `json:"video_path,omitempty"`
	DurationSec float64 `json:"duration_sec"`
	Sound       bool    `json:"sound"`
	Seed        int64   `json:"seed"`

	// PendingKind is set while the bot waits for the duration/sound
	// buttons after a prompt arrived.
	PendingKind string `json:"pending_kind,omitempty"`
}

// Store keeps sessions by Telegram user id.
type Store interface {
	Get(ctx context.Context, userID int64) (*Session, error)
	Put(ctx context.Context, userID int64, s *Session) error
	Delete(ctx context.Context, userID int64) error
}

// Memory is the single-process store used when Redis is not configured.
type Memory struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[int64]*Session)}
}

func (m *Memory) Get(_ context.Context, userID int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	clone := *s
	return &clone, nil
}

func (m *Memory) Put(_ context.Context, userID int64, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *s
	m.sessions[userID] = &clone
	return nil
}

func (m *Memory) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

// Redis stores sessions as JSON with a TTL, so the bot survives restarts
// and can run in more than one replica.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func sessionKey(userID int64) string {
	return fmt.Sprintf("session:%d", userID)
}

func (r *Redis) Get(ctx context.Context, userID int64) (*Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("session get: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	return &s, nil
}

func (r *Redis) Put(ctx context.Context, userID int64, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(userID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("session put: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}
