// Package logsink persists producer log lines durably via the store
// and keeps a bounded per-user ring buffer for fast consumer replay.
// The ring is Redis-backed when Redis is configured, falling back to
// an in-memory mutex-guarded ring otherwise.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/models"
	"relay/internal/store"
)

// RingCap is the per-user ring size.
const RingCap = 200

// Entry is the ring-buffer-friendly projection of a SessionLog.
type Entry struct {
	SessionID uint            `json:"sessionId"`
	Level     models.LogLevel `json:"level"`
	Message   string          `json:"message"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Ring is a bounded, most-recent-first per-user log buffer.
type Ring interface {
	Push(ctx context.Context, userID uint, e Entry) error
	Recent(ctx context.Context, userID uint, limit int) ([]Entry, error)
}

// Sink writes every log durably and into the ring.
type Sink struct {
	Logs store.LogStore
	Ring Ring
}

func New(logs store.LogStore, ring Ring) *Sink {
	return &Sink{Logs: logs, Ring: ring}
}

// Append persists a SessionLog, truncated to MaxLogMessageLen by the
// store, and pushes it into the user's ring.
func (s *Sink) Append(ctx context.Context, sessionID, userID uint, level models.LogLevel, message string) error {
	l := &models.SessionLog{SessionID: sessionID, UserID: userID, Level: level, Message: message}
	if err := s.Logs.AppendLog(ctx, l); err != nil {
		return err
	}
	if s.Ring == nil {
		return nil
	}
	return s.Ring.Push(ctx, userID, Entry{SessionID: sessionID, Level: level, Message: models.TruncateLogMessage(message), CreatedAt: l.CreatedAt})
}

// MemoryRing is the in-process fallback ring, used when no Redis
// address is configured.
type MemoryRing struct {
	mu      sync.Mutex
	byUser  map[uint][]Entry
}

func NewMemoryRing() *MemoryRing {
	return &MemoryRing{byUser: make(map[uint][]Entry)}
}

func (r *MemoryRing) Push(ctx context.Context, userID uint, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append([]Entry{e}, r.byUser[userID]...)
	if len(entries) > RingCap {
		entries = entries[:RingCap]
	}
	r.byUser[userID] = entries
	return nil
}

func (r *MemoryRing) Recent(ctx context.Context, userID uint, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byUser[userID]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// RedisRing backs the ring with a capped Redis list, the way a
// multi-process deployment needs it shared across router instances.
type RedisRing struct {
	Client *redis.Client
}

func NewRedisRing(client *redis.Client) *RedisRing {
	return &RedisRing{Client: client}
}

func ringKey(userID uint) string {
	return fmt.Sprintf("relay:logs:%d", userID)
}

func (r *RedisRing) Push(ctx context.Context, userID uint, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := ringKey(userID)
	pipe := r.Client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, RingCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRing) Recent(ctx context.Context, userID uint, limit int) ([]Entry, error) {
	if limit <= 0 || limit > RingCap {
		limit = RingCap
	}
	raws, err := r.Client.LRange(ctx, ringKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
