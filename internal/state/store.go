package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brainbrawler/brainbrawler/internal/domain"
	"github.com/brainbrawler/brainbrawler/internal/errors"
)

// Aggregates expire an hour after the last write; every Set renews the expiry.
const expiry = time.Hour

type Config struct {
	Redis redis.UniversalClient
}

// Store keeps one serialized game aggregate per live room. Redis is the
// backing cache; when it is unreachable the store degrades to a single-process
// in-memory map. The fallback is not durable and not shared across processes,
// it only keeps rooms on this instance playable through a cache outage.
//
// The aggregate is one opaque value. The store does no field-level concurrency
// control; callers serialize read-modify-write per room.
type Store struct {
	redis redis.UniversalClient

	mu  sync.RWMutex
	mem map[string][]byte
}

func NewStore(c Config) *Store {
	return &Store{
		redis: c.Redis,
		mem:   make(map[string][]byte),
	}
}

// Get returns the aggregate for a room, or a not-found error when no live
// session exists under that code. A Redis answer is authoritative: once the
// cache recovers from an outage its contents win over the fallback, and a
// room that only ever lived in the fallback is reported not found and lost.
func (s *Store) Get(ctx context.Context, roomCode string) (*domain.Game, error) {
	b, err := s.redis.Get(ctx, key(roomCode)).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("room not found: %s", roomCode)
	}
	if err != nil {
		slog.ErrorContext(ctx, "state: redis get failed, using memory fallback", "room", roomCode, "error", err)
		b = s.memGet(roomCode)
		if b == nil {
			return nil, errors.NotFound("room not found: %s", roomCode)
		}
	}

	var g domain.Game
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, errors.Internal(fmt.Errorf("state: unmarshal aggregate: %w", err))
	}

	return &g, nil
}

// Set writes the whole aggregate and renews its expiry.
func (s *Store) Set(ctx context.Context, roomCode string, g *domain.Game) error {
	b, err := json.Marshal(g)
	if err != nil {
		return errors.Internal(fmt.Errorf("state: marshal aggregate: %w", err))
	}

	if err := s.redis.Set(ctx, key(roomCode), b, expiry).Err(); err != nil {
		slog.ErrorContext(ctx, "state: redis set failed, using memory fallback", "room", roomCode, "error", err)
		s.memSet(roomCode, b)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, roomCode string) error {
	s.mu.Lock()
	delete(s.mem, roomCode)
	s.mu.Unlock()

	if err := s.redis.Del(ctx, key(roomCode)).Err(); err != nil {
		slog.ErrorContext(ctx, "state: redis del failed", "room", roomCode, "error", err)
	}
	return nil
}

func (s *Store) memGet(roomCode string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem[roomCode]
}

func (s *Store) memSet(roomCode string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem[roomCode] = b
}

func key(roomCode string) string {
	return fmt.Sprintf("game:%s", roomCode)
}
