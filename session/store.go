// Package session persists the identity binding created by a completed user
// login in redis, keyed by session id with a sliding TTL.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound is returned when no record exists for the session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCorrupt is returned for undecodable record blobs.
	ErrSessionCorrupt = errors.New("session record corrupt")
	// ErrRedisUnavailable wraps redis transport failures.
	ErrRedisUnavailable = errors.New("session redis unavailable")
)

const recordVersionV1 = 1

// Record is the persisted identity binding.
type Record struct {
	UserID          int64
	AuthenticatedAt int64
}

// Config tunes the store.
type Config struct {
	Prefix  string
	TTL     time.Duration
	Sliding bool
}

// Store reads and writes session records.
type Store struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a Store backed by the given redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "fses"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Store{redis: redisClient, config: cfg}
}

func (s *Store) key(sessionID string) string {
	return s.config.Prefix + ":" + sessionID
}

// Save writes the record under the configured TTL.
func (s *Store) Save(ctx context.Context, sessionID string, rec *Record) error {
	if err := s.redis.Set(ctx, s.key(sessionID), encodeRecord(rec), s.config.TTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get fetches the record, refreshing the TTL when sliding expiration is
// enabled.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	if s.config.Sliding {
		if err := s.redis.Expire(ctx, s.key(sessionID), s.config.TTL).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return rec, nil
}

// Delete removes the record. Missing records report ErrSessionNotFound.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	n, err := s.redis.Del(ctx, s.key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func encodeRecord(rec *Record) []byte {
	buf := make([]byte, 1+8+8)
	buf[0] = recordVersionV1
	binary.BigEndian.PutUint64(buf[1:9], uint64(rec.UserID))
	binary.BigEndian.PutUint64(buf[9:17], uint64(rec.AuthenticatedAt))
	return buf
}

func decodeRecord(data []byte) (*Record, error) {
	if len(data) != 17 || data[0] != recordVersionV1 {
		return nil, ErrSessionCorrupt
	}
	return &Record{
		UserID:          int64(binary.BigEndian.Uint64(data[1:9])),
		AuthenticatedAt: int64(binary.BigEndian.Uint64(data[9:17])),
	}, nil
}
