package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/streamrelay/streamrelay/internal/redis"
)

const (
	serverKeyPrefix = "server-"
	userKeyPrefix   = "user-"
)

// Store reads server and user documents from Redis through a pair of
// in-process TTL caches. Documents are JSON values written by the control
// plane; the relay only ever reads them. A periodic sweep clears the caches
// wholesale so control-plane edits converge without per-key invalidation.
type Store struct {
	rdb    redis.Client
	logger *slog.Logger

	servers *ttlcache.Cache[string, *Server]
	users   *ttlcache.Cache[string, *User]
}

// NewStore creates a Store with the given per-entry cache TTL and starts the
// caches' expiry loops.
func NewStore(rdb redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	s := &Store{
		rdb:    rdb,
		logger: logger,
		servers: ttlcache.New[string, *Server](
			ttlcache.WithTTL[string, *Server](ttl),
			ttlcache.WithDisableTouchOnHit[string, *Server](),
		),
		users: ttlcache.New[string, *User](
			ttlcache.WithTTL[string, *User](ttl),
			ttlcache.WithDisableTouchOnHit[string, *User](),
		),
	}
	go s.servers.Start()
	go s.users.Start()
	return s
}

// Server returns the server document with the given id. Returns ErrNotFound
// when no such server exists.
func (s *Store) Server(ctx context.Context, id string) (*Server, error) {
	if item := s.servers.Get(id); item != nil {
		return item.Value(), nil
	}

	var srv Server
	if err := s.fetch(ctx, serverKeyPrefix+id, &srv); err != nil {
		return nil, err
	}

	s.servers.Set(id, &srv, ttlcache.DefaultTTL)
	return &srv, nil
}

// User returns the user document with the given email. Returns ErrNotFound
// when no such user exists.
func (s *Store) User(ctx context.Context, email string) (*User, error) {
	if item := s.users.Get(email); item != nil {
		return item.Value(), nil
	}

	var u User
	if err := s.fetch(ctx, userKeyPrefix+email, &u); err != nil {
		return nil, err
	}

	s.users.Set(email, &u, ttlcache.DefaultTTL)
	return &u, nil
}

func (s *Store) fetch(ctx context.Context, key string, dst any) error {
	raw, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if redis.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("entity: reading %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("entity: decoding %s: %w", key, err)
	}
	return nil
}

// ResetServer evicts a single server from the cache. The next read goes to
// Redis.
func (s *Store) ResetServer(id string) {
	s.servers.Delete(id)
}

// ResetUser evicts a single user from the cache.
func (s *Store) ResetUser(email string) {
	s.users.Delete(email)
}

// ResetAll clears both caches. Run by the periodic cache sweep; never touches
// usage counters.
func (s *Store) ResetAll() {
	s.servers.DeleteAll()
	s.users.DeleteAll()
	s.logger.Debug("entity caches cleared")
}

// Stop terminates the cache expiry loops.
func (s *Store) Stop() {
	s.servers.Stop()
	s.users.Stop()
}
