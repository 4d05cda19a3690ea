package entity

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamrelay/streamrelay/internal/config"
	"github.com/streamrelay/streamrelay/internal/redis"
)

var testLogger = slog.Default()

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store := NewStore(client, time.Minute, testLogger)
	t.Cleanup(store.Stop)
	return store, mr
}

func TestStoreServer(t *testing.T) {
	t.Run("reads server document from redis", func(t *testing.T) {
		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("server-s1", `{"id":"s1","password":"pw","owner":"o@example.com","region":"usw"}`))

		srv, err := store.Server(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", srv.ID)
		assert.Equal(t, "pw", srv.Password)
		assert.Equal(t, "o@example.com", srv.Owner)
		assert.Equal(t, "usw", srv.Region)
	})

	t.Run("returns ErrNotFound for missing server", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Server(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returns error for malformed document", func(t *testing.T) {
		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("server-bad", "not json"))
		_, err := store.Server(context.Background(), "bad")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("serves repeat reads from cache", func(t *testing.T) {
		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("server-s1", `{"id":"s1","password":"pw","owner":"o","region":"usw"}`))

		_, err := store.Server(context.Background(), "s1")
		require.NoError(t, err)

		// Change the document behind the cache; the stale copy is served.
		require.NoError(t, mr.Set("server-s1", `{"id":"s1","password":"changed","owner":"o","region":"usw"}`))
		srv, err := store.Server(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "pw", srv.Password)
	})

	t.Run("ResetServer forces a fresh read", func(t *testing.T) {
		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("server-s1", `{"id":"s1","password":"pw","owner":"o","region":"usw"}`))

		_, err := store.Server(context.Background(), "s1")
		require.NoError(t, err)

		require.NoError(t, mr.Set("server-s1", `{"id":"s1","password":"changed","owner":"o","region":"usw"}`))
		store.ResetServer("s1")

		srv, err := store.Server(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "changed", srv.Password)
	})
}

func TestStoreUser(t *testing.T) {
	t.Run("reads user document from redis", func(t *testing.T) {
		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("user-o@example.com", `{"email":"o@example.com","plan":"premium","servers":["s1","s2"]}`))

		u, err := store.User(context.Background(), "o@example.com")
		require.NoError(t, err)
		assert.Equal(t, PlanPremium, u.Plan)
		assert.Equal(t, []string{"s1", "s2"}, u.Servers)
	})

	t.Run("returns ErrNotFound for missing user", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.User(context.Background(), "ghost@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ResetAll clears both caches", func(t *testing.T) {
		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("user-o", `{"email":"o","plan":"hobby"}`))
		require.NoError(t, mr.Set("server-s1", `{"id":"s1","password":"pw","owner":"o","region":"usw"}`))

		_, err := store.User(context.Background(), "o")
		require.NoError(t, err)
		_, err = store.Server(context.Background(), "s1")
		require.NoError(t, err)

		require.NoError(t, mr.Set("user-o", `{"email":"o","plan":"enterprise"}`))
		store.ResetAll()

		u, err := store.User(context.Background(), "o")
		require.NoError(t, err)
		assert.Equal(t, PlanEnterprise, u.Plan)
	})
}
