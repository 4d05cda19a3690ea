package server

import (
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamrelay/streamrelay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Defaults()
		cfg.Redis.Endpoints = []string{mr.Addr()}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		assert.NotNil(t, srv)
		assert.NotNil(t, srv.mainServer)
		assert.NotNil(t, srv.adminServer)
		assert.NotNil(t, srv.health)
		assert.NotNil(t, srv.metrics)
		assert.NotNil(t, srv.gw)

		srv.enforcer.Close()
		srv.limiter.Close()
		srv.store.Stop()
		require.NoError(t, srv.rdb.Close())
	})

	t.Run("returns error when redis is unreachable", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Redis.Endpoints = []string{"127.0.0.1:1"}
		cfg.Redis.DialTimeout = "100ms"

		_, err := New(cfg, testLogger(), "test")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "connect counters redis")
	})

	t.Run("uses a dedicated entity redis when configured", func(t *testing.T) {
		mr := miniredis.RunT(t)
		mrEntity := miniredis.RunT(t)
		cfg := config.Defaults()
		cfg.Redis.Endpoints = []string{mr.Addr()}
		cfg.EntityRedis = &config.RedisConfig{
			Endpoints: []string{mrEntity.Addr()},
			Mode:      config.RedisModeSingle,
		}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		assert.NotSame(t, srv.rdb, srv.entityRdb)

		srv.enforcer.Close()
		srv.limiter.Close()
		srv.store.Stop()
		require.NoError(t, srv.entityRdb.Close())
		require.NoError(t, srv.rdb.Close())
	})

	t.Run("returns error when entity redis is unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Defaults()
		cfg.Redis.Endpoints = []string{mr.Addr()}
		cfg.EntityRedis = &config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1"},
			Mode:        config.RedisModeSingle,
			DialTimeout: "100ms",
		}

		_, err := New(cfg, testLogger(), "test")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "connect entity redis")
	})
}

func TestServerErrorLog(t *testing.T) {
	t.Run("main and admin servers have ErrorLog set", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Defaults()
		cfg.Redis.Endpoints = []string{mr.Addr()}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		defer srv.rdb.Close()
		defer srv.enforcer.Close()
		defer srv.limiter.Close()
		defer srv.store.Stop()

		assert.NotNil(t, srv.mainServer.ErrorLog, "main server ErrorLog must be set")
		assert.NotNil(t, srv.adminServer.ErrorLog, "admin server ErrorLog must be set")
	})
}

func TestServerConfigAddresses(t *testing.T) {
	t.Run("uses configured server and admin addresses", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Defaults()
		cfg.Server.Address = ":7777"
		cfg.Admin.Address = ":7778"
		cfg.Redis.Endpoints = []string{mr.Addr()}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		defer srv.rdb.Close()
		defer srv.enforcer.Close()
		defer srv.limiter.Close()
		defer srv.store.Stop()

		assert.Equal(t, ":7777", srv.mainServer.Addr)
		assert.Equal(t, ":7778", srv.adminServer.Addr)
	})
}

func TestServerReload(t *testing.T) {
	t.Run("swaps config and federation peers", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Defaults()
		cfg.Redis.Endpoints = []string{mr.Addr()}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		defer srv.rdb.Close()
		defer srv.enforcer.Close()
		defer srv.limiter.Close()
		defer srv.store.Stop()

		newCfg := config.Defaults()
		newCfg.Redis.Endpoints = []string{mr.Addr()}
		newCfg.Federation.Peers = map[string]string{"euc": "https://euc.relay.example.dev"}

		require.NoError(t, srv.Reload(newCfg))
		assert.Equal(t, newCfg, srv.cfg)
	})

	t.Run("ignores restart-only fields without failing", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Defaults()
		cfg.Redis.Endpoints = []string{mr.Addr()}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		defer srv.rdb.Close()
		defer srv.enforcer.Close()
		defer srv.limiter.Close()
		defer srv.store.Stop()

		newCfg := config.Defaults()
		newCfg.Redis.Endpoints = []string{mr.Addr()}
		newCfg.Server.Address = ":9999"
		newCfg.Federation.Region = "euc"

		require.NoError(t, srv.Reload(newCfg))
		assert.Equal(t, newCfg, srv.cfg)
	})
}
