package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "memory", cfg.Campaign.Queue)
	assert.Equal(t, 10000, cfg.Groups.HarvestLimit)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("scheduler:\n  interval: 5m\ncampaign:\n  queue: amqp\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644))
	t.Setenv("ENGINE_LOG_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "amqp", cfg.Campaign.Queue)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("ENGINE_DATABASE_DRIVER", "mysql")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}

func TestProxyPoolPrefersLeastUsed(t *testing.T) {
	pool := NewProxyPool(ProxySettings{List: "a:1:u:p, b:2"}, logrus.New())
	require.Equal(t, 2, pool.Count())

	first, ok := pool.Next()
	require.True(t, ok)
	second, ok := pool.Next()
	require.True(t, ok)
	assert.NotEqual(t, first.Host, second.Host)
	assert.Equal(t, "socks5://u:p@a:1", first.URL())
	assert.Equal(t, "socks5://u:***@a:1", first.String())

	pool.MarkBlocked(first)
	third, ok := pool.Next()
	require.True(t, ok)
	assert.Equal(t, second.Host, third.Host)
}

func TestProxyPoolEmpty(t *testing.T) {
	pool := NewProxyPool(ProxySettings{}, logrus.New())
	_, ok := pool.Next()
	assert.False(t, ok)
}
