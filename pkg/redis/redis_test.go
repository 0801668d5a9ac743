package redis

import (
	"io"
	"net"
	"testing"
	"time"

	"admission-gateway/internal/config"

	"github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(addr string) config.RedisConfig {
	host, port, _ := net.SplitHostPort(addr)
	cfg := config.DefaultRedisConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.PoolSize = 4
	cfg.MinIdleConns = 0
	cfg.DialTimeout = 200 * time.Millisecond
	return cfg
}

func TestNewClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := NewClient(testConfig(mr.Addr()), WithLogger(quietLogger()))
	defer client.Close()

	assert.True(t, client.IsConnected())
	require.NotNil(t, client.GetClient())
}

func TestNewClient_FromURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.DefaultRedisConfig()
	cfg.URL = "redis://" + mr.Addr() + "/0"

	client := NewClient(cfg, WithLogger(quietLogger()))
	defer client.Close()

	assert.True(t, client.IsConnected())
	assert.Equal(t, cfg.URL, client.HealthCheck().ConnectionInfo)
}

func TestHealthCheck(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := NewClient(testConfig(mr.Addr()), WithLogger(quietLogger()))
	defer client.Close()

	status := client.HealthCheck()
	assert.True(t, status.IsConnected)
	assert.Equal(t, mr.Addr(), status.ConnectionInfo)
	assert.False(t, status.LastPing.IsZero())
	assert.Empty(t, status.Error)

	mr.Close()

	status = client.HealthCheck()
	assert.False(t, status.IsConnected)
	assert.NotEmpty(t, status.Error)
	assert.False(t, client.IsConnected())
}

func TestReconnectAfterOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()

	client := NewClient(testConfig(addr), WithLogger(quietLogger()), WithHealthInterval(20*time.Millisecond))
	defer client.Close()
	require.True(t, client.IsConnected())

	mr.Close()
	require.Eventually(t, func() bool { return !client.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	restarted := miniredis.NewMiniRedis()
	require.NoError(t, restarted.StartAddr(addr))
	defer restarted.Close()

	assert.Eventually(t, client.IsConnected, 5*time.Second, 20*time.Millisecond)
}

func TestGetConnectionStats(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := NewClient(testConfig(mr.Addr()), WithLogger(quietLogger()))
	defer client.Close()

	stats := client.GetConnectionStats()
	for _, key := range []string{"hits", "misses", "timeouts", "totalConns", "idleConns", "staleConns", "isConnected"} {
		assert.Contains(t, stats, key)
	}
	assert.Equal(t, true, stats["isConnected"])
}
