package redis

import (
	"context"
	"sync"
	"time"

	"admission-gateway/internal/config"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultHealthInterval = 30 * time.Second
	maxReconnectBackoff   = 30 * time.Second
)

// Client owns the shared counter-store connection. It pings on an interval
// and rebuilds the underlying client with backoff when a ping fails. The
// rate limiter reads the current connection through GetClient on every
// call, so a reconnect is picked up without restarting anything.
type Client struct {
	client         *redis.Client
	config         config.RedisConfig
	logger         log.FieldLogger
	mu             sync.RWMutex
	isConnected    bool
	lastError      string
	reconnectChan  chan struct{}
	healthInterval time.Duration
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

type HealthStatus struct {
	IsConnected    bool          `json:"isConnected"`
	LastPing       time.Time     `json:"lastPing"`
	ResponseTime   time.Duration `json:"responseTime"`
	ConnectionInfo string        `json:"connectionInfo"`
	Error          string        `json:"error,omitempty"`
}

type Option func(*Client)

// WithLogger sets the logger; the logrus standard logger is used otherwise.
func WithLogger(logger log.FieldLogger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHealthInterval overrides the 30s ping interval.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.healthInterval = d
		}
	}
}

// NewClient connects with the configured pool and starts the health and
// reconnect loops. A failed first ping is not an error: the client keeps
// retrying in the background and callers see IsConnected() == false.
func NewClient(cfg config.RedisConfig, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config:         cfg,
		logger:         log.StandardLogger(),
		reconnectChan:  make(chan struct{}, 1),
		healthInterval: defaultHealthInterval,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "redis")

	c.connect()
	c.wg.Add(2)
	go c.healthCheckLoop()
	go c.reconnectLoop()

	return c
}

func (c *Client) options() *redis.Options {
	opt := &redis.Options{
		Addr:     c.config.Host + ":" + c.config.Port,
		Password: c.config.Password,
		DB:       c.config.DB,
	}
	if c.config.URL != "" {
		parsed, err := redis.ParseURL(c.config.URL)
		if err != nil {
			c.logger.WithError(err).Warn("failed to parse REDIS_URL, falling back to host:port")
		} else {
			opt = parsed
		}
	}

	opt.PoolSize = c.config.PoolSize
	opt.MinIdleConns = c.config.MinIdleConns
	opt.MaxRetries = c.config.MaxRetries
	opt.MinRetryBackoff = c.config.RetryDelay
	opt.DialTimeout = c.config.DialTimeout
	opt.ReadTimeout = c.config.ReadTimeout
	opt.WriteTimeout = c.config.WriteTimeout
	opt.PoolTimeout = c.config.PoolTimeout
	opt.ConnMaxIdleTime = c.config.IdleTimeout
	return opt
}

func (c *Client) connect() {
	client := redis.NewClient(c.options())

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	err := client.Ping(ctx).Err()
	c.setConnected(err)

	if err != nil {
		c.logger.WithError(err).WithField("addr", c.config.Addr()).Warn("redis connection test failed")
		return
	}
	c.logger.WithField("addr", c.config.Addr()).Info("redis connected")
}

func (c *Client) setConnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = err == nil
	if err != nil {
		c.lastError = err.Error()
	} else {
		c.lastError = ""
	}
}

// GetClient returns the current connection. It satisfies the rate
// limiter's RedisClientSource.
func (c *Client) GetClient() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// HealthCheck pings once and returns the outcome, scheduling a reconnect
// when the ping fails.
func (c *Client) HealthCheck() HealthStatus {
	client := c.GetClient()

	status := HealthStatus{ConnectionInfo: c.config.Addr()}
	if client == nil {
		status.Error = "redis client not initialized"
		return status
	}

	ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := client.Ping(ctx).Err()
	status.ResponseTime = time.Since(start)
	status.LastPing = time.Now()

	c.setConnected(err)
	if err != nil {
		status.Error = err.Error()
		c.triggerReconnect()
		return status
	}
	status.IsConnected = true
	return status
}

func (c *Client) triggerReconnect() {
	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) healthCheckLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if status := c.HealthCheck(); !status.IsConnected {
				c.logger.WithField("error", status.Error).Warn("redis health check failed")
			}
		}
	}
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
			if c.IsConnected() {
				continue
			}

			c.logger.Info("attempting to reconnect to redis")
			old := c.GetClient()
			c.connect()
			if old != nil {
				old.Close()
			}

			if c.IsConnected() {
				c.logger.Info("reconnected to redis")
				backoff = time.Second
				continue
			}

			c.logger.WithField("backoff", backoff).Warn("redis reconnect failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			c.triggerReconnect()
		}
	}
}

// Close stops the background loops and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// GetConnectionStats returns pool statistics for the admin health view.
func (c *Client) GetConnectionStats() map[string]interface{} {
	client := c.GetClient()
	if client == nil {
		return map[string]interface{}{
			"error": "redis client not initialized",
		}
	}

	stats := client.PoolStats()
	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"totalConns":  stats.TotalConns,
		"idleConns":   stats.IdleConns,
		"staleConns":  stats.StaleConns,
		"isConnected": c.IsConnected(),
	}
}
