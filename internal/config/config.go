package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Port            string
	PolicyFile      string
	MongoURI        string
	JWTSecret       string
	JWTExpiry       string
	AllowedOrigins  []string
	TrustedProxies  []string
	AdminToken      string
	LogLevel        string
	LogFormat       string
	Strategy        string
	ReaperInterval  time.Duration
	IdleTimeout     time.Duration
	MetricsInterval time.Duration
	Redis           RedisConfig
}

// RedisConfig holds connection settings for the distributed counter store.
type RedisConfig struct {
	URL                string
	Host               string
	Port               string
	Password           string
	DB                 int
	PoolSize           int
	MinIdleConns       int
	MaxRetries         int
	RetryDelay         time.Duration
	DialTimeout        time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	PoolTimeout        time.Duration
	IdleTimeout        time.Duration
	IdleCheckFrequency time.Duration
}

// Enabled reports whether any Redis address was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Host != ""
}

// Addr is host:port for logs and health output.
func (r RedisConfig) Addr() string {
	if r.URL != "" {
		return r.URL
	}
	return r.Host + ":" + r.Port
}

// DefaultRedisConfig returns pool and timeout defaults sized for short
// counter calls.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Port:               "6379",
		PoolSize:           20,
		MinIdleConns:       5,
		MaxRetries:         1,
		RetryDelay:         50 * time.Millisecond,
		DialTimeout:        2 * time.Second,
		ReadTimeout:        200 * time.Millisecond,
		WriteTimeout:       200 * time.Millisecond,
		PoolTimeout:        500 * time.Millisecond,
		IdleTimeout:        5 * time.Minute,
		IdleCheckFrequency: time.Minute,
	}
}

func Load() *Config {
	// load .env variable
	if err := godotenv.Load(); err != nil {
		log.WithError(err).Debug("no .env file loaded, using process environment")
	}

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173"
	}

	origins := strings.Split(allowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		PolicyFile:      os.Getenv("POLICY_FILE"),
		MongoURI:        os.Getenv("MONGO_URI"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTExpiry:       os.Getenv("JWT_EXPIRY"),
		AllowedOrigins:  origins,
		TrustedProxies:  splitList(os.Getenv("TRUSTED_PROXIES")),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		Strategy:        os.Getenv("RATE_LIMIT_STRATEGY"),
		ReaperInterval:  getDuration("REAPER_INTERVAL", time.Minute),
		IdleTimeout:     getDuration("IDLE_TIMEOUT", 0),
		MetricsInterval: getDuration("METRICS_INTERVAL", 10*time.Second),
		Redis:           loadRedisConfig(),
	}
}

func loadRedisConfig() RedisConfig {
	cfg := DefaultRedisConfig()
	cfg.URL = os.Getenv("REDIS_URL")
	cfg.Host = os.Getenv("REDIS_HOST")
	cfg.Port = getEnv("REDIS_PORT", cfg.Port)
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	cfg.DB = getInt("REDIS_DB", cfg.DB)
	cfg.PoolSize = getInt("REDIS_POOL_SIZE", cfg.PoolSize)
	cfg.MinIdleConns = getInt("REDIS_MIN_IDLE_CONNS", cfg.MinIdleConns)
	cfg.MaxRetries = getInt("REDIS_MAX_RETRIES", cfg.MaxRetries)
	cfg.DialTimeout = getDuration("REDIS_DIAL_TIMEOUT", cfg.DialTimeout)
	cfg.ReadTimeout = getDuration("REDIS_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getDuration("REDIS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.PoolTimeout = getDuration("REDIS_POOL_TIMEOUT", cfg.PoolTimeout)
	return cfg
}

// splitList parses a comma separated list, dropping empty entries.
func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		log.WithField("key", key).Warnf("ignoring invalid integer %q", val)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		log.WithField("key", key).Warnf("ignoring invalid duration %q", val)
		return fallback
	}
	return d
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *log.Logger {
	logger := log.New()
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	if strings.EqualFold(c.LogFormat, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger
}
