package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the judging backend.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Judge    JudgeConfig
	Contest  ContestConfig
	Security SecurityConfig
}

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Host           string
	Port           string
	Listen         string // host:port override, takes precedence
	Mode           string // gin mode
	CORSOrigins    []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestLogging bool
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	if s.Listen != "" {
		return s.Listen
	}
	return s.Host + ":" + s.Port
}

// DatabaseConfig configures the PostgreSQL store.
type DatabaseConfig struct {
	URL         string // full connection string override
	Host        string
	Port        string
	User        string
	Password    string
	Name        string
	SSLMode     string
	PoolSize    int
	ConnTimeout time.Duration
}

// ConnString builds the pgx connection string.
func (d *DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// RedisConfig configures the judge queue backend.
type RedisConfig struct {
	URL      string // redis:// URL override
	Host     string
	Port     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Addr returns the Redis address.
func (r *RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// JudgeConfig configures the sandbox and worker pool.
type JudgeConfig struct {
	Workers           int
	MinWorkers        int
	MaxWorkers        int
	MaxAttempts       int
	RetryBackoff      time.Duration
	StallTimeout      time.Duration
	HeartbeatTimeout  time.Duration
	CompileTimeout    time.Duration
	MaxOutputBytes    int64
	MaxConcurrentRuns int
	WorkDir           string
}

// ContestConfig configures the lifecycle scheduler.
type ContestConfig struct {
	TickInterval    time.Duration
	GracePeriod     time.Duration
	GracePoll       time.Duration
	BroadcastWindow time.Duration
}

// SecurityConfig configures token signing and sessions.
type SecurityConfig struct {
	JWTSecret      string
	SessionTimeout time.Duration
	LogLevel       string
}

// Load builds a Config from the environment, with a best-effort .env file.
func Load() *Config {
	_ = godotenv.Load()

	defaultWorkers := runtime.NumCPU() - 1
	if defaultWorkers > 4 {
		defaultWorkers = 4
	}
	if defaultWorkers < 1 {
		defaultWorkers = 1
	}

	return &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("PORT", "8080"),
			Mode:           getEnv("GIN_MODE", "release"),
			CORSOrigins:    getEnvSlice("FRONTEND_URL", []string{"*"}),
			ReadTimeout:    getDurationEnv("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getDurationEnv("WRITE_TIMEOUT", 30*time.Second),
			RequestLogging: getBoolEnv("REQUEST_LOGGING", true),
		},
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", ""),
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnv("DB_PORT", "5432"),
			User:        getEnv("DB_USER", "codearena"),
			Password:    getEnv("DB_PASSWORD", "secret"),
			Name:        getEnv("DB_NAME", "codearena_db"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			PoolSize:    getIntEnv("DB_POOL_SIZE", 10),
			ConnTimeout: getDurationEnv("DB_CONN_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			Timeout:  getDurationEnv("REDIS_TIMEOUT", 5*time.Second),
		},
		Judge: JudgeConfig{
			Workers:           getIntEnv("JUDGE_WORKERS", defaultWorkers),
			MinWorkers:        getIntEnv("JUDGE_MIN_WORKERS", 2),
			MaxWorkers:        getIntEnv("JUDGE_MAX_WORKERS", 8),
			MaxAttempts:       getIntEnv("JUDGE_MAX_ATTEMPTS", 3),
			RetryBackoff:      getDurationEnv("JUDGE_RETRY_BACKOFF", 2*time.Second),
			StallTimeout:      getDurationEnv("JUDGE_STALL_TIMEOUT", 5*time.Minute),
			HeartbeatTimeout:  getDurationEnv("JUDGE_HEARTBEAT_TIMEOUT", 2*time.Minute),
			CompileTimeout:    getDurationEnv("JUDGE_COMPILE_TIMEOUT", 30*time.Second),
			MaxOutputBytes:    getInt64Env("JUDGE_MAX_OUTPUT_BYTES", 10*1024*1024),
			MaxConcurrentRuns: getIntEnv("JUDGE_MAX_CONCURRENT_RUNS", runtime.NumCPU()),
			WorkDir:           getEnv("JUDGE_WORK_DIR", os.TempDir()),
		},
		Contest: ContestConfig{
			TickInterval:    getDurationEnv("CONTEST_TICK_INTERVAL", time.Minute),
			GracePeriod:     getDurationEnv("CONTEST_GRACE_PERIOD", 30*time.Second),
			GracePoll:       getDurationEnv("CONTEST_GRACE_POLL", 5*time.Second),
			BroadcastWindow: getDurationEnv("LEADERBOARD_BROADCAST_WINDOW", 5*time.Second),
		},
		Security: SecurityConfig{
			JWTSecret:      getEnv("JWT_SECRET", ""),
			SessionTimeout: time.Duration(getIntEnv("SESSION_TIMEOUT_MINUTES", 360)) * time.Minute,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
		},
	}
}

// Validate reports configuration errors that must refuse startup.
func (c *Config) Validate() error {
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.Judge.Workers < 1 {
		return fmt.Errorf("JUDGE_WORKERS must be at least 1")
	}
	if c.Judge.MinWorkers < 1 || c.Judge.MaxWorkers < c.Judge.MinWorkers {
		return fmt.Errorf("invalid worker scaling bounds: min=%d max=%d",
			c.Judge.MinWorkers, c.Judge.MaxWorkers)
	}
	if c.Judge.MaxAttempts < 1 {
		return fmt.Errorf("JUDGE_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
