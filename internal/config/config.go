package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// 存储驱动
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	// Server
	OCPPPort string
	APIPort  string
	Debug    bool

	// Database
	StoreDriver       string
	DatabaseURL       string
	DBHost            string
	DBPort            string
	DBUser            string
	DBPass            string
	DBName            string
	DBSSLMode         string
	DBPoolMin         int
	DBPoolMax         int
	DBConnectAttempts int
	DBConnectDelay    time.Duration
	StoreTimeout      time.Duration

	// OCPP
	HeartbeatInterval time.Duration
	LivenessTolerance int
	CallTimeout       time.Duration
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	ShutdownGrace     time.Duration

	// 鉴权
	AuthTagsFile string
	APIJWTSecret string
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := &Config{
		OCPPPort:          getEnv("OCPP_PORT", "9000"),
		APIPort:           getEnv("API_PORT", "8000"),
		Debug:             getEnvBool("DEBUG", false),
		StoreDriver:       getEnv("STORE_DRIVER", StoreDriverPostgres),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		DBUser:            getEnv("DB_USER", "postgres"),
		DBPass:            getEnv("DB_PASS", "postgres"),
		DBName:            getEnv("DB_NAME", "csms"),
		DBSSLMode:         getEnv("DB_SSLMODE", "disable"),
		DBPoolMin:         getEnvInt("DB_POOL_MIN", 1),
		DBPoolMax:         getEnvInt("DB_POOL_MAX", 10),
		DBConnectAttempts: getEnvInt("DB_CONNECT_ATTEMPTS", 10),
		DBConnectDelay:    getEnvDuration("DB_CONNECT_DELAY", 2*time.Second),
		StoreTimeout:      getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		LivenessTolerance: getEnvInt("LIVENESS_TOLERANCE", 3),
		CallTimeout:       getEnvDuration("CALL_TIMEOUT", 30*time.Second),
		WSPingInterval:    getEnvDuration("WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:    getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		AuthTagsFile:      os.Getenv("AUTH_TAGS_FILE"),
		APIJWTSecret:      os.Getenv("API_JWT_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverMemory {
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver))
	}
	if c.OCPPPort == "" || c.APIPort == "" {
		errs = append(errs, errors.New("OCPP_PORT and API_PORT are required"))
	}
	if c.OCPPPort == c.APIPort {
		errs = append(errs, fmt.Errorf("OCPP_PORT and API_PORT must differ, both are %s", c.OCPPPort))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}
	if c.LivenessTolerance < 1 {
		errs = append(errs, errors.New("LIVENESS_TOLERANCE must be at least 1"))
	}
	if c.CallTimeout <= 0 || c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("CALL_TIMEOUT and STORE_TIMEOUT must be positive"))
	}
	if c.DBPoolMin < 0 || c.DBPoolMax < 1 || c.DBPoolMin > c.DBPoolMax {
		errs = append(errs, fmt.Errorf("invalid pool bounds min=%d max=%d", c.DBPoolMin, c.DBPoolMax))
	}
	if c.DBConnectAttempts < 1 {
		errs = append(errs, errors.New("DB_CONNECT_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// PostgresURL DATABASE_URL 优先，否则由 DB_* 拼接
func (c *Config) PostgresURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPass),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// LivenessWindow 心跳超时窗口
func (c *Config) LivenessWindow() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.LivenessTolerance)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
