package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

var ErrMissingAuthKey = errors.New("AUTH_KEY is required outside development")

type Server struct {
	DatabaseURL       string        `env:"DATABASE_URL"`
	SQLitePath        string        `env:"SQLITE_PATH,default=chat-sync.db"`
	Host              string        `env:"HOST"`
	Port              int           `env:"PORT,default=8080"`
	Env               string        `env:"APP_ENV,default=development"`
	AuthKey           string        `env:"AUTH_KEY"`
	RedisURL          string        `env:"REDIS_URL"`
	RelayChannel      string        `env:"RELAY_CHANNEL,default=chat-sync:messages"`
	Shards            int           `env:"SHARDS,default=4"`
	RateBurst         int           `env:"RATE_BURST,default=5"`
	RateRefill        time.Duration `env:"RATE_REFILL,default=500ms"`
	HistoryLimit      int           `env:"HISTORY_LIMIT,default=200"`
	Retention         time.Duration `env:"RETENTION,default=720h"`
	RetentionSchedule string        `env:"RETENTION_SCHEDULE,default=0 3 * * *"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
}

type Client struct {
	ServerURL string `env:"CHAT_SERVER_URL,default=http://localhost:8080"`
	Token     string `env:"CHAT_TOKEN"`
	AuthKey   string `env:"AUTH_KEY"`
	LogLevel  string `env:"LOG_LEVEL,default=warn"`
}

func (c *Server) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Server) IsDevelopment() bool {
	return c.Env == "development"
}

// loadDotEnv reads an optional .env; a missing file is not an error.
func loadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

func LoadServer(log zerolog.Logger, files ...string) (*Server, error) {
	log = log.With().Str("component", "config").Logger()
	if loadDotEnv(files...) {
		log.Debug().Msg("loaded .env file")
	} else {
		log.Debug().Msg("no .env file found, relying on system environment variables")
	}

	var cfg Server
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("read server config: %w", err)
	}

	if cfg.AuthKey == "" && !cfg.IsDevelopment() {
		return nil, ErrMissingAuthKey
	}
	if cfg.Shards <= 0 {
		return nil, fmt.Errorf("SHARDS must be positive, got %d", cfg.Shards)
	}

	event := log.Info().Str("env", cfg.Env).Str("addr", cfg.Addr()).Int("shards", cfg.Shards)
	if cfg.DatabaseURL != "" {
		event = event.Str("database", maskDBSource(cfg.DatabaseURL))
	} else {
		event = event.Str("sqlite", cfg.SQLitePath)
	}
	event.Bool("auth", cfg.AuthKey != "").Bool("relay", cfg.RedisURL != "").Msg("configuration loaded")
	if cfg.AuthKey == "" {
		log.Warn().Msg("AUTH_KEY is empty, trusting the user query parameter")
	}

	return &cfg, nil
}

func LoadClient(files ...string) (*Client, error) {
	loadDotEnv(files...)

	var cfg Client
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}
	return &cfg, nil
}

func maskDBSource(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return "invalid-dsn-format"
	}
	scheme := "postgres"
	if i := strings.Index(dsn, "://"); i > 0 {
		scheme = dsn[:i]
	}
	return scheme + "://****:****@" + dsn[at+1:]
}
