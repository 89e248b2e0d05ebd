package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"tta-server/shared/logger"
)

// Config - вся конфигурация процесса. Читается один раз при старте.
type Config struct {
	AppEnv string `env:"APP_ENV" env-default:"development"`
	Logger logger.Config

	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	SQLite        SQLiteConfig
	Redis         RedisConfig
	RabbitMQ      RabbitMQConfig
	AI            AIConfig
	Orchestrator  OrchestratorConfig
	JWT           JWTConfig
	Telemetry     TelemetryConfig
	AllowedOrigin string `env:"CORS_ALLOWED_ORIGINS" env-default:"*"`
}

// ServerConfig - HTTP сервер.
type ServerConfig struct {
	Port         string        `env:"HTTP_PORT" env-default:"8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" env-default:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" env-default:"120s"`
	TurnTimeout  time.Duration `env:"TURN_TIMEOUT" env-default:"45s"`
}

// StoreConfig выбирает реализацию хранилищ.
type StoreConfig struct {
	Backend string `env:"STORE_BACKEND" env-default:"sqlite"` // postgres | sqlite
}

// DatabaseConfig - PostgreSQL.
type DatabaseConfig struct {
	Host        string        `env:"DB_HOST" env-default:"localhost"`
	Port        string        `env:"DB_PORT" env-default:"5432"`
	User        string        `env:"DB_USER" env-default:"postgres"`
	Password    string        `env:"DB_PASSWORD" env-default:""`
	Name        string        `env:"DB_NAME" env-default:"tta"`
	SSLMode     string        `env:"DB_SSL_MODE" env-default:"disable"`
	MaxConns    int           `env:"DB_MAX_CONNECTIONS" env-default:"10"`
	MaxIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" env-default:"5m"`
}

// GetDSN returns the PostgreSQL connection string.
func (c DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// SQLiteConfig - локальный однопользовательский режим.
type SQLiteConfig struct {
	Path string `env:"SQLITE_PATH" env-default:"tta.db"`
}

// RedisConfig - распределенная блокировка сессий. Пустой адрес отключает Redis.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR" env-default:""`
	Password string        `env:"REDIS_PASSWORD" env-default:""`
	DB       int           `env:"REDIS_DB" env-default:"0"`
	LockTTL  time.Duration `env:"REDIS_LOCK_TTL" env-default:"2m"`
}

// RabbitMQConfig - события завершения хода. Пустой URL отключает публикацию.
type RabbitMQConfig struct {
	URL       string `env:"RABBITMQ_URL" env-default:""`
	TurnQueue string `env:"RABBITMQ_TURN_EVENTS_QUEUE" env-default:"tta_turn_events"`
}

// AIConfig - необязательная модель для разбора ввода и повествования.
type AIConfig struct {
	ClientType   string        `env:"AI_CLIENT_TYPE" env-default:"none"` // none | openai | ollama
	APIKey       string        `env:"AI_API_KEY" env-default:""`
	BaseURL      string        `env:"AI_BASE_URL" env-default:"https://api.openai.com/v1"`
	Model        string        `env:"AI_MODEL" env-default:"gpt-4o-mini"`
	Timeout      time.Duration `env:"AI_TIMEOUT" env-default:"30s"`
	MaxTokens    int           `env:"AI_MAX_TOKENS" env-default:"300"`
	ContextLimit int           `env:"AI_CONTEXT_TOKENS" env-default:"2000"`
}

// Enabled reports whether a model backend is configured.
func (c AIConfig) Enabled() bool {
	t := strings.ToLower(c.ClientType)
	return t != "" && t != "none"
}

// OrchestratorConfig - ограничения цикла хода.
type OrchestratorConfig struct {
	MaxRoleSteps       int           `env:"TURN_MAX_ROLE_STEPS" env-default:"8"`
	RetrievalSteps     int           `env:"RETRIEVAL_DEFAULT_STEPS" env-default:"5"`
	RetrievalMaxSteps  int           `env:"RETRIEVAL_MAX_STEPS" env-default:"10"`
	RetrievalPerRole   int           `env:"RETRIEVAL_CALLS_PER_ROLE" env-default:"2"`
	ToolTimeout        time.Duration `env:"TOOL_TIMEOUT" env-default:"5s"`
	ConflictPolicy     string        `env:"CONFLICT_POLICY" env-default:"last_writer_wins"` // last_writer_wins | reject
	RoutingTablePath   string        `env:"ROUTING_TABLE_PATH" env-default:""`
	StartingLocationID string        `env:"STARTING_LOCATION_ID" env-default:"village_square"`
	SessionIdleTTL     time.Duration `env:"SESSION_IDLE_TTL" env-default:"30m"` // 0 - не выгружать
}

// JWTConfig - проверка токенов игроков. Пустой секрет отключает аутентификацию.
type JWTConfig struct {
	Secret string `env:"JWT_SECRET" env-default:""`
}

// TelemetryConfig - экспорт трасс. Пустой endpoint отключает экспорт.
type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	ServiceName  string `env:"OTEL_SERVICE_NAME" env-default:"tta-server"`
}

// Load загружает конфигурацию из переменных окружения и .env файла.
func Load() (Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("error loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values cleanenv cannot express.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("STORE_BACKEND must be postgres or sqlite, got %q", c.Store.Backend)
	}
	switch strings.ToLower(c.AI.ClientType) {
	case "", "none", "openai", "ollama":
	default:
		return fmt.Errorf("AI_CLIENT_TYPE must be none, openai or ollama, got %q", c.AI.ClientType)
	}
	if strings.EqualFold(c.AI.ClientType, "openai") && c.AI.APIKey == "" {
		return fmt.Errorf("AI_API_KEY is required for the openai client")
	}
	switch c.Orchestrator.ConflictPolicy {
	case "last_writer_wins", "reject":
	default:
		return fmt.Errorf("CONFLICT_POLICY must be last_writer_wins or reject, got %q", c.Orchestrator.ConflictPolicy)
	}
	if c.Orchestrator.MaxRoleSteps <= 0 {
		return fmt.Errorf("TURN_MAX_ROLE_STEPS must be positive")
	}
	if c.Orchestrator.RetrievalMaxSteps < c.Orchestrator.RetrievalSteps {
		return fmt.Errorf("RETRIEVAL_MAX_STEPS (%d) is below RETRIEVAL_DEFAULT_STEPS (%d)", c.Orchestrator.RetrievalMaxSteps, c.Orchestrator.RetrievalSteps)
	}
	return nil
}
