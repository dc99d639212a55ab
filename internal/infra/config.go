package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config корневая структура конфигурации сервиса.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Console  ConsoleConfig  `mapstructure:"console"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Scorer   ScorerConfig   `mapstructure:"scorer"`
	Rollout  RolloutConfig  `mapstructure:"rollout"`
	Geo      GeoConfig      `mapstructure:"geo"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig публичный API решений.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RequireAuth API решений и gRPC требуют JWT со scope decisions:write
	RequireAuth bool `mapstructure:"require_auth"`
}

// ConsoleConfig операторский API.
type ConsoleConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и Streams).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// EngineConfig настройки горячего пути принятия решений.
type EngineConfig struct {
	Deadline         time.Duration `mapstructure:"deadline"`
	ScorerWeight     float64       `mapstructure:"scorer_weight"`
	ApproveThreshold float64       `mapstructure:"approve_threshold"`
	ReviewThreshold  float64       `mapstructure:"review_threshold"`
	LevelMedium      float64       `mapstructure:"level_medium"`
	LevelHigh        float64       `mapstructure:"level_high"`
	ModelFamily      string        `mapstructure:"model_family"`
	RuleFamily       string        `mapstructure:"rule_family"`
	VelocityHorizon  time.Duration `mapstructure:"velocity_horizon"`
	// VelocitySweep период вычистки пользователей без событий за горизонт
	VelocitySweep time.Duration `mapstructure:"velocity_sweep"`
	// CommitTimeout синхронная попытка записи решения, отдельно от дедлайна оценки
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`

	// Журнал аудита решений
	JournalBufferSize    int           `mapstructure:"journal_buffer_size"`
	JournalFlushInterval time.Duration `mapstructure:"journal_flush_interval"`
	JournalRetryAttempts uint          `mapstructure:"journal_retry_attempts"`
	JournalRetryDelay    time.Duration `mapstructure:"journal_retry_delay"`

	// Фоновый повтор постановки в ревью и step-up
	HandoffRetryAttempts uint          `mapstructure:"handoff_retry_attempts"`
	HandoffRetryDelay    time.Duration `mapstructure:"handoff_retry_delay"`
}

// ScorerConfig удаленные модели и их защитный контур.
type ScorerConfig struct {
	Target        string        `mapstructure:"target"` // gRPC адрес по умолчанию
	Simulated     bool          `mapstructure:"simulated"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
}

// RolloutConfig контроллер раскаток.
type RolloutConfig struct {
	AnalysisInterval  time.Duration `mapstructure:"analysis_interval"`
	Step              int           `mapstructure:"step"`
	InitialWeight     int           `mapstructure:"initial_weight"`
	WindowSize        int           `mapstructure:"window_size"`
	MaxErrorRate      float64       `mapstructure:"max_error_rate"`
	MaxP95LatencyMs   float64       `mapstructure:"max_p95_latency_ms"`
	MinSuccessRate    float64       `mapstructure:"min_success_rate"`
	MaxViolations     int           `mapstructure:"consecutive_violations"`
	MinSamples        int           `mapstructure:"min_samples"`
}

// GeoConfig статическая таблица сетей для geo_mismatch.
type GeoConfig struct {
	Networks []GeoNetwork `mapstructure:"networks"`
}

type GeoNetwork struct {
	CIDR    string `mapstructure:"cidr"`
	Country string `mapstructure:"country"`
}

// Table превращает список сетей в карту для резолвера.
func (g GeoConfig) Table() map[string]string {
	out := make(map[string]string, len(g.Networks))
	for _, n := range g.Networks {
		out[n.CIDR] = n.Country
	}
	return out
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"` // OTLP gRPC; пусто = выключено
	ServiceName string `mapstructure:"service_name"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig объединяет значения из файла, .env и ENV.
func LoadConfig(path string) (*Config, error) {
	// .env необязателен, в k8s переменные приходят из окружения
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// ENGINE_DEADLINE=50ms перекроет engine.deadline
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

// Validate ловит конфигурации, с которыми движок будет принимать бессмысленные решения.
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.Deadline <= 0:
		return errors.New("config: engine.deadline must be positive")
	case e.ApproveThreshold < 0 || e.ReviewThreshold > 100 || e.ApproveThreshold > e.ReviewThreshold:
		return fmt.Errorf("config: need 0 <= approve_threshold (%v) <= review_threshold (%v) <= 100", e.ApproveThreshold, e.ReviewThreshold)
	case e.ScorerWeight < 0:
		return errors.New("config: engine.scorer_weight must be non-negative")
	case c.Rollout.Step <= 0 || c.Rollout.Step > 100:
		return errors.New("config: rollout.step must be in 1..100")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Second)
	v.SetDefault("console.addr", ":8000")
	v.SetDefault("grpc.addr", ":50052")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("engine.deadline", 100*time.Millisecond)
	v.SetDefault("engine.scorer_weight", 0.5)
	v.SetDefault("engine.approve_threshold", 30)
	v.SetDefault("engine.review_threshold", 50)
	v.SetDefault("engine.level_medium", 40)
	v.SetDefault("engine.level_high", 70)
	v.SetDefault("engine.model_family", "fraud")
	v.SetDefault("engine.rule_family", "default")
	v.SetDefault("engine.velocity_horizon", 24*time.Hour)
	v.SetDefault("engine.velocity_sweep", time.Minute)
	v.SetDefault("engine.handoff_retry_attempts", 5)
	v.SetDefault("engine.handoff_retry_delay", 50*time.Millisecond)
	v.SetDefault("engine.commit_timeout", 50*time.Millisecond)
	v.SetDefault("engine.journal_buffer_size", 10000)
	v.SetDefault("engine.journal_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.journal_retry_attempts", 5)
	v.SetDefault("engine.journal_retry_delay", 200*time.Millisecond)

	v.SetDefault("scorer.target", "localhost:50051")
	v.SetDefault("scorer.cb_max_requests", 3)
	v.SetDefault("scorer.cb_interval", 5*time.Second)
	v.SetDefault("scorer.cb_timeout", 30*time.Second)
	v.SetDefault("scorer.cb_max_failures", 5)
	v.SetDefault("scorer.rate_limit", 2000)
	v.SetDefault("scorer.rate_burst", 200)
	v.SetDefault("scorer.retry_attempts", 2)

	v.SetDefault("rollout.analysis_interval", 30*time.Second)
	v.SetDefault("rollout.step", 10)
	v.SetDefault("rollout.initial_weight", 10)
	v.SetDefault("rollout.window_size", 10000)
	v.SetDefault("rollout.max_error_rate", 0.05)
	v.SetDefault("rollout.max_p95_latency_ms", 80)
	v.SetDefault("rollout.min_success_rate", 0.95)
	v.SetDefault("rollout.consecutive_violations", 3)
	v.SetDefault("rollout.min_samples", 50)

	v.SetDefault("tracing.service_name", "riskgate")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource PEM из ENV имеет приоритет над файлом
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
