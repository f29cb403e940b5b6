package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the questioning system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	OutputDir      string        `mapstructure:"output_dir"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
}

func (g GeneralConfig) Validate() error {
	if g.MaxConcurrent <= 0 {
		return fmt.Errorf("general.max_concurrent must be > 0")
	}
	return nil
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai-compatible endpoints
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model key fills each dialogue role
type LLMRoutingConfig struct {
	Questioner string `mapstructure:"questioner"` // proposes questions, estimates likelihoods
	Answerer   string `mapstructure:"answerer"`   // impersonates the hidden entity
	Embedding  string `mapstructure:"embedding"`  // embeds questions/answers for clustering
}

// Validate checks routing only; providers may be absent for commands that
// never call a model (serve, migrate, eval).
func (l LLMConfig) Validate() error {
	if l.Routing.Questioner == "" {
		return fmt.Errorf("llm.routing.questioner is required")
	}
	if l.Routing.Answerer == "" {
		return fmt.Errorf("llm.routing.answerer is required")
	}
	return nil
}

// PlannerConfig carries the decision-engine parameters. Defaults mirror the
// values the benchmarks were tuned with.
type PlannerConfig struct {
	ConversationDepth   int     `mapstructure:"conversation_depth"`
	MaxQuestionNodes    int     `mapstructure:"max_question_nodes"`
	MaxLookaheadDepth   int     `mapstructure:"max_lookahead_depth"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	EstimatorConfidence float64 `mapstructure:"estimator_confidence"`
	SharpnessConstant   float64 `mapstructure:"sharpness_constant"`
	MinProbability      float64 `mapstructure:"min_probability"`
	PlanAnswers         bool    `mapstructure:"plan_answers"`
}

func (p PlannerConfig) Validate() error {
	if p.ConversationDepth <= 0 {
		return fmt.Errorf("planner.conversation_depth must be > 0")
	}
	if p.MaxQuestionNodes <= 0 {
		return fmt.Errorf("planner.max_question_nodes must be > 0")
	}
	if p.MaxLookaheadDepth <= 0 {
		return fmt.Errorf("planner.max_lookahead_depth must be > 0")
	}
	if p.ConfidenceThreshold <= 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("planner.confidence_threshold must be in (0,1]")
	}
	if p.EstimatorConfidence < 0 || p.EstimatorConfidence > 1 {
		return fmt.Errorf("planner.estimator_confidence must be in [0,1]")
	}
	if p.SharpnessConstant < 0 {
		return fmt.Errorf("planner.sharpness_constant cannot be negative")
	}
	if p.MinProbability < 0 || p.MinProbability >= 1 {
		return fmt.Errorf("planner.min_probability must be in [0,1)")
	}
	return nil
}

// ClusterConfig controls semantic clustering of questions and answers
type ClusterConfig struct {
	Threshold float64 `mapstructure:"threshold"`
	Shared    bool    `mapstructure:"shared"`
}

func (c ClusterConfig) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("cluster.threshold must be > 0")
	}
	return nil
}

// StorageConfig contains optional durable backends. File artifacts are always
// written; Postgres and Redis are enabled only when configured.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains the run-archive database configuration
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Enabled reports whether a Postgres archive has been configured at all.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN builds a connection string from either the url or the discrete fields.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if strings.TrimSpace(p.Host) == "" || strings.TrimSpace(p.DBName) == "" {
		return "", fmt.Errorf("storage.postgres requires host and dbname (or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig configures the shared cluster registry
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// ServerConfig contains the results API settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// TelemetryConfig contains metrics and cost tracking settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// Validate checks every section that has constraints.
func (c *Config) Validate() error {
	if err := c.General.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Planner.Validate(); err != nil {
		return err
	}
	return c.Cluster.Validate()
}

// LoadConfig loads config from file, with INQUEST_* env overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("INQUEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env cover a full local setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.output_dir", filepath.Join("logs", time.Now().Format("20060102150405")))
	v.SetDefault("general.default_timeout", "120s")
	v.SetDefault("general.max_concurrent", 6)

	v.SetDefault("planner.conversation_depth", 20)
	v.SetDefault("planner.max_question_nodes", 2)
	v.SetDefault("planner.max_lookahead_depth", 3)
	v.SetDefault("planner.confidence_threshold", 0.8)
	v.SetDefault("planner.estimator_confidence", 0.7)
	v.SetDefault("planner.sharpness_constant", 0.4)
	v.SetDefault("planner.min_probability", 1.0/25000)
	v.SetDefault("planner.plan_answers", false)

	v.SetDefault("cluster.threshold", 1.0)
	v.SetDefault("cluster.shared", false)

	v.SetDefault("llm.routing.questioner", "chat")
	v.SetDefault("llm.routing.answerer", "chat")
	v.SetDefault("llm.routing.embedding", "embedding")

	v.SetDefault("server.address", ":10010")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)

	v.SetDefault("storage.redis.timeout", "5s")
}
