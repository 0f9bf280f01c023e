package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// Image backends a pipeline loader can be built for.
const (
	ImageBackendHuggingFace = "huggingface"
	ImageBackendComfyUI     = "comfyui"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	AI       AIConfig       `yaml:"ai"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sentry   SentryConfig   `yaml:"sentry"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
}

// MySQLConfig enables the run-record mirror when Host is set.
type MySQLConfig struct {
	Host            string        `yaml:"host" env:"MYSQL_HOST"`
	Port            int           `yaml:"port" env:"MYSQL_PORT"`
	Username        string        `yaml:"username" env:"MYSQL_USER"`
	Password        string        `yaml:"password" env:"MYSQL_PASSWORD"`
	Database        string        `yaml:"database" env:"MYSQL_DATABASE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the synthesized audio cache when Host is set.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST"`
	Port     int           `yaml:"port" env:"REDIS_PORT"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	AudioTTL time.Duration `yaml:"audio_ttl"`
}

type AIConfig struct {
	Mistral      MistralConfig     `yaml:"mistral"`
	HuggingFace  HuggingFaceConfig `yaml:"huggingface"`
	ComfyUI      ComfyUIConfig     `yaml:"comfyui"`
	XTTS         XTTSConfig        `yaml:"xtts"`
	ImageBackend string            `yaml:"image_backend" env:"IMAGE_BACKEND"`
	// Models maps a model key to a model identifier. Entries are merged
	// over the built-in catalog.
	Models map[string]string `yaml:"models"`
}

type MistralConfig struct {
	BaseURL     string        `yaml:"base_url" env:"MISTRAL_BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"MISTRAL_API_KEY"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type HuggingFaceConfig struct {
	APIKey       string        `yaml:"api_key" env:"HUGGINGFACE_API_KEY"`
	HubURL       string        `yaml:"hub_url"`
	InferenceURL string        `yaml:"inference_url" env:"HUGGINGFACE_INFERENCE_URL"`
	Timeout      time.Duration `yaml:"timeout"`
}

type ComfyUIConfig struct {
	BaseURL string        `yaml:"base_url" env:"COMFYUI_BASE_URL"`
	Timeout time.Duration `yaml:"timeout"`
	// Checkpoints maps a model identifier to a checkpoint file name known
	// to the ComfyUI server.
	Checkpoints  map[string]string `yaml:"checkpoints"`
	SamplerName  string            `yaml:"sampler_name"`
	Scheduler    string            `yaml:"scheduler"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	Launch       LaunchConfig      `yaml:"launch"`
}

type XTTSConfig struct {
	BaseURL        string        `yaml:"base_url" env:"XTTS_BASE_URL"`
	Timeout        time.Duration `yaml:"timeout"`
	LoadTimeout    time.Duration `yaml:"load_timeout"`
	DefaultSpeaker string        `yaml:"default_speaker"`
	Launch         LaunchConfig  `yaml:"launch"`
}

// LaunchConfig describes a local model server to start with the service.
// An empty Command disables it.
type LaunchConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
}

type StorageConfig struct {
	SpreadsheetPath string `yaml:"spreadsheet_path" env:"EXCEL_FILE_PATH"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn" env:"SENTRY_DSN"`
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MySQL: MySQLConfig{
				Port:            3306,
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
			Redis: RedisConfig{
				Port:     6379,
				PoolSize: 10,
				AudioTTL: 24 * time.Hour,
			},
		},
		AI: AIConfig{
			Mistral: MistralConfig{
				BaseURL:     "https://api.mistral.ai/v1",
				Model:       "mistral-tiny",
				Temperature: 0.5,
			},
			HuggingFace: HuggingFaceConfig{
				HubURL:       "https://huggingface.co",
				InferenceURL: "https://router.huggingface.co/hf-inference",
			},
			ComfyUI: ComfyUIConfig{
				BaseURL:      "http://127.0.0.1:8188",
				SamplerName:  "euler",
				Scheduler:    "normal",
				PollInterval: time.Second,
			},
			XTTS: XTTSConfig{
				BaseURL:        "http://127.0.0.1:8020",
				LoadTimeout:    5 * time.Minute,
				DefaultSpeaker: "Ana Florence",
			},
			ImageBackend: ImageBackendHuggingFace,
		},
		Storage: StorageConfig{
			SpreadsheetPath: "evolution_data.xlsx",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Sentry: SentryConfig{
			Environment: "development",
		},
	}
}

// Load reads configuration from a YAML file layered over Default, then
// applies environment variable overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports configuration values the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.AI.ImageBackend {
	case ImageBackendHuggingFace, ImageBackendComfyUI:
	default:
		return fmt.Errorf("unknown image backend: %q", c.AI.ImageBackend)
	}
	if c.Storage.SpreadsheetPath == "" {
		return errors.New("storage.spreadsheet_path must not be empty")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
