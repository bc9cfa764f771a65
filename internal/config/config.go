package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Search    SearchConfig    `yaml:"search"`
	Guard     GuardConfig     `yaml:"guard"`
	Turnstile TurnstileConfig `yaml:"turnstile"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ExtractorConfig struct {
	// Mode selects the embedding backend: "local" (in-process ONNX) or
	// "remote" (HTTP sidecar).
	Mode               string        `yaml:"mode"`
	Endpoint           string        `yaml:"endpoint"`
	ModelsDir          string        `yaml:"models_dir"`
	Timeout            time.Duration `yaml:"timeout"`
	EmbeddingDim       int           `yaml:"embedding_dim"`
	DetectionThreshold float64       `yaml:"detection_threshold"`
}

type SearchConfig struct {
	// HighRecall switches the whole search policy bundle: looser distance
	// threshold, more results, more query faces, permissive detection.
	HighRecall bool `yaml:"high_recall"`
}

type GuardConfig struct {
	MaxFileBytes int64         `yaml:"max_file_bytes"`
	MaxPixels    int64         `yaml:"max_pixels"`
	RateLimit    int           `yaml:"rate_limit"`
	RateWindow   time.Duration `yaml:"rate_window"`
}

type TurnstileConfig struct {
	Secret           string        `yaml:"secret"`
	AllowedHostnames string        `yaml:"allowed_hostnames"`
	Endpoint         string        `yaml:"endpoint"`
	Timeout          time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 3
	}
	if cfg.Extractor.Mode == "" {
		cfg.Extractor.Mode = "local"
	}
	if cfg.Extractor.Timeout == 0 {
		cfg.Extractor.Timeout = 180 * time.Second
	}
	if cfg.Extractor.EmbeddingDim == 0 {
		cfg.Extractor.EmbeddingDim = 512
	}
	if cfg.Extractor.DetectionThreshold == 0 {
		cfg.Extractor.DetectionThreshold = 0.5
	}
	if cfg.Guard.MaxFileBytes == 0 {
		cfg.Guard.MaxFileBytes = 5 * 1024 * 1024
	}
	if cfg.Guard.MaxPixels == 0 {
		cfg.Guard.MaxPixels = 64 * 1000 * 1000
	}
	if cfg.Guard.RateLimit == 0 {
		cfg.Guard.RateLimit = 5
	}
	if cfg.Guard.RateWindow == 0 {
		cfg.Guard.RateWindow = time.Minute
	}
	if cfg.Turnstile.Endpoint == "" {
		cfg.Turnstile.Endpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	}
	if cfg.Turnstile.Timeout == 0 {
		cfg.Turnstile.Timeout = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRABPIC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GRABPIC_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("GRABPIC_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("GRABPIC_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("GRABPIC_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("GRABPIC_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("GRABPIC_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("GRABPIC_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("GRABPIC_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("GRABPIC_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("GRABPIC_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("GRABPIC_EXTRACTOR_MODE"); v != "" {
		cfg.Extractor.Mode = v
	}
	if v := os.Getenv("GRABPIC_EXTRACTOR_ENDPOINT"); v != "" {
		cfg.Extractor.Endpoint = v
	}
	if v := os.Getenv("GRABPIC_MODELS_DIR"); v != "" {
		cfg.Extractor.ModelsDir = v
	}
	if v := os.Getenv("GRABPIC_TURNSTILE_SECRET"); v != "" {
		cfg.Turnstile.Secret = v
	}
	if v := os.Getenv("GRABPIC_TURNSTILE_HOSTNAMES"); v != "" {
		cfg.Turnstile.AllowedHostnames = v
	}
	if v := os.Getenv("GRABPIC_SEARCH_HIGH_RECALL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Search.HighRecall = b
		}
	}
}
