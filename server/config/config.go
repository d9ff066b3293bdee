package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/san-kum/dental-xray/server/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	ML        MLConfig        `json:"ml" yaml:"ml"`
	Inference InferenceConfig `json:"inference" yaml:"inference"`
	Analysis  AnalysisConfig  `json:"analysis" yaml:"analysis"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Environment     string        `json:"environment" yaml:"environment"`
}

type MLConfig struct {
	BaseURL             string        `json:"base_url" yaml:"base_url"`
	Timeout             time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries          int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay" yaml:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
}

type InferenceConfig struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	QueueSize     int `json:"queue_size" yaml:"queue_size"`
}

type AnalysisConfig struct {
	OverlapThreshold float64 `json:"overlap_threshold" yaml:"overlap_threshold"`
	// AreaScale is mm² per pixel, LengthScale mm per pixel.
	AreaScale      float64 `json:"area_scale" yaml:"area_scale"`
	LengthScale    float64 `json:"length_scale" yaml:"length_scale"`
	ApicalFraction float64 `json:"apical_fraction" yaml:"apical_fraction"`
	Decimals       int     `json:"decimals" yaml:"decimals"`
	DefaultMethod  string  `json:"default_method" yaml:"default_method"`
}

type StorageConfig struct {
	UploadsDir string `json:"uploads_dir" yaml:"uploads_dir"`
	ResultsDir string `json:"results_dir" yaml:"results_dir"`
}

type CacheConfig struct {
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
}

type SecurityConfig struct {
	AdminSecret    string        `json:"-" yaml:"admin_secret"`
	AdminIPs       []string      `json:"admin_ips" yaml:"admin_ips"`
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size" yaml:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https" yaml:"enable_https"`
	CertFile       string        `json:"cert_file" yaml:"cert_file"`
	KeyFile        string        `json:"key_file" yaml:"key_file"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// named by CONFIG_FILE, and the environment, in increasing precedence. A .env
// file in the working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	config := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()
	return config, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Environment:     "development",
		},
		ML: MLConfig{
			BaseURL:             "http://localhost:5000",
			Timeout:             60 * time.Second,
			MaxRetries:          3,
			RetryDelay:          1 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Inference: InferenceConfig{
			MaxConcurrent: 2,
			QueueSize:     16,
		},
		Analysis: AnalysisConfig{
			OverlapThreshold: 0,
			AreaScale:        0.1,
			LengthScale:      0.1,
			ApicalFraction:   0.6,
			Decimals:         2,
			DefaultMethod:    string(models.MethodInterpolation),
		},
		Storage: StorageConfig{
			UploadsDir: "./uploads",
			ResultsDir: "./results",
		},
		Cache: CacheConfig{
			MaxEntries: 256,
			TTL:        30 * time.Minute,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   10,
			RateLimitBurst: 20,
			MaxRequestSize: 32 * 1024 * 1024, // 32MB
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvAsDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)

	c.ML.BaseURL = getEnv("ML_BASE_URL", c.ML.BaseURL)
	c.ML.Timeout = getEnvAsDuration("ML_TIMEOUT", c.ML.Timeout)
	c.ML.MaxRetries = getEnvAsInt("ML_MAX_RETRIES", c.ML.MaxRetries)
	c.ML.RetryDelay = getEnvAsDuration("ML_RETRY_DELAY", c.ML.RetryDelay)
	c.ML.HealthCheckInterval = getEnvAsDuration("ML_HEALTH_CHECK_INTERVAL", c.ML.HealthCheckInterval)

	c.Inference.MaxConcurrent = getEnvAsInt("INFERENCE_MAX_CONCURRENT", c.Inference.MaxConcurrent)
	c.Inference.QueueSize = getEnvAsInt("INFERENCE_QUEUE_SIZE", c.Inference.QueueSize)

	c.Analysis.OverlapThreshold = getEnvAsFloat("OVERLAP_THRESHOLD", c.Analysis.OverlapThreshold)
	c.Analysis.AreaScale = getEnvAsFloat("AREA_SCALE_MM2", c.Analysis.AreaScale)
	c.Analysis.LengthScale = getEnvAsFloat("LENGTH_SCALE_MM", c.Analysis.LengthScale)
	c.Analysis.ApicalFraction = getEnvAsFloat("APICAL_FRACTION", c.Analysis.ApicalFraction)
	c.Analysis.Decimals = getEnvAsInt("RESULT_DECIMALS", c.Analysis.Decimals)
	c.Analysis.DefaultMethod = getEnv("DEFAULT_REPLACEMENT_METHOD", c.Analysis.DefaultMethod)

	c.Storage.UploadsDir = getEnv("UPLOADS_DIR", c.Storage.UploadsDir)
	c.Storage.ResultsDir = getEnv("RESULTS_DIR", c.Storage.ResultsDir)

	c.Cache.MaxEntries = getEnvAsInt("CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.TTL = getEnvAsDuration("CACHE_TTL", c.Cache.TTL)

	c.Security.AdminSecret = getEnv("ADMIN_SECRET", c.Security.AdminSecret)
	c.Security.AdminIPs = getEnvAsStringSlice("ADMIN_ALLOWED_IPS", c.Security.AdminIPs)
	c.Security.AllowedOrigins = getEnvAsStringSlice("ALLOWED_ORIGINS", c.Security.AllowedOrigins)
	c.Security.RateLimitRPS = getEnvAsInt("RATE_LIMIT_RPS", c.Security.RateLimitRPS)
	c.Security.RateLimitBurst = getEnvAsInt("RATE_LIMIT_BURST", c.Security.RateLimitBurst)
	c.Security.MaxRequestSize = getEnvAsInt64("MAX_REQUEST_SIZE", c.Security.MaxRequestSize)
	c.Security.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", c.Security.RequestTimeout)
	c.Security.EnableHTTPS = getEnvAsBool("ENABLE_HTTPS", c.Security.EnableHTTPS)
	c.Security.CertFile = getEnv("CERT_FILE", c.Security.CertFile)
	c.Security.KeyFile = getEnv("KEY_FILE", c.Security.KeyFile)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.ML.BaseURL == "" {
		errors = append(errors, "ML base URL is required")
	}

	if c.ML.MaxRetries < 0 {
		errors = append(errors, "ML max retries must not be negative")
	}

	if c.Inference.MaxConcurrent < 1 {
		errors = append(errors, "inference max concurrent must be at least 1")
	}

	if c.Inference.QueueSize < 0 {
		errors = append(errors, "inference queue size must not be negative")
	}

	if c.Analysis.OverlapThreshold < 0 || c.Analysis.OverlapThreshold > 100 {
		errors = append(errors, "overlap threshold must be between 0 and 100")
	}

	if c.Analysis.AreaScale <= 0 || c.Analysis.LengthScale <= 0 {
		errors = append(errors, "area and length scales must be positive")
	}

	if c.Analysis.ApicalFraction <= 0 || c.Analysis.ApicalFraction > 1 {
		errors = append(errors, "apical fraction must be in (0, 1]")
	}

	if c.Analysis.Decimals < 0 || c.Analysis.Decimals > 6 {
		errors = append(errors, "result decimals must be between 0 and 6")
	}

	if _, err := models.ParseReplacementMethod(c.Analysis.DefaultMethod); err != nil {
		errors = append(errors, fmt.Sprintf("default replacement method %q is not supported", c.Analysis.DefaultMethod))
	}

	if c.Storage.UploadsDir == "" || c.Storage.ResultsDir == "" {
		errors = append(errors, "uploads and results directories are required")
	}

	if c.Cache.MaxEntries < 1 {
		errors = append(errors, "cache max entries must be at least 1")
	}

	if c.Cache.TTL <= 0 {
		errors = append(errors, "cache TTL must be positive")
	}

	if c.Security.AdminSecret == "" {
		logger.Warn("Admin secret not set, admin endpoints are disabled")
	}

	if c.Security.RateLimitRPS < 1 || c.Security.RateLimitBurst < 1 {
		errors = append(errors, "rate limit rps and burst must be positive")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "cert and key files are required when HTTPS is enabled")
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errors = append(errors, fmt.Sprintf("invalid log level %q", c.Logging.Level))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// NewLogger builds the process logger: production JSON output when Format is
// "json", development console output otherwise.
func (l LoggingConfig) NewLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if l.Format == "json" {
		cfg = zap.NewProductionConfig()
	}
	if level, err := zap.ParseAtomicLevel(l.Level); err == nil {
		cfg.Level = level
	}
	return cfg.Build()
}
