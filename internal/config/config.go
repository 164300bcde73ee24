package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-rag-service/internal/models"
)

const (
	defaultWeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"
	defaultLLMBaseURL    = "https://openrouter.ai/api/v1"
	defaultLLMModel      = "tngtech/deepseek-r1t2-chimera:free"
)

// Config holds service configuration loaded from YAML, secrets and env.
type Config struct {
	ServerPort string

	RequestTimeout time.Duration
	MaxQueryLength int

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	LLMMode        models.Mode
	LLMAPIKey      string // empty disables the generative backend
	LLMBaseURL     string
	LLMModel       string
	LLMTemperature float32
	LLMTimeout     time.Duration
	LLMReferer     string
	LLMTitle       string

	CacheBackend    string // "in_memory", "memcached" or "redis"
	CacheMaxEntries int
	CacheCoalesce   bool

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KnowledgeBackend      string // "memory" or "qdrant"
	KnowledgeTopK         int
	KnowledgeMaxDocuments int

	QdrantHost       string
	QdrantPort       int
	QdrantAPIKey     string
	QdrantUseTLS     bool
	QdrantCollection string

	EmbeddingProvider   string // "hash" or "openai"
	EmbeddingAPIKey     string
	EmbeddingBaseURL    string
	EmbeddingModel      string
	EmbeddingDimensions int

	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	TrackedLocations []string

	SeedCities   []string
	SeedInterval time.Duration // 0 seeds once at start-up
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout          string `yaml:"timeout"`
		MaxMessageLength int    `yaml:"max_message_length"`
	} `yaml:"request"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	LLM struct {
		Mode        string   `yaml:"mode"`
		BaseURL     string   `yaml:"base_url"`
		Model       string   `yaml:"model"`
		Temperature *float32 `yaml:"temperature"`
		Timeout     string   `yaml:"timeout"`
		Referer     string   `yaml:"referer"`
		Title       string   `yaml:"title"`
	} `yaml:"llm"`

	Cache struct {
		Backend    string `yaml:"backend"`
		MaxEntries int    `yaml:"max_entries"`
		Coalesce   *bool  `yaml:"coalesce"`
		Memcached  struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Knowledge struct {
		Backend      string `yaml:"backend"`
		TopK         int    `yaml:"top_k"`
		MaxDocuments int    `yaml:"max_documents"`
		Qdrant       struct {
			Host       string `yaml:"host"`
			Port       int    `yaml:"port"`
			UseTLS     bool   `yaml:"use_tls"`
			Collection string `yaml:"collection"`
		} `yaml:"qdrant"`
		Embedding struct {
			Provider   string `yaml:"provider"`
			BaseURL    string `yaml:"base_url"`
			Model      string `yaml:"model"`
			Dimensions int    `yaml:"dimensions"`
		} `yaml:"embedding"`
	} `yaml:"knowledge"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	CircuitBreaker struct {
		Enabled          bool   `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`

	Seed struct {
		Cities   []string `yaml:"cities"`
		Interval string   `yaml:"interval"`
	} `yaml:"seed"`
}

type secretsFile struct {
	WeatherAPIKey   string `yaml:"weather_api_key"`
	LLMAPIKey       string `yaml:"llm_api_key"`
	EmbeddingAPIKey string `yaml:"embedding_api_key"`
	RedisPassword   string `yaml:"redis_password"`
	QdrantAPIKey    string `yaml:"qdrant_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml under the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadDir(cwd)
}

// LoadDir is Load rooted at dir instead of the working directory.
func LoadDir(dir string) (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(dir, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 120*time.Second)
	cfg.MaxQueryLength = positiveOr(fc.Request.MaxMessageLength, 1000)

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}
	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, defaultWeatherAPIURL)
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 12*time.Second)

	mode, err := models.ParseMode(firstNonEmpty(os.Getenv("LLM_MODE"), fc.LLM.Mode))
	if err != nil {
		return nil, fmt.Errorf("llm.mode: %w", err)
	}
	cfg.LLMMode = mode
	cfg.LLMAPIKey = firstNonEmpty(os.Getenv("LLM_API_KEY"), os.Getenv("OPENROUTER_API_KEY"), sec.LLMAPIKey)
	cfg.LLMBaseURL = firstNonEmpty(fc.LLM.BaseURL, defaultLLMBaseURL)
	cfg.LLMModel = firstNonEmpty(fc.LLM.Model, defaultLLMModel)
	cfg.LLMTemperature = 0.3
	if fc.LLM.Temperature != nil {
		cfg.LLMTemperature = *fc.LLM.Temperature
	}
	cfg.LLMTimeout = parseDuration(fc.LLM.Timeout, 45*time.Second)
	cfg.LLMReferer = fc.LLM.Referer
	cfg.LLMTitle = fc.LLM.Title

	cfg.CacheBackend = lower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.CacheMaxEntries = positiveOr(fc.Cache.MaxEntries, 1000)
	cfg.CacheCoalesce = true
	if fc.Cache.Coalesce != nil {
		cfg.CacheCoalesce = *fc.Cache.Coalesce
	}
	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)
	cfg.RedisAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_ADDR")), strings.TrimSpace(fc.Cache.Redis.Addr), "localhost:6379")
	cfg.RedisPassword = sec.RedisPassword
	cfg.RedisDB = fc.Cache.Redis.DB

	cfg.KnowledgeBackend = lower(firstNonEmpty(os.Getenv("KNOWLEDGE_BACKEND"), fc.Knowledge.Backend, "memory"))
	cfg.KnowledgeTopK = positiveOr(fc.Knowledge.TopK, 2)
	cfg.KnowledgeMaxDocuments = positiveOr(fc.Knowledge.MaxDocuments, 5000)
	cfg.QdrantHost = firstNonEmpty(fc.Knowledge.Qdrant.Host, "localhost")
	cfg.QdrantPort = positiveOr(fc.Knowledge.Qdrant.Port, 6334)
	cfg.QdrantAPIKey = sec.QdrantAPIKey
	cfg.QdrantUseTLS = fc.Knowledge.Qdrant.UseTLS
	cfg.QdrantCollection = firstNonEmpty(fc.Knowledge.Qdrant.Collection, "weather_insights")
	cfg.EmbeddingProvider = lower(firstNonEmpty(fc.Knowledge.Embedding.Provider, "hash"))
	cfg.EmbeddingAPIKey = firstNonEmpty(os.Getenv("EMBEDDING_API_KEY"), sec.EmbeddingAPIKey, cfg.LLMAPIKey)
	cfg.EmbeddingBaseURL = firstNonEmpty(fc.Knowledge.Embedding.BaseURL, cfg.LLMBaseURL)
	cfg.EmbeddingModel = fc.Knowledge.Embedding.Model
	cfg.EmbeddingDimensions = positiveOr(fc.Knowledge.Embedding.Dimensions, 384)

	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 10)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 20)

	cfg.CircuitBreakerEnabled = fc.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailureThreshold = positiveOr(fc.CircuitBreaker.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = positiveOr(fc.CircuitBreaker.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 50)

	cfg.TrackedLocations = fc.Metrics.TrackedLocations
	cfg.SeedCities = fc.Seed.Cities
	cfg.SeedInterval = parseDurationOrZero(fc.Seed.Interval, 0)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// validate performs post-load validation.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.LLMTimeout {
		return fmt.Errorf("request.timeout (%v) must exceed llm.timeout (%v)", cfg.RequestTimeout, cfg.LLMTimeout)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis":
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	switch cfg.KnowledgeBackend {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("knowledge.backend must be memory or qdrant, got %q", cfg.KnowledgeBackend)
	}
	switch cfg.EmbeddingProvider {
	case "hash":
	case "openai":
		if cfg.EmbeddingModel == "" {
			return fmt.Errorf("knowledge.embedding.model is required for the openai provider")
		}
		if cfg.EmbeddingAPIKey == "" {
			return fmt.Errorf("EMBEDDING_API_KEY required for the openai embedding provider")
		}
	default:
		return fmt.Errorf("knowledge.embedding.provider must be hash or openai, got %q", cfg.EmbeddingProvider)
	}
	if cfg.LLMTemperature < 0 || cfg.LLMTemperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %v", cfg.LLMTemperature)
	}
	return nil
}
