// Package config provides application configuration loaded from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nzoschke/moodtunes/pkg/clip"
	"github.com/nzoschke/moodtunes/pkg/corpus"
)

// Environment profiles.
const (
	Development = "development"
	Staging     = "staging"
	Production  = "production"
)

type profile struct {
	debug   bool
	origins []string
}

var profiles = map[string]profile{
	Development: {debug: true, origins: []string{"http://localhost:8100", "http://localhost:3000", "http://localhost:8101"}},
	Staging:     {debug: true, origins: []string{"https://staging.your-domain.com"}},
	Production:  {debug: false, origins: []string{"https://your-domain.com", "https://app.your-domain.com"}},
}

// Config holds all application configuration.
type Config struct {
	Environment    string
	Debug          bool
	AllowedOrigins []string

	DBDriver    string
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	SQLitePath  string

	APIHost   string
	APIPort   int
	LogLevel  string
	LogFormat string

	ClipModelDir string
	ClipDevice   clip.Device
	ONNXLibPath  string

	DefaultTopK        int
	ImageFetchTimeout  time.Duration
	MaxImageBytes      int64
	MaxImagePixels     int64
	SerializeRecommend bool

	// AllowLocalImagePaths lets HTTP callers name files on the server's disk.
	AllowLocalImagePaths bool

	// Offline lyric labeling
	OpenAIAPIKey  string
	OpenAIBaseURL string
	LabelModel    string
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("15s") or a plain number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(valueStr, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load reads configuration from environment variables and returns a Config struct.
// It loads a .env file first if one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	env := strings.ToLower(getEnv("ENVIRONMENT", Development))
	p, ok := profiles[env]
	if !ok {
		slog.Warn("Unknown ENVIRONMENT, using development", "environment", env)
		env = Development
		p = profiles[Development]
	}

	debug := getEnvAsBool("DEBUG", p.debug)
	logLevel := "info"
	if debug {
		logLevel = "debug"
	}

	driver := strings.ToLower(getEnv("DB_DRIVER", corpus.DriverSQLite))
	defaultPort := 5432
	if driver == corpus.DriverSQLite {
		defaultPort = 0
	}

	device, err := clip.ParseDevice(getEnv("CLIP_DEVICE", string(clip.DeviceAuto)))
	if err != nil {
		return nil, fmt.Errorf("CLIP_DEVICE: %w", err)
	}

	cfg := &Config{
		Environment:    env,
		Debug:          debug,
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", p.origins),

		DBDriver:    driver,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnvAsInt("DB_PORT", defaultPort),
		DBUser:      getEnv("DB_USER", "root"),
		DBPassword:  os.Getenv("DB_PASSWORD"),
		DBName:      getEnv("DB_NAME", "songlist"),
		SQLitePath:  getEnv("SQLITE_PATH", "songlist.db"),

		APIHost:   getEnv("API_HOST", "0.0.0.0"),
		APIPort:   getEnvAsInt("API_PORT", 8000),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", logLevel)),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),

		ClipModelDir: getEnv("CLIP_MODEL_DIR", "models/clip-vit-base-patch32"),
		ClipDevice:   device,
		ONNXLibPath:  os.Getenv("ONNXRUNTIME_LIB_PATH"),

		DefaultTopK:        getEnvAsInt("DEFAULT_TOP_K", 3),
		ImageFetchTimeout:  getEnvAsDuration("IMAGE_FETCH_TIMEOUT", 15*time.Second),
		MaxImageBytes:      int64(getEnvAsInt("MAX_IMAGE_BYTES", 20<<20)),
		MaxImagePixels:     int64(getEnvAsInt("MAX_IMAGE_PIXELS", 25_000_000)),
		SerializeRecommend: getEnvAsBool("SERIALIZE_RECOMMEND", true),

		AllowLocalImagePaths: getEnvAsBool("ALLOW_LOCAL_IMAGE_PATHS", false),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		LabelModel:    getEnv("LABEL_MODEL", "gpt-4o-mini"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case corpus.DriverSQLite, corpus.DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return errors.New("API_PORT must be a valid port")
	}
	if c.DBDriver == corpus.DriverPostgres && c.DatabaseURL == "" && (c.DBPort <= 0 || c.DBPort > 65535) {
		return errors.New("DB_PORT must be a valid port")
	}
	if c.DefaultTopK <= 0 {
		return errors.New("DEFAULT_TOP_K must be a positive integer")
	}
	if c.ImageFetchTimeout <= 0 {
		return errors.New("IMAGE_FETCH_TIMEOUT must be positive")
	}
	if c.MaxImageBytes <= 0 {
		return errors.New("MAX_IMAGE_BYTES must be a positive integer")
	}
	if c.MaxImagePixels <= 0 {
		return errors.New("MAX_IMAGE_PIXELS must be a positive integer")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.APIHost, strconv.Itoa(c.APIPort))
}

// DSN returns the data source name for the configured store. DATABASE_URL wins
// when set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.DBDriver == corpus.DriverSQLite {
		return c.SQLitePath
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=disable",
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	return u.String()
}
