package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is used when Load is called without a path. CATALOG_CONFIG
// overrides it.
var ConfigPath = "config.yaml"

const (
	defaultMaxUploadBytes   int64 = 100 << 20
	defaultCoverScale             = 1.5
	defaultCoverQuality           = 75
	defaultPDFRenderCommand       = "pdftoppm"
	defaultEventStream            = "pdfshelf:catalog:events"
	defaultCleanupStream          = "pdfshelf:catalog:cleanup"
	defaultTrendingTTL            = 30 * time.Second
	defaultMaxCatalogScan         = 50_000
	defaultPresignExpiry          = 15 * time.Minute
	defaultReadHeaderTimeout      = 10 * time.Second
	defaultReadTimeout            = 15 * time.Second
	defaultWriteTimeout           = 30 * time.Second
	defaultIdleTimeout            = 60 * time.Second
	defaultUploadTimeout          = 30 * time.Minute
)

// Duration reads Go duration strings ("30s", "5m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	// DatabaseURL selects the Postgres store; empty keeps the catalog in memory.
	DatabaseURL string `yaml:"databaseURL"`

	// MinioEndpoint selects MinIO object storage; empty keeps objects in memory.
	MinioEndpoint  string   `yaml:"minioEndpoint"`
	MinioAccessKey string   `yaml:"minioAccessKey"`
	MinioSecretKey string   `yaml:"minioSecretKey"`
	MinioBucket    string   `yaml:"minioBucket"`
	MinioUseSSL    bool     `yaml:"minioUseSSL"`
	PresignExpiry  Duration `yaml:"presignExpiry"`

	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	EventStream        string `yaml:"eventStream"`
	CleanupStream      string `yaml:"cleanupStream"`
	RateLimitPerMinute int    `yaml:"rateLimitPerMinute"`

	MaxUploadBytes   int64    `yaml:"maxUploadBytes"`
	CoverScale       float64  `yaml:"coverScale"`
	CoverQuality     int      `yaml:"coverQuality"`
	PDFRenderCommand string   `yaml:"pdfRenderCommand"`
	RenderTimeout    Duration `yaml:"renderTimeout"`

	TrendingTTL    Duration `yaml:"trendingTTL"`
	MaxCatalogScan int      `yaml:"maxCatalogScan"`

	JWKSURL     string   `yaml:"jwksURL"`
	JWTIssuer   string   `yaml:"jwtIssuer"`
	JWTAudience string   `yaml:"jwtAudience"`
	JWTLeeway   Duration `yaml:"jwtLeeway"`

	// ReadTimeout and WriteTimeout bound ordinary requests; uploads get
	// UploadTimeout for the whole body and response instead.
	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout"`
	ReadTimeout       Duration `yaml:"readTimeout"`
	WriteTimeout      Duration `yaml:"writeTimeout"`
	IdleTimeout       Duration `yaml:"idleTimeout"`
	UploadTimeout     Duration `yaml:"uploadTimeout"`

	TrustedProxies []string `yaml:"trustedProxies"`
	CORSOrigins    []string `yaml:"corsOrigins"`
}

// UsesMinio reports whether object storage is external.
func (c FileConfig) UsesMinio() bool {
	return c.MinioEndpoint != ""
}

// Load reads config from path (defaults to ConfigPath or CATALOG_CONFIG),
// applies environment overrides and defaults, then validates.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
		if v := os.Getenv("CATALOG_CONFIG"); v != "" {
			path = v
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	setString("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	setString("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	setString("MINIO_BUCKET", &cfg.MinioBucket)
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)
	setString("CATALOG_EVENT_STREAM", &cfg.EventStream)
	setString("CATALOG_CLEANUP_STREAM", &cfg.CleanupStream)
	setString("CATALOG_PDF_RENDER_COMMAND", &cfg.PDFRenderCommand)
	setString("JWKS_URL", &cfg.JWKSURL)
	setString("JWT_ISSUER", &cfg.JWTIssuer)
	setString("JWT_AUDIENCE", &cfg.JWTAudience)
	if v := os.Getenv("CATALOG_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("CATALOG_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}

	if v := os.Getenv("CATALOG_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: CATALOG_MAX_UPLOAD_BYTES: %w", err)
		}
		cfg.MaxUploadBytes = n
	}
	if v := os.Getenv("CATALOG_MAX_SCAN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CATALOG_MAX_SCAN: %w", err)
		}
		cfg.MaxCatalogScan = n
	}
	if v := os.Getenv("CATALOG_RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CATALOG_RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = n
	}
	for key, dst := range map[string]*Duration{
		"CATALOG_TRENDING_TTL":   &cfg.TrendingTTL,
		"CATALOG_READ_TIMEOUT":   &cfg.ReadTimeout,
		"CATALOG_WRITE_TIMEOUT":  &cfg.WriteTimeout,
		"CATALOG_UPLOAD_TIMEOUT": &cfg.UploadTimeout,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = Duration(d)
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.CoverScale == 0 {
		cfg.CoverScale = defaultCoverScale
	}
	if cfg.CoverQuality == 0 {
		cfg.CoverQuality = defaultCoverQuality
	}
	if cfg.PDFRenderCommand == "" {
		cfg.PDFRenderCommand = defaultPDFRenderCommand
	}
	if cfg.TrendingTTL == 0 {
		cfg.TrendingTTL = Duration(defaultTrendingTTL)
	}
	if cfg.MaxCatalogScan == 0 {
		cfg.MaxCatalogScan = defaultMaxCatalogScan
	}
	if cfg.PresignExpiry == 0 {
		cfg.PresignExpiry = Duration(defaultPresignExpiry)
	}
	for dst, def := range map[*Duration]time.Duration{
		&cfg.ReadHeaderTimeout: defaultReadHeaderTimeout,
		&cfg.ReadTimeout:       defaultReadTimeout,
		&cfg.WriteTimeout:      defaultWriteTimeout,
		&cfg.IdleTimeout:       defaultIdleTimeout,
		&cfg.UploadTimeout:     defaultUploadTimeout,
	} {
		if *dst == 0 {
			*dst = Duration(def)
		}
	}
	if cfg.RedisAddr != "" && cfg.EventStream == "" {
		cfg.EventStream = defaultEventStream
	}
	if cfg.RedisAddr != "" && cfg.CleanupStream == "" {
		cfg.CleanupStream = defaultCleanupStream
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.UsesMinio() {
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required with minioEndpoint")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required with minioEndpoint")
		}
	}
	if cfg.JWKSURL == "" {
		return errors.New("config: jwksURL is required (set in config.yaml or JWKS_URL)")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be positive")
	}
	if cfg.CoverScale < 0 {
		return errors.New("config: coverScale must be positive")
	}
	if cfg.CoverQuality < 1 || cfg.CoverQuality > 100 {
		return errors.New("config: coverQuality must be between 1 and 100")
	}
	if cfg.MaxCatalogScan < 0 {
		return errors.New("config: maxCatalogScan must be positive")
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must not be negative")
	}
	if cfg.RateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: rateLimitPerMinute requires redisAddr")
	}
	if cfg.TrendingTTL < 0 || cfg.JWTLeeway < 0 || cfg.RenderTimeout < 0 || cfg.PresignExpiry < 0 ||
		cfg.ReadHeaderTimeout < 0 || cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 || cfg.IdleTimeout < 0 || cfg.UploadTimeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
