package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string `yaml:"env"`
	HttpPort string `yaml:"httpPort"`
	DBPath   string `yaml:"dbPath"`   // used when DBDriver=sqlite
	DBDriver string `yaml:"dbDriver"` // sqlite|postgres
	DBDsn    string `yaml:"dbDsn"`    // used when DBDriver=postgres (e.g., DATABASE_URL)

	Storage      StorageConfig      `yaml:"storage"`
	SentinelHub  SentinelHubConfig  `yaml:"sentinelHub"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Lock         LockConfig         `yaml:"lock"`
	Influx       InfluxConfig       `yaml:"influx"`
	Tracing      TracingConfig      `yaml:"tracing"`

	// bcrypt hash of the bearer token required on mutating API routes; empty disables auth
	APITokenHash string `yaml:"apiTokenHash"`
}

type StorageConfig struct {
	Driver    string `yaml:"driver"` // aws|minio
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
}

type SentinelHubConfig struct {
	ClientID          string  `yaml:"clientId"`
	ClientSecret      string  `yaml:"clientSecret"`
	Endpoint          string  `yaml:"endpoint"` // SENTINEL_HUB|CDSE
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	PrincipalARN      string  `yaml:"principalArn"`
	AsyncRoleARN      string  `yaml:"asyncRoleArn"`
}

type OrchestratorConfig struct {
	PollInterval       time.Duration `yaml:"pollInterval"`
	PollMaxAttempts    int           `yaml:"pollMaxAttempts"`
	FeatureConcurrency int           `yaml:"featureConcurrency"`
	Rollback           bool          `yaml:"rollback"`
	RollbackTimeout    time.Duration `yaml:"rollbackTimeout"`
}

type LockConfig struct {
	Driver        string        `yaml:"driver"` // local|redis
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDb"`
	TTL           time.Duration `yaml:"ttl"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type TracingConfig struct {
	Exporter     string  `yaml:"exporter"` // none|stdout|otlp
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

func defaults() *Config {
	return &Config{
		Env:      "dev",
		HttpPort: "8080",
		DBPath:   "data/disturbancemonitor.db",
		DBDriver: "sqlite",
		Storage:  StorageConfig{Driver: "aws", Region: "eu-central-1", UseSSL: true},
		SentinelHub: SentinelHubConfig{
			Endpoint:          "SENTINEL_HUB",
			RequestsPerSecond: 5,
			PrincipalARN:      "arn:aws:iam::614251495211:root",
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:       5 * time.Second,
			PollMaxAttempts:    720,
			FeatureConcurrency: 1,
			Rollback:           true,
			RollbackTimeout:    2 * time.Minute,
		},
		Lock:    LockConfig{Driver: "local", TTL: 6 * time.Hour},
		Tracing: TracingConfig{Exporter: "none", OTLPEndpoint: "localhost:4317", OTLPInsecure: true, SampleRatio: 1},
	}
}

// Load returns defaults overridden by environment variables.
func Load() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides. An empty path behaves like Load.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.HttpPort = getEnv("HTTP_PORT", cfg.HttpPort)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.DBDsn = getEnv("DATABASE_URL", getEnv("DB_DSN", cfg.DBDsn))

	s := &cfg.Storage
	s.Driver = getEnv("STORAGE_DRIVER", s.Driver)
	s.Endpoint = getEnv("S3_ENDPOINT", s.Endpoint)
	s.Region = getEnv("S3_REGION", s.Region)
	s.AccessKey = getEnv("S3_ACCESS_KEY", s.AccessKey)
	s.SecretKey = getEnv("S3_SECRET_KEY", s.SecretKey)
	s.UseSSL = getBool("S3_USE_SSL", s.UseSSL)

	sh := &cfg.SentinelHub
	sh.ClientID = getEnv("SH_CLIENT_ID", sh.ClientID)
	sh.ClientSecret = getEnv("SH_CLIENT_SECRET", sh.ClientSecret)
	sh.Endpoint = getEnv("SH_ENDPOINT", sh.Endpoint)
	sh.RequestsPerSecond = getFloat("SH_REQUESTS_PER_SECOND", sh.RequestsPerSecond)
	sh.PrincipalARN = getEnv("SH_PRINCIPAL_ARN", sh.PrincipalARN)
	sh.AsyncRoleARN = getEnv("ASYNC_ROLE_ARN", sh.AsyncRoleARN)

	o := &cfg.Orchestrator
	o.PollInterval = getDuration("DM_POLL_INTERVAL", o.PollInterval)
	o.PollMaxAttempts = getInt("DM_POLL_MAX_ATTEMPTS", o.PollMaxAttempts)
	o.FeatureConcurrency = getInt("DM_FEATURE_CONCURRENCY", o.FeatureConcurrency)
	o.Rollback = getBool("DM_ROLLBACK", o.Rollback)
	o.RollbackTimeout = getDuration("DM_ROLLBACK_TIMEOUT", o.RollbackTimeout)

	l := &cfg.Lock
	l.Driver = getEnv("LOCK_DRIVER", l.Driver)
	l.RedisAddr = getEnv("REDIS_ADDR", l.RedisAddr)
	l.RedisPassword = getEnv("REDIS_PASSWORD", l.RedisPassword)
	l.RedisDB = getInt("REDIS_DB", l.RedisDB)
	l.TTL = getDuration("LOCK_TTL", l.TTL)

	in := &cfg.Influx
	in.URL = getEnv("INFLUX_URL", in.URL)
	in.Token = getEnv("INFLUX_TOKEN", in.Token)
	in.Org = getEnv("INFLUX_ORG", in.Org)
	in.Bucket = getEnv("INFLUX_BUCKET", in.Bucket)

	tr := &cfg.Tracing
	tr.Exporter = getEnv("OTEL_TRACES_EXPORTER", tr.Exporter)
	tr.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", tr.OTLPEndpoint)
	tr.OTLPInsecure = getBool("OTEL_EXPORTER_OTLP_INSECURE", tr.OTLPInsecure)
	tr.SampleRatio = getFloat("OTEL_TRACES_SAMPLER_ARG", tr.SampleRatio)

	cfg.APITokenHash = getEnv("API_TOKEN_HASH", cfg.APITokenHash)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
