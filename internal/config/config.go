package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the render service.
type Config struct {
	Env      string
	HTTPPort string

	WorkDir             string
	RenderBin           string
	RenderTimeout       time.Duration
	CancelPollInterval  time.Duration
	DispatchCooldown    time.Duration
	MaxDurationMS       int
	DefaultFPS          int
	StrayProcessPattern string

	AssetDownloadTimeout time.Duration
	AssetMaxBytes        int64

	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	SubmitRateCapacity  int
	SubmitRateRefill    float64

	PostgresDSN string

	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
	ArtifactS3Prefix    string
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		WorkDir:             getEnv("WORK_DIR", "./renders"),
		RenderBin:           getEnv("RENDER_BIN", "renderctl"),
		RenderTimeout:       getEnvDuration("RENDER_TIMEOUT", 10*time.Minute),
		CancelPollInterval:  getEnvDuration("CANCEL_POLL_INTERVAL", time.Second),
		DispatchCooldown:    getEnvDuration("DISPATCH_COOLDOWN", 2*time.Second),
		MaxDurationMS:       getEnvInt("MAX_DURATION_MS", 120000),
		DefaultFPS:          getEnvInt("DEFAULT_FPS", 30),
		StrayProcessPattern: getEnv("STRAY_PROCESS_PATTERN", ""),

		AssetDownloadTimeout: getEnvDuration("ASSET_DOWNLOAD_TIMEOUT", 30*time.Second),
		AssetMaxBytes:        getEnvInt64("ASSET_MAX_BYTES", 50*1024*1024),

		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		SubmitRateCapacity: getEnvInt("SUBMIT_RATE_CAPACITY", 0),
		SubmitRateRefill:   getEnvFloat("SUBMIT_RATE_REFILL_PER_SEC", 1),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
		ArtifactS3Prefix:    getEnv("ARTIFACT_S3_PREFIX", "renders"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
