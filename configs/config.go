package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type R2 struct {
	AccountID  string
	AccessKey  string
	SecretKey  string
	BucketName string
	PublicURL  string
}

type LinkedIn struct {
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	APIURL            string
	AuthURL           string
	RequestsPerSecond int
}

type Google struct {
	ClientID      string
	ClientSecret  string
	YoutubeAPIKey string
}

type Webhooks struct {
	PublishSecret string
	StatusSecret  string
}

// PlatformLimit is the posting policy of one platform.
type PlatformLimit struct {
	DailyLimit  int
	MinInterval time.Duration
}

type Config struct {
	Port                string
	PostgresURI         string
	RedisURI            string
	FrontendURL         string
	SecretKey           string
	CookieName          string
	EncryptionKey       string
	LogLevel            string
	LinkedIn            LinkedIn
	Google              Google
	R2                  R2
	Webhooks            Webhooks
	WorkerConcurrency   int
	PlatformTimeout     time.Duration
	TokenRefreshTimeout time.Duration
	ProcessingLease     time.Duration
	MaxRetries          int
	SweepSpec           string
	TokenRefreshSpec    string
	Limits              map[string]PlatformLimit
}

var defaultLimits = map[string]PlatformLimit{
	"linkedin": {DailyLimit: 25, MinInterval: 15 * time.Minute},
	"x":        {DailyLimit: 25, MinInterval: 5 * time.Minute},
	"reddit":   {DailyLimit: 10, MinInterval: 5 * time.Minute},
	"default":  {DailyLimit: 20, MinInterval: 5 * time.Minute},
}

func LoadConfig() *Config {
	return &Config{
		Port:          getEnv("PORT", "3000"),
		PostgresURI:   getEnv("POSTGRES_URI", ""),
		RedisURI:      getEnv("REDIS_URI", "localhost:6379"),
		FrontendURL:   getEnv("FRONTEND_URL", "http://localhost:5173"),
		SecretKey:     getEnv("SECRET_KEY", ""),
		CookieName:    getEnv("COOKIE_NAME", "session"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LinkedIn: LinkedIn{
			ClientID:          getEnv("LINKEDIN_CLIENT_ID", ""),
			ClientSecret:      getEnv("LINKEDIN_CLIENT_SECRET", ""),
			RedirectURI:       getEnv("LINKEDIN_REDIRECT_URI", ""),
			APIURL:            getEnv("LINKEDIN_API_URL", "https://api.linkedin.com"),
			AuthURL:           getEnv("LINKEDIN_AUTH_URL", "https://www.linkedin.com/oauth/v2/authorization"),
			RequestsPerSecond: getEnvInt("LINKEDIN_REQUESTS_PER_SECOND", 5),
		},
		Google: Google{
			ClientID:      getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret:  getEnv("GOOGLE_CLIENT_SECRET", ""),
			YoutubeAPIKey: getEnv("YOUTUBE_API_KEY", ""),
		},
		R2: R2{
			AccountID:  getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:  getEnv("R2_ACCESS_KEY", ""),
			SecretKey:  getEnv("R2_SECRET_KEY", ""),
			BucketName: getEnv("R2_BUCKET_NAME", ""),
			PublicURL:  getEnv("R2_PUBLIC_URL", ""),
		},
		Webhooks: Webhooks{
			PublishSecret: getEnv("WEBHOOK_PUBLISH_SECRET", ""),
			StatusSecret:  getEnv("WEBHOOK_STATUS_SECRET", ""),
		},
		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 10),
		PlatformTimeout:     getEnvDuration("PLATFORM_TIMEOUT", 30*time.Second),
		TokenRefreshTimeout: getEnvDuration("TOKEN_REFRESH_TIMEOUT", 20*time.Second),
		ProcessingLease:     getEnvDuration("PROCESSING_LEASE", 30*time.Minute),
		MaxRetries:          getEnvInt("MAX_RETRIES", 3),
		SweepSpec:           getEnv("SWEEP_SPEC", "@every 1m"),
		TokenRefreshSpec:    getEnv("TOKEN_REFRESH_SPEC", "@every 10m"),
		Limits:              loadLimits(),
	}
}

func loadLimits() map[string]PlatformLimit {
	limits := make(map[string]PlatformLimit, len(defaultLimits))
	for platform, l := range defaultLimits {
		key := "LIMIT_" + strings.ToUpper(platform)
		limits[platform] = PlatformLimit{
			DailyLimit:  getEnvInt(key+"_DAILY", l.DailyLimit),
			MinInterval: getEnvDuration(key+"_INTERVAL", l.MinInterval),
		}
	}
	return limits
}

// LimitFor returns the policy of a platform, falling back to the default policy.
func (c *Config) LimitFor(platform string) PlatformLimit {
	if l, ok := c.Limits[platform]; ok {
		return l
	}
	if l, ok := c.Limits["default"]; ok {
		return l
	}
	return defaultLimits["default"]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
