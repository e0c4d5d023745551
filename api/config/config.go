package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port           string
	BindAddr       string
	Root           string // site root holding site/ and data/
	LogLevel       string
	AllowedOrigins string // comma-separated extra CORS origins
	APIToken       string // bearer token required on the API when set
	WebhookSecret  string // HMAC secret for push webhooks
	SettingsFile   string // optional settings.yaml
	SiteName       string

	LockWait      time.Duration // how long a deployment waits for the deployment lock
	BuildTimeout  time.Duration
	PendingPoll   string // cron spec for the deferred deployment poll
	PruneSchedule string

	HealthInterval time.Duration // lock and site poll interval
	SiteProbeURL   string        // live site URL to probe, optional

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
}

func Load() *Config {
	host, _ := os.Hostname()
	root := envOr("KILN_ROOT", "/home")
	return &Config{
		Port:           envOr("KILN_PORT", "8181"),
		BindAddr:       envOr("KILN_BIND_ADDR", ""),
		Root:           root,
		LogLevel:       envOr("KILN_LOG_LEVEL", "info"),
		AllowedOrigins: os.Getenv("KILN_ALLOWED_ORIGINS"),
		APIToken:       os.Getenv("KILN_API_TOKEN"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		SettingsFile:   envOr("KILN_SETTINGS_FILE", root+"/site/config/settings.yaml"),
		SiteName:       envOr("WEBSITE_SITE_NAME", host),
		LockWait:       durationOr("KILN_LOCK_WAIT", 5*time.Second),
		BuildTimeout:   durationOr("KILN_BUILD_TIMEOUT", 30*time.Minute),
		PendingPoll:    envOr("KILN_PENDING_POLL", "@every 1m"),
		PruneSchedule:  envOr("KILN_PRUNE_SCHEDULE", "@hourly"),
		HealthInterval: durationOr("KILN_HEALTH_INTERVAL", 30*time.Second),
		SiteProbeURL:   os.Getenv("KILN_SITE_PROBE_URL"),
		S3Endpoint:     os.Getenv("KILN_S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("KILN_S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("KILN_S3_SECRET_KEY"),
		S3Region:       envOr("KILN_S3_REGION", "us-east-1"),
		S3UseSSL:       boolOr("KILN_S3_USE_SSL", true),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func boolOr(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}
