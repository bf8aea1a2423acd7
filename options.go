package ari

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout     = 5 * time.Second
	defaultMaxConnectAttempts = 5
	defaultSubscriptionBuffer = 32
)

// Options configures a Client connection.
type Options struct {
	// URL is the host:port of the control server, e.g. "localhost:8088".
	URL      string
	Username string
	Password string

	// Applications are the application names registered on the event
	// stream at dial time.
	Applications []string

	// RequestTimeout bounds each control operation.
	RequestTimeout time.Duration

	// Reconnect re-dials the event stream after a drop. Events sent
	// while disconnected are lost.
	Reconnect          bool
	MaxConnectAttempts int
	Backoff            BackoffConfig

	// SubscriptionBuffer sizes the delivery channel of each Subscribe
	// call.
	SubscriptionBuffer int

	// Logger overrides the default stderr logger.
	Logger *zerolog.Logger

	// HTTPClient overrides the default HTTP client for control
	// requests.
	HTTPClient *http.Client
}

// OptionsFromEnv loads options from environment variables, reading a
// .env file first if one exists.
func OptionsFromEnv() *Options {
	_ = godotenv.Load()

	opts := &Options{
		URL:                getEnv("ARI_URL", "localhost:8088"),
		Username:           getEnv("ARI_USER", "asterisk"),
		Password:           getEnv("ARI_PASS", "asterisk"),
		Applications:       splitApps(getEnv("ARI_APPS", getEnv("APP_NAME", "ari-app"))),
		RequestTimeout:     time.Duration(getEnvAsInt("ARI_REQUEST_TIMEOUT_MS", 5000)) * time.Millisecond,
		Reconnect:          getEnv("ARI_RECONNECT", "true") == "true",
		MaxConnectAttempts: getEnvAsInt("ARI_MAX_CONNECT_ATTEMPTS", defaultMaxConnectAttempts),
	}
	return opts.withDefaults()
}

func splitApps(s string) []string {
	var apps []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			apps = append(apps, a)
		}
	}
	return apps
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

func (o *Options) withDefaults() *Options {
	out := *o
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = defaultRequestTimeout
	}
	if out.MaxConnectAttempts <= 0 {
		out.MaxConnectAttempts = defaultMaxConnectAttempts
	}
	if out.SubscriptionBuffer <= 0 {
		out.SubscriptionBuffer = defaultSubscriptionBuffer
	}
	if out.Backoff.InitialDelay <= 0 {
		out.Backoff = BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		}
	}
	return &out
}

func defaultLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Str("app", "ari-client").Logger()
}
