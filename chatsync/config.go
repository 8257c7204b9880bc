package chatsync

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls how the SDK connects.
type Config struct {
	// URL is the websocket endpoint, including credentials, as built by
	// BuildWebSocketURL.
	URL string `env:"CHATSYNC_WS_URL"`

	// APIBaseURL is the HTTP base for the catch-up and dialog endpoints.
	APIBaseURL string `env:"CHATSYNC_API_BASE_URL"`

	// Token authenticates both transports.
	Token string `env:"CHATSYNC_TOKEN"`

	// ClientName identifies this client to the server.
	ClientName string `env:"CHATSYNC_CLIENT_NAME" envDefault:"chatsync-go"`

	ConnectTimeout time.Duration `env:"CHATSYNC_CONNECT_TIMEOUT" envDefault:"20s"`
	WriteTimeout   time.Duration `env:"CHATSYNC_WRITE_TIMEOUT" envDefault:"10s"`

	// ReadTimeout of zero means reads block until data or disconnect; the
	// subscription stream is idle for long stretches.
	ReadTimeout time.Duration `env:"CHATSYNC_READ_TIMEOUT" envDefault:"0s"`

	// PingInterval spaces the keepalive pings that detect a dead peer
	// between frames. Zero disables keepalive.
	PingInterval time.Duration `env:"CHATSYNC_PING_INTERVAL" envDefault:"30s"`

	// CloseDelay is the grace window a shared connection stays open after
	// its last reference is released.
	CloseDelay time.Duration `env:"CHATSYNC_CLOSE_DELAY" envDefault:"750ms"`

	// BackgroundCap bounds per-dialog background message buffers.
	BackgroundCap int `env:"CHATSYNC_BACKGROUND_CAP" envDefault:"50"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ClientName:     "chatsync-go",
		ConnectTimeout: 20 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		CloseDelay:     750 * time.Millisecond,
		BackgroundCap:  50,
	}
}

// ConfigFromEnv loads configuration from CHATSYNC_* environment variables on
// top of the defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, WrapError(ErrorInvalidConfig, "parse env", err)
	}
	return cfg, nil
}

// Validate checks that the config can open a connection.
func (c Config) Validate() error {
	if c.URL == "" {
		return NewError(ErrorInvalidConfig, "empty websocket URL")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return WrapError(ErrorInvalidConfig, "invalid websocket URL", err)
	}
	return nil
}

// BuildWebSocketURL derives the pub/sub endpoint from the HTTP API base: the
// scheme flips to ws/wss, the path is /ws/nats, and the token rides as a
// query credential.
func BuildWebSocketURL(apiBase, token string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", WrapError(ErrorInvalidConfig, "invalid API base URL", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", NewError(ErrorInvalidConfig, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	u.Path = "/ws/nats"
	q := u.Query()
	if token != "" {
		q.Set("authorization", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
