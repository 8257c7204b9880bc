package chatsync

import (
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CHATSYNC_WS_URL", "wss://console.example.com/ws/nats")
	t.Setenv("CHATSYNC_TOKEN", "tok")
	t.Setenv("CHATSYNC_CONNECT_TIMEOUT", "5s")
	t.Setenv("CHATSYNC_BACKGROUND_CAP", "10")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.URL != "wss://console.example.com/ws/nats" {
		t.Fatalf("URL = %q", cfg.URL)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("ConnectTimeout = %v", cfg.ConnectTimeout)
	}
	if cfg.BackgroundCap != 10 {
		t.Fatalf("BackgroundCap = %d", cfg.BackgroundCap)
	}
	if cfg.CloseDelay != 750*time.Millisecond {
		t.Fatalf("CloseDelay default = %v", cfg.CloseDelay)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Fatalf("PingInterval default = %v", cfg.PingInterval)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty URL must not validate")
	}
	cfg.URL = "ws://localhost:8080/ws/nats"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestBuildWebSocketURL(t *testing.T) {
	tests := []struct {
		name    string
		apiBase string
		token   string
		want    string
		wantErr bool
	}{
		{
			name:    "https flips to wss",
			apiBase: "https://console.example.com",
			token:   "tok",
			want:    "wss://console.example.com/ws/nats?authorization=tok",
		},
		{
			name:    "http flips to ws",
			apiBase: "http://localhost:8080/api",
			token:   "tok",
			want:    "ws://localhost:8080/ws/nats?authorization=tok",
		},
		{
			name:    "no token omits the query credential",
			apiBase: "https://console.example.com",
			want:    "wss://console.example.com/ws/nats",
		},
		{
			name:    "unsupported scheme",
			apiBase: "ftp://example.com",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildWebSocketURL(tt.apiBase, tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildWebSocketURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("url = %q, want %q", got, tt.want)
			}
		})
	}
}
