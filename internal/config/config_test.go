package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr || cfg.Media.MaxBytes != DefaultMediaMaxBytes {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadTOMLChannels(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.toml", `
[log]
level = "debug"

[[channels]]
id = "tg-main"
type = "telegram"
[channels.credentials]
bot_token = "123:abc"
[channels.policy]
dm_policy = "pairing"
group_policy = "allowlist"
group_allow_from = ["@Alice"]
startup_grace = "30s"
[channels.policy.rooms."-100123"]
auto_reply = true
skills = ["search"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" || len(cfg.Channels) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	ch := cfg.Channels[0]
	if ch.Policy.DMPolicy != "pairing" || ch.Credentials["bot_token"] != "123:abc" {
		t.Fatalf("unexpected channel: %+v", ch)
	}
	room, ok := ch.Policy.Rooms["-100123"]
	if !ok || room.AutoReply == nil || !*room.AutoReply {
		t.Fatalf("room config not decoded: %+v", ch.Policy.Rooms)
	}
	if cfg.Agent.URL != DefaultAgentURL {
		t.Fatalf("defaults not preserved: %s", cfg.Agent.URL)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
server:
  addr: ":9090"
channels:
  - id: mx
    type: matrix
    credentials:
      homeserver: https://matrix.example.org
      user_id: "@bot:example.org"
      access_token: secret
    policy:
      group_policy: open
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Channels[0].Type != "matrix" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadRejectsMissingCredential(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.toml", `
[[channels]]
id = "mx"
type = "matrix"
[channels.credentials]
homeserver = "https://matrix.example.org"
user_id = "@bot:example.org"
`)
	_, err := Load(path)
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestValidateRejectsBadEnums(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "dm policy", mutate: func(c *Config) { c.Channels[0].Policy.DMPolicy = "everyone" }},
		{name: "duration", mutate: func(c *Config) { c.Channels[0].Policy.StartupGrace = "soon" }},
		{name: "channel type", mutate: func(c *Config) { c.Channels[0].Type = "irc" }},
		{name: "duplicate id", mutate: func(c *Config) { c.Channels = append(c.Channels, c.Channels[0]) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Channels = []ChannelConfig{{
				ID:          "tg",
				Type:        "telegram",
				Credentials: map[string]string{"bot_token": "x"},
			}}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	if got := ParseDuration("", time.Second); got != time.Second {
		t.Fatalf("empty should use fallback, got %v", got)
	}
	if got := ParseDuration("2m", time.Second); got != 2*time.Minute {
		t.Fatalf("unexpected duration %v", got)
	}
	if got := ParseDuration("bogus", time.Second); got != time.Second {
		t.Fatalf("invalid should use fallback, got %v", got)
	}
}
