package main

import (
	"testing"

	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/pairing"
)

// Not parallel: resolveConfigPath reads the package-level flag value.
func TestResolveConfigPath(t *testing.T) {
	configPath = ""
	t.Setenv("CONFIG_PATH", "")
	if got := resolveConfigPath(); got != config.DefaultConfigPath {
		t.Fatalf("default path = %q", got)
	}

	t.Setenv("CONFIG_PATH", " /etc/chatgate.toml ")
	if got := resolveConfigPath(); got != "/etc/chatgate.toml" {
		t.Fatalf("env path = %q", got)
	}

	configPath = "./local.toml"
	t.Cleanup(func() { configPath = "" })
	if got := resolveConfigPath(); got != "./local.toml" {
		t.Fatalf("flag path = %q", got)
	}
}

func TestSenderLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		req  pairing.Request
		want string
	}{
		{req: pairing.Request{SenderID: "42"}, want: "42"},
		{req: pairing.Request{SenderID: "42", Meta: map[string]string{"username": "alice"}}, want: "42 (alice)"},
		{req: pairing.Request{SenderID: "42", Meta: map[string]string{"username": "  "}}, want: "42"},
	}
	for _, tc := range cases {
		if got := senderLabel(tc.req); got != tc.want {
			t.Fatalf("senderLabel(%+v) = %q, want %q", tc.req, got, tc.want)
		}
	}
}
