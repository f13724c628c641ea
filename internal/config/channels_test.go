package config

import (
	"context"
	"testing"
	"time"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/policy"
)

func TestAccountsAppliesPolicyDefaults(t *testing.T) {
	t.Parallel()

	off := false
	cfg := Default()
	cfg.Channels = []ChannelConfig{
		{ID: "tg", Type: "Telegram", Credentials: map[string]string{"bot_token": "x"}},
		{ID: "dc", Type: "discord", Disabled: true},
		{
			ID:          "mx",
			Type:        "matrix",
			Credentials: map[string]string{"homeserver": "https://hs", "user_id": "@a:hs", "access_token": "t"},
			Policy: PolicyConfig{
				DMPolicy:      "open",
				TextCommands:  &off,
				StartupGrace:  "2m",
				MediaMaxBytes: 10,
				Rooms: map[string]RoomConfig{
					"#ops:hs": {Allow: &off, Users: []string{"@b:hs"}},
				},
			},
		},
	}

	accounts := cfg.Accounts()
	if len(accounts) != 2 {
		t.Fatalf("disabled accounts should be skipped, got %d", len(accounts))
	}

	tg := accounts[0]
	if tg.ChannelType != channel.ChannelType("telegram") {
		t.Fatalf("channel type should be lowercased, got %q", tg.ChannelType)
	}
	if tg.Policy.DMPolicy != DefaultDMPolicy || tg.Policy.GroupPolicy != DefaultGroupPolicy {
		t.Fatalf("unexpected default policies: %+v", tg.Policy)
	}
	if !tg.Policy.TextCommands || !tg.Policy.UseAccessGroups || !tg.Policy.AckOnCommandBypass || tg.Policy.ReadReceipts {
		t.Fatalf("unexpected default flags: %+v", tg.Policy)
	}
	if tg.Policy.StartupGrace != 0 || tg.Policy.MediaMaxBytes != DefaultMediaMaxBytes {
		t.Fatalf("unexpected defaults: %+v", tg.Policy)
	}
	if tg.Credentials["bot_token"] != "x" {
		t.Fatalf("credentials not carried: %v", tg.Credentials)
	}

	mx := accounts[1]
	if mx.Policy.DMPolicy != channel.DMPolicyOpen || mx.Policy.TextCommands {
		t.Fatalf("explicit settings should win: %+v", mx.Policy)
	}
	if mx.Policy.StartupGrace != 2*time.Minute || mx.Policy.MediaMaxBytes != 10 {
		t.Fatalf("unexpected overrides: %+v", mx.Policy)
	}
	room, ok := mx.Policy.Rooms["#ops:hs"]
	if !ok || room.Allowed == nil || *room.Allowed || len(room.Users) != 1 {
		t.Fatalf("unexpected room: %+v", room)
	}
}

func TestDefaultStartupGraceDropsHistory(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ch := ChannelConfig{ID: "tg", Type: "telegram", Policy: PolicyConfig{DMPolicy: "open"}}
	gate := policy.NewGate(ch.Runtime(0), policy.GateOptions{StartedAt: start})

	cases := []struct {
		name  string
		at    time.Time
		admit bool
	}{
		{name: "before start", at: start.Add(-time.Millisecond), admit: false},
		{name: "after start", at: start.Add(time.Millisecond), admit: true},
	}
	for i, tc := range cases {
		ev := channel.InboundEvent{
			Channel:      "telegram",
			AccountID:    "tg",
			EventID:      "ev-" + string(rune('a'+i)),
			Sender:       channel.Identity{ID: "7"},
			Conversation: channel.Conversation{ID: "7", Kind: channel.ChatKindDM},
			Kind:         channel.ContentText,
			Text:         "hello",
			Timestamp:    tc.at,
		}
		d := gate.Evaluate(context.Background(), ev)
		if d.Admitted() != tc.admit {
			t.Fatalf("%s: admitted=%v stage=%s", tc.name, d.Admitted(), d.Stage)
		}
		if !tc.admit && d.Stage != policy.StageTimeFiltered {
			t.Fatalf("%s: expected time filter, got %s", tc.name, d.Stage)
		}
	}
}
