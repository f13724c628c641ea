package policy

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/pairing"
)

var gateStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var botIdentity = channel.Identity{ID: "100", Username: "gatebot"}

func newTestGate(t *testing.T, p channel.AccessPolicy, store PairingStore) *Gate {
	t.Helper()
	cfg := channel.ChannelConfig{ID: "tg-1", ChannelType: "telegram", Policy: p}
	return NewGate(cfg, GateOptions{
		Pairing:   store,
		StartedAt: gateStart,
		Now:       func() time.Time { return gateStart.Add(time.Minute) },
	})
}

var eventSeq atomic.Int64

func dmEvent(senderID, text string) channel.InboundEvent {
	return channel.InboundEvent{
		Channel:      "telegram",
		AccountID:    "tg-1",
		EventID:      "dm-" + strconv.FormatInt(eventSeq.Add(1), 10),
		Self:         botIdentity,
		Sender:       channel.Identity{ID: senderID, Username: "user" + senderID},
		Conversation: channel.Conversation{ID: senderID, Kind: channel.ChatKindDM},
		Kind:         channel.ContentText,
		Text:         text,
		Timestamp:    gateStart.Add(time.Second),
	}
}

func groupEvent(eventID, senderID, text string) channel.InboundEvent {
	return channel.InboundEvent{
		Channel:      "telegram",
		AccountID:    "tg-1",
		EventID:      eventID,
		Self:         botIdentity,
		Sender:       channel.Identity{ID: senderID},
		Conversation: channel.Conversation{ID: "-100", Kind: channel.ChatKindGroup, Name: "Team"},
		Kind:         channel.ContentText,
		Text:         text,
		Timestamp:    gateStart.Add(time.Second),
	}
}

func TestGateDropsDuplicatesAndSelf(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyOpen}, nil)
	ev := dmEvent("1", "hello")
	ev.EventID = "dup-1"
	require.True(t, g.Evaluate(context.Background(), ev).Admitted())

	d := g.Evaluate(context.Background(), ev)
	assert.Equal(t, VerdictDrop, d.Verdict)
	assert.Equal(t, StageDeduped, d.Stage)

	self := dmEvent("100", "echo")
	d = g.Evaluate(context.Background(), self)
	assert.Equal(t, StageSelfFiltered, d.Stage)
}

func TestGateStartupCutoff(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyOpen}, nil)

	before := dmEvent("1", "old")
	before.Timestamp = gateStart.Add(-time.Millisecond)
	d := g.Evaluate(context.Background(), before)
	assert.Equal(t, StageTimeFiltered, d.Stage)

	after := dmEvent("1", "new")
	after.Timestamp = gateStart.Add(time.Millisecond)
	assert.True(t, g.Evaluate(context.Background(), after).Admitted())

	aged := dmEvent("1", "aged")
	aged.Timestamp = time.Time{}
	aged.Age = 2 * time.Minute
	assert.Equal(t, StageTimeFiltered, g.Evaluate(context.Background(), aged).Stage)

	graced := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyOpen, StartupGrace: time.Second}, nil)
	late := dmEvent("1", "within grace")
	late.Timestamp = gateStart.Add(-500 * time.Millisecond)
	assert.True(t, graced.Evaluate(context.Background(), late).Admitted())
}

func TestGateAgeFallbackIgnoresUptime(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		grace time.Duration
		age   time.Duration
		drop  bool
	}{
		{name: "no grace, aged", grace: 0, age: 10 * time.Minute, drop: true},
		{name: "no grace, fresh", grace: 0, age: 0, drop: false},
		{name: "within grace", grace: time.Second, age: 500 * time.Millisecond, drop: false},
		{name: "at grace", grace: time.Second, age: time.Second, drop: false},
		{name: "beyond grace", grace: time.Second, age: 2 * time.Second, drop: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := channel.ChannelConfig{ID: "tg-1", ChannelType: "telegram", Policy: channel.AccessPolicy{
				DMPolicy:     channel.DMPolicyOpen,
				StartupGrace: tc.grace,
			}}
			g := NewGate(cfg, GateOptions{
				StartedAt: gateStart,
				Now:       func() time.Time { return gateStart.Add(time.Hour) },
			})
			ev := dmEvent("1", "replayed")
			ev.Timestamp = time.Time{}
			ev.Age = tc.age
			d := g.Evaluate(context.Background(), ev)
			if tc.drop {
				assert.Equal(t, StageTimeFiltered, d.Stage)
			} else {
				assert.True(t, d.Admitted(), "stage=%s", d.Stage)
			}
		})
	}
}

func TestGateDropsNonContent(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyOpen}, nil)

	empty := dmEvent("1", "   ")
	assert.Equal(t, StageKindFiltered, g.Evaluate(context.Background(), empty).Stage)

	redacted := dmEvent("1", "gone")
	redacted.Redacted = true
	assert.Equal(t, StageRedacted, g.Evaluate(context.Background(), redacted).Stage)

	edited := dmEvent("1", "changed")
	edited.Edit = true
	assert.Equal(t, StageEdited, g.Evaluate(context.Background(), edited).Stage)

	loc := dmEvent("1", "")
	loc.Kind = channel.ContentLocation
	loc.Location = &channel.Location{Latitude: 1.5, Longitude: 2.5}
	d := g.Evaluate(context.Background(), loc)
	require.True(t, d.Admitted())
	assert.Contains(t, d.Body, "1.500000, 2.500000")
}

func TestGateDMPairingFlow(t *testing.T) {
	t.Parallel()

	store := pairing.NewMemoryStore(pairing.Options{})
	g := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyPairing}, store)
	ctx := context.Background()

	first := g.Evaluate(ctx, dmEvent("7", "hi"))
	require.Equal(t, VerdictPairing, first.Verdict)
	require.NotNil(t, first.Pairing)
	assert.True(t, first.Pairing.Created)
	assert.Len(t, first.Pairing.Code, pairing.CodeLength)

	second := g.Evaluate(ctx, dmEvent("7", "hi again"))
	require.Equal(t, VerdictPairing, second.Verdict)
	assert.False(t, second.Pairing.Created)
	assert.Equal(t, first.Pairing.Code, second.Pairing.Code)

	_, err := store.Approve(ctx, "telegram", first.Pairing.Code)
	require.NoError(t, err)

	admitted := g.Evaluate(ctx, dmEvent("7", "now?"))
	assert.True(t, admitted.Admitted())
	_, seen := store.LastSeen("telegram", "7")
	assert.True(t, seen)
}

type failingStore struct{}

func (failingStore) UpsertRequest(context.Context, string, string, map[string]string) (pairing.Request, bool, error) {
	return pairing.Request{}, false, errors.New("db down")
}

func (failingStore) ReadAllowFrom(context.Context, string) ([]string, error) {
	return nil, errors.New("db down")
}

func (failingStore) Touch(context.Context, string, string) error {
	return errors.New("db down")
}

func TestGateDMStoreFailureFailsClosed(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyPairing, AllowFrom: []string{"5"}}, failingStore{})
	ctx := context.Background()

	d := g.Evaluate(ctx, dmEvent("7", "hi"))
	assert.Equal(t, VerdictDrop, d.Verdict)
	assert.Equal(t, StageSenderPolicy, d.Stage)

	// Configured entries still admit.
	assert.True(t, g.Evaluate(ctx, dmEvent("5", "hi")).Admitted())
}

func TestGateDMPolicies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	disabled := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyDisabled, AllowFrom: []string{"*"}}, nil)
	assert.Equal(t, VerdictDrop, disabled.Evaluate(ctx, dmEvent("1", "hi")).Verdict)

	allow := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyAllowlist, AllowFrom: []string{"@User2"}}, nil)
	assert.True(t, allow.Evaluate(ctx, dmEvent("2", "hi")).Admitted())
	d := allow.Evaluate(ctx, dmEvent("3", "hi"))
	assert.Equal(t, VerdictDrop, d.Verdict)
	assert.Nil(t, d.Pairing)

	wildcard := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyPairing, AllowFrom: []string{"*"}}, pairing.NewMemoryStore(pairing.Options{}))
	assert.True(t, wildcard.Evaluate(ctx, dmEvent("9", "hi")).Admitted())
}

func TestGateGroupAllowlist(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	empty := newTestGate(t, channel.AccessPolicy{GroupPolicy: channel.GroupPolicyAllowlist, RequireMention: boolPtr(false)}, nil)
	d := empty.Evaluate(ctx, groupEvent("g1", "1", "hi"))
	assert.Equal(t, VerdictDrop, d.Verdict)
	assert.Equal(t, "group allow list empty", d.Reason)

	g := newTestGate(t, channel.AccessPolicy{
		GroupPolicy:    channel.GroupPolicyAllowlist,
		GroupAllowFrom: []string{"1"},
		RequireMention: boolPtr(false),
		Rooms: map[string]channel.RoomConfig{
			"team": {Users: []string{"2"}},
			"-200": {Allowed: boolPtr(false)},
		},
	}, nil)
	assert.True(t, g.Evaluate(ctx, groupEvent("g2", "1", "hi")).Admitted())
	assert.True(t, g.Evaluate(ctx, groupEvent("g3", "2", "hi")).Admitted())
	assert.Equal(t, StageSenderPolicy, g.Evaluate(ctx, groupEvent("g4", "3", "hi")).Stage)

	blocked := groupEvent("g5", "1", "hi")
	blocked.Conversation = channel.Conversation{ID: "-200", Kind: channel.ChatKindGroup}
	assert.Equal(t, StageRoomPolicy, g.Evaluate(ctx, blocked).Stage)

	off := newTestGate(t, channel.AccessPolicy{GroupPolicy: channel.GroupPolicyDisabled}, nil)
	assert.Equal(t, StageRoomPolicy, off.Evaluate(ctx, groupEvent("g6", "1", "hi")).Stage)
}

func TestGateMentionGating(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := newTestGate(t, channel.AccessPolicy{
		GroupPolicy:     channel.GroupPolicyOpen,
		MentionPatterns: []string{`\bgate\b`},
		AckReaction:     "👀",
		AckScope:        channel.AckScopeGroupMentions,
	}, nil)

	d := g.Evaluate(ctx, groupEvent("m1", "1", "just chatting"))
	assert.Equal(t, StageMentionGated, d.Stage)

	mentioned := groupEvent("m2", "1", "hey @gatebot")
	mentioned.Mentions = []string{"@gatebot"}
	d = g.Evaluate(ctx, mentioned)
	require.True(t, d.Admitted())
	assert.True(t, d.WasMentioned)
	assert.True(t, d.HasExplicitMention)
	assert.True(t, d.ShouldAck)

	d = g.Evaluate(ctx, groupEvent("m3", "1", "ask GATE please"))
	require.True(t, d.Admitted())
	assert.True(t, d.WasMentioned)
	assert.False(t, d.HasExplicitMention)

	reply := groupEvent("m4", "1", "thanks")
	reply.ReplyToSelf = true
	assert.True(t, g.Evaluate(ctx, reply).Admitted())

	// A room with auto reply admits without a mention.
	auto := newTestGate(t, channel.AccessPolicy{
		GroupPolicy: channel.GroupPolicyOpen,
		Rooms:       map[string]channel.RoomConfig{"*": {AutoReply: boolPtr(true)}},
	}, nil)
	d = auto.Evaluate(ctx, groupEvent("m5", "1", "anyone"))
	require.True(t, d.Admitted())
	assert.False(t, d.RequireMention)
}

func TestGateCommandBypass(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := newTestGate(t, channel.AccessPolicy{
		GroupPolicy:        channel.GroupPolicyOpen,
		AllowFrom:          []string{"1"},
		UseAccessGroups:    true,
		TextCommands:       true,
		AckReaction:        "👀",
		AckScope:           channel.AckScopeGroupMentions,
		AckOnCommandBypass: true,
	}, nil)

	d := g.Evaluate(ctx, groupEvent("c1", "1", "/status"))
	require.True(t, d.Admitted())
	assert.Equal(t, "status", d.Command)
	assert.True(t, d.CommandBypass)
	assert.True(t, d.CommandAuthorized)
	assert.False(t, d.WasMentioned)
	assert.True(t, d.ShouldAck)

	// Unauthorized command without mention is mention-gated.
	d = g.Evaluate(ctx, groupEvent("c2", "2", "/status"))
	assert.Equal(t, StageMentionGated, d.Stage)

	// Unauthorized command with a mention is refused by command auth.
	mentioned := groupEvent("c3", "2", "/status @gatebot")
	mentioned.Mentions = []string{"100"}
	d = g.Evaluate(ctx, mentioned)
	assert.Equal(t, StageCommandAuth, d.Stage)

	// Without text commands a slash message is plain text.
	plain := newTestGate(t, channel.AccessPolicy{GroupPolicy: channel.GroupPolicyOpen, UseAccessGroups: true}, nil)
	d = plain.Evaluate(ctx, groupEvent("c4", "1", "/status"))
	assert.Equal(t, StageMentionGated, d.Stage)
	assert.Empty(t, d.Command)
}

func TestGateCommandsWithoutAccessGroups(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, channel.AccessPolicy{DMPolicy: channel.DMPolicyOpen, TextCommands: true}, nil)
	d := g.Evaluate(context.Background(), dmEvent("42", "/help"))
	require.True(t, d.Admitted())
	assert.True(t, d.CommandAuthorized)
	assert.Equal(t, "help", d.Command)
}
