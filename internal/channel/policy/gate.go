package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/pairing"
)

// Verdict is the outcome of evaluating one inbound event.
type Verdict string

const (
	VerdictAdmit   Verdict = "admit"
	VerdictDrop    Verdict = "drop"
	VerdictPairing Verdict = "pairing"
)

// Stage names the gate step that produced a decision.
type Stage string

const (
	StageReceived     Stage = "received"
	StageDeduped      Stage = "deduped"
	StageSelfFiltered Stage = "self-filtered"
	StageTimeFiltered Stage = "time-filtered"
	StageKindFiltered Stage = "kind-filtered"
	StageRedacted     Stage = "redaction-filtered"
	StageEdited       Stage = "edit-filtered"
	StageRoomResolved Stage = "room-resolved"
	StageRoomPolicy   Stage = "room-policy"
	StageSenderPolicy Stage = "sender-policy"
	StageMentionGated Stage = "mention-gated"
	StageCommandAuth  Stage = "command-auth"
	StageAdmitted     Stage = "admitted"
)

const (
	DefaultDedupeSize = 4096
	DefaultDedupeTTL  = 10 * time.Minute
)

// PairingStore is the part of the pairing store the gate needs. Channel keys
// are channel type names.
type PairingStore interface {
	UpsertRequest(ctx context.Context, channel, senderID string, meta map[string]string) (pairing.Request, bool, error)
	ReadAllowFrom(ctx context.Context, channel string) ([]string, error)
	Touch(ctx context.Context, channel, senderID string) error
}

// PairingOutcome is attached to a pairing verdict. An empty Code means the
// pending queue was full and no reply should be sent.
type PairingOutcome struct {
	Code    string `json:"code,omitempty"`
	Created bool   `json:"created"`
}

// Decision is the result of Gate.Evaluate.
type Decision struct {
	Verdict            Verdict          `json:"verdict"`
	Stage              Stage            `json:"stage"`
	Reason             string           `json:"reason,omitempty"`
	Kind               channel.ChatKind `json:"kind"`
	Body               string           `json:"body"`
	Room               RoomMatch        `json:"room"`
	WasMentioned       bool             `json:"was_mentioned"`
	HasExplicitMention bool             `json:"has_explicit_mention"`
	RequireMention     bool             `json:"require_mention"`
	Command            string           `json:"command,omitempty"`
	CommandAuthorized  bool             `json:"command_authorized"`
	CommandBypass      bool             `json:"command_bypass"`
	ShouldAck          bool             `json:"should_ack"`
	Pairing            *PairingOutcome  `json:"pairing,omitempty"`
}

// Admitted reports whether the event continues through the pipeline.
func (d Decision) Admitted() bool {
	return d.Verdict == VerdictAdmit
}

// GateOptions configures a Gate.
type GateOptions struct {
	Pairing    PairingStore
	StartedAt  time.Time
	DedupeSize int
	DedupeTTL  time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Gate runs the per-account admission state machine. It is safe for
// concurrent use.
type Gate struct {
	cfg       channel.ChannelConfig
	pairing   PairingStore
	startedAt time.Time
	logger    *slog.Logger

	allowFrom      AllowList
	groupAllowFrom AllowList
	patterns       MentionPatterns
	commands       CommandSet

	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewGate builds a gate for one channel account.
func NewGate(cfg channel.ChannelConfig, opts GateOptions) *Gate {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(
		slog.String("component", "gate"),
		slog.String("channel", cfg.ChannelType.String()),
		slog.String("config_id", cfg.ID),
	)
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		now := opts.Now
		if now == nil {
			now = time.Now
		}
		startedAt = now()
	}
	size := opts.DedupeSize
	if size <= 0 {
		size = DefaultDedupeSize
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	patterns, errs := CompileMentionPatterns(cfg.Policy.MentionPatterns)
	for _, err := range errs {
		log.Warn("invalid mention pattern skipped", slog.Any("error", err))
	}
	return &Gate{
		cfg:            cfg,
		pairing:        opts.Pairing,
		startedAt:      startedAt,
		logger:         log,
		allowFrom:      NormalizeAllowList(cfg.Policy.AllowFrom),
		groupAllowFrom: NormalizeAllowList(cfg.Policy.GroupAllowFrom),
		patterns:       patterns,
		commands:       NewCommandSet(cfg.Policy.Commands),
		seen:           expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// Config returns the channel config the gate was built for.
func (g *Gate) Config() channel.ChannelConfig {
	return g.cfg
}

// Evaluate decides what happens to event. It never returns an error: store
// failures degrade to the fail-closed branch and are logged.
func (g *Gate) Evaluate(ctx context.Context, event channel.InboundEvent) Decision {
	d := g.evaluate(ctx, event)
	if d.Verdict == VerdictDrop {
		g.logger.Debug("inbound dropped",
			slog.String("stage", string(d.Stage)),
			slog.String("reason", d.Reason),
			slog.String("event_id", event.EventID),
			slog.String("sender_id", event.Sender.ID),
			slog.String("conversation_id", event.Conversation.ID),
		)
	}
	return d
}

func (g *Gate) evaluate(ctx context.Context, event channel.InboundEvent) Decision {
	policy := g.cfg.Policy
	kind := event.Conversation.Kind
	if kind != channel.ChatKindDM {
		kind = channel.ChatKindGroup
	}
	d := Decision{Verdict: VerdictDrop, Stage: StageReceived, Kind: kind}

	if g.isDuplicate(event) {
		return d.drop(StageDeduped, "duplicate event")
	}
	if selfID := strings.TrimSpace(event.Self.ID); selfID != "" &&
		strings.EqualFold(strings.TrimSpace(event.Sender.ID), selfID) {
		return d.drop(StageSelfFiltered, "own message")
	}
	if g.isStale(event) {
		return d.drop(StageTimeFiltered, "sent before startup")
	}
	body, ok := channel.ReinterpretBody(event)
	if !ok {
		return d.drop(StageKindFiltered, "unsupported content")
	}
	d.Body = body
	if event.Redacted {
		return d.drop(StageRedacted, "redaction")
	}
	if event.Edit {
		return d.drop(StageEdited, "edit")
	}

	d.Stage = StageRoomResolved
	var roomUsers AllowList
	if kind == channel.ChatKindGroup {
		d.Room = ResolveRoom(policy.Rooms, event.Conversation)
		roomUsers = NormalizeAllowList(d.Room.Config.Users)
	}

	var dmAllow AllowList
	switch kind {
	case channel.ChatKindGroup:
		if reason, ok := g.checkGroup(d.Room, roomUsers, event.Sender); !ok {
			stage := StageSenderPolicy
			if reason == "group policy disabled" || reason == "room not allowed" {
				stage = StageRoomPolicy
			}
			return d.drop(stage, reason)
		}
	default:
		switch policy.DMPolicy {
		case channel.DMPolicyDisabled:
			return d.drop(StageSenderPolicy, "dm policy disabled")
		case channel.DMPolicyOpen:
		default:
			dmAllow = g.mergedAllowFrom(ctx)
			if !dmAllow.Match(event.Sender).Allowed {
				if policy.DMPolicy == channel.DMPolicyAllowlist {
					return d.drop(StageSenderPolicy, "sender not in allow list")
				}
				return g.requestPairing(ctx, d, event)
			}
			if g.pairing != nil && policy.DMPolicy == channel.DMPolicyPairing {
				if err := g.pairing.Touch(ctx, g.cfg.ChannelType.String(), event.Sender.ID); err != nil {
					g.logger.Warn("pairing touch failed", slog.String("sender_id", event.Sender.ID), slog.Any("error", err))
				}
			}
		}
	}

	if policy.TextCommands {
		if name, isCmd := g.commands.Detect(body, event.Self.Username); isCmd {
			d.Command = name
		}
	}
	d.CommandAuthorized = g.commandAuthorized(kind, dmAllow, roomUsers, event.Sender)

	if kind == channel.ChatKindGroup {
		mentions := ResolveMentions(MentionInput{
			Text:               body,
			Self:               event.Self,
			StructuredMentions: event.Mentions,
			Patterns:           g.patterns,
		})
		d.HasExplicitMention = mentions.HasExplicitMention
		d.WasMentioned = mentions.WasMentioned || event.ReplyToSelf
		d.RequireMention = RequireMention(d.Room, policy)
		if d.RequireMention && !d.WasMentioned {
			if d.Command == "" || !d.CommandAuthorized {
				return d.drop(StageMentionGated, "mention required")
			}
			d.CommandBypass = true
		}
	}
	if d.Command != "" && !d.CommandAuthorized {
		return d.drop(StageCommandAuth, "command from unauthorized sender")
	}

	d.Verdict = VerdictAdmit
	d.Stage = StageAdmitted
	d.ShouldAck = strings.TrimSpace(policy.AckReaction) != "" && ShouldAck(AckInput{
		Scope:              policy.AckScope,
		Kind:               kind,
		RequireMention:     d.RequireMention,
		WasMentioned:       d.WasMentioned,
		CommandBypass:      d.CommandBypass,
		AckOnCommandBypass: policy.AckOnCommandBypass,
	})
	return d
}

func (d Decision) drop(stage Stage, reason string) Decision {
	d.Verdict = VerdictDrop
	d.Stage = stage
	d.Reason = reason
	return d
}

func (g *Gate) isDuplicate(event channel.InboundEvent) bool {
	id := strings.TrimSpace(event.EventID)
	if id == "" {
		return false
	}
	key := strings.Join([]string{event.Channel.String(), event.AccountID, event.Conversation.ID, id}, ":")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen.Contains(key) {
		return true
	}
	g.seen.Add(key, struct{}{})
	return false
}

// isStale drops events sent before startup minus the grace window. Events
// without a timestamp are judged by the transport-reported age instead.
func (g *Gate) isStale(event channel.InboundEvent) bool {
	if event.Timestamp.IsZero() {
		return event.Age > g.cfg.Policy.StartupGrace
	}
	cutoff := g.startedAt.Add(-g.cfg.Policy.StartupGrace)
	return event.Timestamp.Before(cutoff)
}

func (g *Gate) checkGroup(room RoomMatch, roomUsers AllowList, sender channel.Identity) (string, bool) {
	switch g.cfg.Policy.GroupPolicy {
	case channel.GroupPolicyDisabled:
		return "group policy disabled", false
	case channel.GroupPolicyAllowlist:
		if room.Found() && room.Config.Allowed != nil && !*room.Config.Allowed {
			return "room not allowed", false
		}
		if !roomUsers.Configured() && !g.groupAllowFrom.Configured() {
			return "group allow list empty", false
		}
		if !roomUsers.Match(sender).Allowed && !g.groupAllowFrom.Match(sender).Allowed {
			return "sender not in group allow list", false
		}
	default:
		if room.Found() && room.Config.Allowed != nil && !*room.Config.Allowed {
			return "room not allowed", false
		}
	}
	return "", true
}

// mergedAllowFrom combines configured DM entries with approved pairings. A
// store failure degrades to the configured entries only.
func (g *Gate) mergedAllowFrom(ctx context.Context) AllowList {
	if g.pairing == nil {
		return g.allowFrom
	}
	stored, err := g.pairing.ReadAllowFrom(ctx, g.cfg.ChannelType.String())
	if err != nil {
		g.logger.Warn("read pairing allow list failed", slog.Any("error", err))
		return g.allowFrom
	}
	return MergeAllowLists(g.allowFrom, NormalizeAllowList(stored))
}

func (g *Gate) requestPairing(ctx context.Context, d Decision, event channel.InboundEvent) Decision {
	if g.pairing == nil {
		return d.drop(StageSenderPolicy, "pairing store unavailable")
	}
	meta := map[string]string{}
	if v := strings.TrimSpace(event.Sender.Username); v != "" {
		meta["username"] = v
	}
	if v := strings.TrimSpace(event.Sender.DisplayName); v != "" {
		meta["display_name"] = v
	}
	if v := strings.TrimSpace(event.AccountID); v != "" {
		meta["account_id"] = v
	}
	req, created, err := g.pairing.UpsertRequest(ctx, g.cfg.ChannelType.String(), event.Sender.ID, meta)
	if err != nil {
		g.logger.Warn("pairing upsert failed", slog.String("sender_id", event.Sender.ID), slog.Any("error", err))
		return d.drop(StageSenderPolicy, "pairing store error")
	}
	d.Verdict = VerdictPairing
	d.Stage = StageSenderPolicy
	d.Reason = "pairing required"
	d.Pairing = &PairingOutcome{Code: req.Code, Created: created}
	return d
}

// commandAuthorized reports whether the sender may run control commands.
// With access groups off every sender is authorized.
func (g *Gate) commandAuthorized(kind channel.ChatKind, dmAllow, roomUsers AllowList, sender channel.Identity) bool {
	if !g.cfg.Policy.UseAccessGroups {
		return true
	}
	allow := g.allowFrom
	if kind == channel.ChatKindDM && dmAllow.Configured() {
		allow = dmAllow
	}
	return allow.Match(sender).Allowed ||
		roomUsers.Match(sender).Allowed ||
		g.groupAllowFrom.Match(sender).Allowed
}
