package config

import (
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/channel"
)

// Policy defaults applied when a field is left empty in the file.
const (
	DefaultDMPolicy     = channel.DMPolicyPairing
	DefaultGroupPolicy  = channel.GroupPolicyAllowlist
	DefaultAckScope     = channel.AckScopeGroupMentions
	DefaultReplyToMode  = channel.ReplyToFirst
	DefaultStartupGrace = time.Duration(0)
)

// Accounts converts the enabled channel accounts into runtime configs.
func (c Config) Accounts() channel.StaticConfigs {
	out := make(channel.StaticConfigs, 0, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Disabled {
			continue
		}
		out = append(out, ch.Runtime(c.Media.MaxBytes))
	}
	return out
}

// Runtime builds the channel.ChannelConfig for one account. mediaMaxBytes is
// the global cap used when the account sets none.
func (ch ChannelConfig) Runtime(mediaMaxBytes int64) channel.ChannelConfig {
	p := ch.Policy
	policy := channel.AccessPolicy{
		DMPolicy:           channel.DMPolicy(p.DMPolicy),
		GroupPolicy:        channel.GroupPolicy(p.GroupPolicy),
		AllowFrom:          p.AllowFrom,
		GroupAllowFrom:     p.GroupAllowFrom,
		RequireMention:     p.RequireMention,
		MentionPatterns:    p.MentionPatterns,
		UseAccessGroups:    boolOr(p.UseAccessGroups, true),
		TextCommands:       boolOr(p.TextCommands, true),
		Commands:           p.Commands,
		StartupGrace:       ParseDuration(p.StartupGrace, DefaultStartupGrace),
		ReplyToMode:        channel.ReplyToMode(p.ReplyToMode),
		TextChunkLimit:     p.TextChunkLimit,
		ChunkerMode:        channel.ChunkerMode(p.ChunkMode),
		MediaMaxBytes:      p.MediaMaxBytes,
		AckReaction:        strings.TrimSpace(p.AckReaction),
		AckScope:           channel.AckScope(p.AckScope),
		AckOnCommandBypass: boolOr(p.AckOnCommandBypass, true),
		ReadReceipts:       boolOr(p.ReadReceipts, false),
	}
	if policy.DMPolicy == "" {
		policy.DMPolicy = DefaultDMPolicy
	}
	if policy.GroupPolicy == "" {
		policy.GroupPolicy = DefaultGroupPolicy
	}
	if policy.AckScope == "" {
		policy.AckScope = DefaultAckScope
	}
	if policy.ReplyToMode == "" {
		policy.ReplyToMode = DefaultReplyToMode
	}
	if policy.MediaMaxBytes == 0 {
		policy.MediaMaxBytes = mediaMaxBytes
	}
	if len(p.Rooms) > 0 {
		policy.Rooms = make(map[string]channel.RoomConfig, len(p.Rooms))
		for key, room := range p.Rooms {
			policy.Rooms[key] = channel.RoomConfig{
				Allowed:        room.Allow,
				RequireMention: room.RequireMention,
				AutoReply:      room.AutoReply,
				Users:          room.Users,
				Skills:         room.Skills,
				SystemPrompt:   room.SystemPrompt,
			}
		}
	}
	return channel.ChannelConfig{
		ID:          strings.TrimSpace(ch.ID),
		ChannelType: channel.ChannelType(strings.ToLower(strings.TrimSpace(ch.Type))),
		Credentials: channel.CredentialsFromStrings(ch.Credentials),
		Policy:      policy,
		Disabled:    ch.Disabled,
	}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
