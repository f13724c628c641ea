package policy

import (
	"strings"

	"github.com/memohai/chatgate/internal/channel"
)

// RoomSource reports which conversation field selected a room config.
type RoomSource string

const (
	RoomSourceID       RoomSource = "id"
	RoomSourceAlias    RoomSource = "alias"
	RoomSourceName     RoomSource = "name"
	RoomSourceWildcard RoomSource = "wildcard"
	RoomSourceNone     RoomSource = "none"
)

// RoomMatch is a resolved room config with its match source.
type RoomMatch struct {
	Config channel.RoomConfig `json:"config"`
	Key    string             `json:"key,omitempty"`
	Source RoomSource         `json:"source"`
}

// Found reports whether any room config applies.
func (m RoomMatch) Found() bool {
	return m.Source != RoomSourceNone && m.Source != ""
}

// ResolveRoom looks a group up by id, then alias, then display name; the
// first hit wins and "*" applies when nothing else matched. Ids match
// exactly, aliases and names case-insensitively.
func ResolveRoom(rooms map[string]channel.RoomConfig, conv channel.Conversation) RoomMatch {
	if len(rooms) == 0 {
		return RoomMatch{Source: RoomSourceNone}
	}
	if id := strings.TrimSpace(conv.ID); id != "" {
		if cfg, ok := rooms[id]; ok {
			return RoomMatch{Config: cfg, Key: id, Source: RoomSourceID}
		}
	}
	if key, cfg, ok := lookupFold(rooms, conv.Alias); ok {
		return RoomMatch{Config: cfg, Key: key, Source: RoomSourceAlias}
	}
	if key, cfg, ok := lookupFold(rooms, conv.Name); ok {
		return RoomMatch{Config: cfg, Key: key, Source: RoomSourceName}
	}
	if cfg, ok := rooms[Wildcard]; ok {
		return RoomMatch{Config: cfg, Key: Wildcard, Source: RoomSourceWildcard}
	}
	return RoomMatch{Source: RoomSourceNone}
}

func lookupFold(rooms map[string]channel.RoomConfig, raw string) (string, channel.RoomConfig, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", channel.RoomConfig{}, false
	}
	if cfg, ok := rooms[value]; ok {
		return value, cfg, true
	}
	for key, cfg := range rooms {
		if key != Wildcard && strings.EqualFold(strings.TrimSpace(key), value) {
			return key, cfg, true
		}
	}
	return "", channel.RoomConfig{}, false
}

// RequireMention resolves mention gating for a group: autoReply true never
// requires a mention, autoReply false always does, then the room flag, then
// the channel default, then true.
func RequireMention(room RoomMatch, policy channel.AccessPolicy) bool {
	if room.Found() {
		if room.Config.AutoReply != nil {
			return !*room.Config.AutoReply
		}
		if room.Config.RequireMention != nil {
			return *room.Config.RequireMention
		}
	}
	if policy.RequireMention != nil {
		return *policy.RequireMention
	}
	return true
}
