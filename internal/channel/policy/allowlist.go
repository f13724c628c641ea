// Package policy decides whether a normalized inbound event is admitted,
// dropped, or turned into a pairing request.
package policy

import (
	"strings"

	"github.com/memohai/chatgate/internal/channel"
)

// Wildcard is the allow-list entry that matches every identity.
const Wildcard = "*"

// MatchSource reports which identity field produced an allow-list match.
type MatchSource string

const (
	MatchSourceID          MatchSource = "id"
	MatchSourceUsername    MatchSource = "username"
	MatchSourceDisplayName MatchSource = "displayName"
	MatchSourceWildcard    MatchSource = "wildcard"
	MatchSourceNone        MatchSource = "none"
)

// AllowlistMatch is the result of matching one identity against an AllowList.
type AllowlistMatch struct {
	Allowed      bool        `json:"allowed"`
	MatchedEntry string      `json:"matched_entry,omitempty"`
	MatchSource  MatchSource `json:"match_source"`
}

// AllowList is a normalized set of entries: trimmed, lowercased and
// deduplicated once at construction.
type AllowList struct {
	entries  []string
	set      map[string]struct{}
	wildcard bool
}

// NormalizeAllowList builds an AllowList from raw configured entries.
func NormalizeAllowList(raw []string) AllowList {
	list := AllowList{set: map[string]struct{}{}}
	for _, item := range raw {
		list.add(item)
	}
	return list
}

// MergeAllowLists merges lists, deduplicating entries.
func MergeAllowLists(lists ...AllowList) AllowList {
	merged := AllowList{set: map[string]struct{}{}}
	for _, list := range lists {
		for _, entry := range list.entries {
			merged.add(entry)
		}
	}
	return merged
}

func (l *AllowList) add(raw string) {
	entry := strings.ToLower(strings.TrimSpace(raw))
	if entry == "" {
		return
	}
	if _, ok := l.set[entry]; ok {
		return
	}
	l.set[entry] = struct{}{}
	l.entries = append(l.entries, entry)
	if entry == Wildcard {
		l.wildcard = true
	}
}

// Configured reports whether the list has at least one entry. An unconfigured
// list and a configured list that denies are different policy branches.
func (l AllowList) Configured() bool {
	return len(l.entries) > 0
}

// Entries returns the normalized entries.
func (l AllowList) Entries() []string {
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Match checks identity against the list: wildcard, then id, then username
// with and without a leading "@", then display name.
func (l AllowList) Match(identity channel.Identity) AllowlistMatch {
	if !l.Configured() {
		return AllowlistMatch{MatchSource: MatchSourceNone}
	}
	if l.wildcard {
		return AllowlistMatch{Allowed: true, MatchedEntry: Wildcard, MatchSource: MatchSourceWildcard}
	}
	if id := strings.ToLower(strings.TrimSpace(identity.ID)); id != "" {
		if _, ok := l.set[id]; ok {
			return AllowlistMatch{Allowed: true, MatchedEntry: id, MatchSource: MatchSourceID}
		}
	}
	if username := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(identity.Username)), "@"); username != "" {
		for _, candidate := range []string{username, "@" + username} {
			if _, ok := l.set[candidate]; ok {
				return AllowlistMatch{Allowed: true, MatchedEntry: candidate, MatchSource: MatchSourceUsername}
			}
		}
	}
	if name := strings.ToLower(strings.TrimSpace(identity.DisplayName)); name != "" {
		if _, ok := l.set[name]; ok {
			return AllowlistMatch{Allowed: true, MatchedEntry: name, MatchSource: MatchSourceDisplayName}
		}
	}
	return AllowlistMatch{MatchSource: MatchSourceNone}
}
