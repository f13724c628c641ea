package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
)

// MentionPatterns is a compiled, case-insensitive pattern set.
type MentionPatterns []*regexp.Regexp

// CompileMentionPatterns compiles each configured pattern case-insensitively.
// Invalid patterns are skipped and reported.
func CompileMentionPatterns(raw []string) (MentionPatterns, []error) {
	patterns := make(MentionPatterns, 0, len(raw))
	var errs []error
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + item)
		if err != nil {
			errs = append(errs, fmt.Errorf("mention pattern %q: %w", item, err))
			continue
		}
		patterns = append(patterns, re)
	}
	return patterns, errs
}

// Matches reports whether any pattern matches text.
func (p MentionPatterns) Matches(text string) bool {
	for _, re := range p {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// MentionInput is what the resolver needs from one event.
type MentionInput struct {
	Text               string
	Self               channel.Identity
	StructuredMentions []string
	Patterns           MentionPatterns
}

// MentionResult separates a native mention of the bot from a pattern hit.
type MentionResult struct {
	WasMentioned       bool `json:"was_mentioned"`
	HasExplicitMention bool `json:"has_explicit_mention"`
}

// ResolveMentions reports an explicit mention only when the transport's
// native mention list names the bot; WasMentioned also covers pattern hits.
func ResolveMentions(in MentionInput) MentionResult {
	explicit := mentionsSelf(in.StructuredMentions, in.Self)
	return MentionResult{
		WasMentioned:       explicit || in.Patterns.Matches(in.Text),
		HasExplicitMention: explicit,
	}
}

func mentionsSelf(mentions []string, self channel.Identity) bool {
	id := strings.ToLower(strings.TrimSpace(self.ID))
	username := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(self.Username)), "@")
	for _, raw := range mentions {
		mention := strings.ToLower(strings.TrimSpace(raw))
		if mention == "" {
			continue
		}
		if id != "" && mention == id {
			return true
		}
		if username != "" && strings.TrimPrefix(mention, "@") == username {
			return true
		}
	}
	return false
}
