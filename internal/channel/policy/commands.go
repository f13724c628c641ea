package policy

import (
	"strings"
)

// DefaultCommands are the control commands recognized on every surface.
var DefaultCommands = []string{
	"status", "help", "new", "reset", "stop", "model", "think", "verbose",
	"whoami", "allowlist", "pairing", "skill", "compact", "restart",
}

// CommandSet recognizes control commands by name.
type CommandSet map[string]struct{}

// NewCommandSet returns the default commands plus extra names.
func NewCommandSet(extra []string) CommandSet {
	set := CommandSet{}
	for _, name := range DefaultCommands {
		set[name] = struct{}{}
	}
	for _, name := range extra {
		name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// Detect returns the command name when the first token of text is
// "/<command>" or "/<command>@<bot>". A command addressed to another bot
// is not recognized.
func (s CommandSet) Detect(text string, botUsername string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	token := fields[0]
	if !strings.HasPrefix(token, "/") || len(token) < 2 {
		return "", false
	}
	name, target, addressed := strings.Cut(token[1:], "@")
	if addressed {
		bot := strings.TrimPrefix(strings.TrimSpace(botUsername), "@")
		if target == "" || (bot != "" && !strings.EqualFold(target, bot)) {
			return "", false
		}
	}
	name = strings.ToLower(name)
	if _, ok := s[name]; !ok {
		return "", false
	}
	return name, true
}
