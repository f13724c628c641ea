package policy

import "github.com/memohai/chatgate/internal/channel"

// AckInput carries what ShouldAck needs about an admitted message.
type AckInput struct {
	Scope              channel.AckScope
	Kind               channel.ChatKind
	RequireMention     bool
	WasMentioned       bool
	CommandBypass      bool
	AckOnCommandBypass bool
}

// ShouldAck reports whether an admitted message gets the acknowledgement
// reaction. An empty scope behaves like group-mentions.
func ShouldAck(in AckInput) bool {
	switch in.Scope {
	case channel.AckScopeAll:
		return true
	case channel.AckScopeDirect:
		return in.Kind == channel.ChatKindDM
	case channel.AckScopeGroupAll:
		return in.Kind == channel.ChatKindGroup
	case channel.AckScopeOff:
		return false
	default:
		if in.Kind != channel.ChatKindGroup || !in.RequireMention {
			return false
		}
		return in.WasMentioned || (in.CommandBypass && in.AckOnCommandBypass)
	}
}
