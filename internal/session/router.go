// Package session maps conversations onto agent sessions and remembers
// per-session delivery state.
package session

import (
	"context"
	"strings"
)

const (
	DefaultAgentID = "main"
	MainKey        = "main"
)

// DMScope selects how direct messages map onto sessions.
type DMScope string

const (
	// DMScopeMain folds every direct message into the agent's main session.
	DMScopeMain DMScope = "main"
	// DMScopePerPeer gives each direct-message peer its own session.
	DMScopePerPeer DMScope = "per-peer"
)

// RouteInput identifies the conversation being routed.
type RouteInput struct {
	Channel   string
	AccountID string
	PeerKind  string
	PeerID    string
}

// Route is the resolved agent and session for a conversation.
type Route struct {
	AgentID        string `json:"agent_id"`
	AccountID      string `json:"account_id"`
	SessionKey     string `json:"session_key"`
	MainSessionKey string `json:"main_session_key"`
	MatchedBy      string `json:"matched_by"`
}

// Resolver resolves routes.
type Resolver interface {
	ResolveRoute(ctx context.Context, in RouteInput) (Route, error)
}

// Binding assigns AgentID to conversations matching every non-empty field.
type Binding struct {
	AgentID   string
	Channel   string
	AccountID string
	PeerKind  string
	PeerID    string
}

// Router is a config-driven Resolver.
type Router struct {
	defaultAgent string
	dmScope      DMScope
	bindings     []Binding
}

// NewRouter creates a router. The most specific matching binding wins:
// peer, then account, then channel, then the default agent.
func NewRouter(defaultAgent string, dmScope DMScope, bindings []Binding) *Router {
	defaultAgent = NormalizeAgentID(defaultAgent)
	if dmScope != DMScopePerPeer {
		dmScope = DMScopeMain
	}
	return &Router{
		defaultAgent: defaultAgent,
		dmScope:      dmScope,
		bindings:     append([]Binding(nil), bindings...),
	}
}

// ResolveRoute implements Resolver.
func (r *Router) ResolveRoute(_ context.Context, in RouteInput) (Route, error) {
	agentID, matchedBy := r.resolveAgent(in)
	route := Route{
		AgentID:        agentID,
		AccountID:      strings.TrimSpace(in.AccountID),
		MainSessionKey: BuildMainSessionKey(agentID),
		MatchedBy:      matchedBy,
	}
	peerKind := strings.ToLower(strings.TrimSpace(in.PeerKind))
	if peerKind == "dm" && r.dmScope == DMScopeMain {
		route.SessionKey = route.MainSessionKey
		return route, nil
	}
	route.SessionKey = BuildPeerSessionKey(agentID, in.Channel, peerKind, in.PeerID)
	return route, nil
}

func (r *Router) resolveAgent(in RouteInput) (string, string) {
	best, bestScore := "", 0
	matchedBy := "default"
	for _, b := range r.bindings {
		score, ok := bindingScore(b, in)
		if !ok || score <= bestScore {
			continue
		}
		best, bestScore = b.AgentID, score
		switch {
		case score >= 4:
			matchedBy = "peer"
		case score >= 2:
			matchedBy = "account"
		default:
			matchedBy = "channel"
		}
	}
	if best == "" {
		return r.defaultAgent, matchedBy
	}
	return NormalizeAgentID(best), matchedBy
}

// bindingScore reports whether b matches in and how specific it is.
func bindingScore(b Binding, in RouteInput) (int, bool) {
	score := 0
	if v := strings.TrimSpace(b.Channel); v != "" {
		if !strings.EqualFold(v, strings.TrimSpace(in.Channel)) {
			return 0, false
		}
		score++
	}
	if v := strings.TrimSpace(b.AccountID); v != "" {
		if v != strings.TrimSpace(in.AccountID) {
			return 0, false
		}
		score += 2
	}
	if v := strings.TrimSpace(b.PeerKind); v != "" {
		if !strings.EqualFold(v, strings.TrimSpace(in.PeerKind)) {
			return 0, false
		}
	}
	if v := strings.TrimSpace(b.PeerID); v != "" {
		if v != strings.TrimSpace(in.PeerID) {
			return 0, false
		}
		score += 4
	}
	if score == 0 && strings.TrimSpace(b.PeerKind) != "" {
		score = 1
	}
	return score, score > 0
}

// NormalizeAgentID lowercases id and falls back to the default agent.
func NormalizeAgentID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return DefaultAgentID
	}
	return id
}

// BuildMainSessionKey returns "agent:<agent>:main".
func BuildMainSessionKey(agentID string) string {
	return "agent:" + NormalizeAgentID(agentID) + ":" + MainKey
}

// BuildPeerSessionKey returns "agent:<agent>:<channel>:<kind>:<peer>".
func BuildPeerSessionKey(agentID, channel, peerKind, peerID string) string {
	return strings.Join([]string{
		"agent",
		NormalizeAgentID(agentID),
		strings.ToLower(strings.TrimSpace(channel)),
		strings.ToLower(strings.TrimSpace(peerKind)),
		strings.TrimSpace(peerID),
	}, ":")
}

// AgentIDFromSessionKey extracts the agent id from a session key.
func AgentIDFromSessionKey(key string) (string, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
