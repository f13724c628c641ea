package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultJWTExpiresIn   = "24h"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "chatgate"
	DefaultPGSSLMode      = "disable"
	DefaultAgentURL       = "ws://127.0.0.1:8081/ws"
	DefaultAgentTimeout   = "5m"
	DefaultMediaDir       = "data/media"
	DefaultMediaMaxBytes  = 20 << 20
	DefaultPairingTTL     = "1h"
	DefaultPairingPending = 3
	DefaultPairingSweep   = "@every 5m"
	DefaultAgentID        = "main"
)

// ErrMissingCredential marks a channel account without a required credential.
var ErrMissingCredential = errors.New("missing required credential")

type Config struct {
	Log      LogConfig       `toml:"log" yaml:"log"`
	Server   ServerConfig    `toml:"server" yaml:"server"`
	Admin    AdminConfig     `toml:"admin" yaml:"admin"`
	Auth     AuthConfig      `toml:"auth" yaml:"auth"`
	Postgres PostgresConfig  `toml:"postgres" yaml:"postgres"`
	Agent    AgentConfig     `toml:"agent" yaml:"agent"`
	Media    MediaConfig     `toml:"media" yaml:"media"`
	Pairing  PairingConfig   `toml:"pairing" yaml:"pairing"`
	Routing  RoutingConfig   `toml:"routing" yaml:"routing"`
	Channels []ChannelConfig `toml:"channels" yaml:"channels" validate:"dive"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// AdminConfig holds the operator login. PasswordHash is a bcrypt hash.
type AdminConfig struct {
	Username     string `toml:"username" yaml:"username"`
	PasswordHash string `toml:"password_hash" yaml:"password_hash"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in" yaml:"jwt_expires_in" validate:"omitempty,duration"`
}

type PostgresConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
	Database string `toml:"database" yaml:"database"`
	SSLMode  string `toml:"sslmode" yaml:"sslmode"`
}

// DSN returns the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// AgentConfig points at the agent gateway that turns contexts into replies.
type AgentConfig struct {
	URL     string `toml:"url" yaml:"url" validate:"required,url"`
	Token   string `toml:"token" yaml:"token"`
	Timeout string `toml:"timeout" yaml:"timeout" validate:"omitempty,duration"`
}

type MediaConfig struct {
	Dir      string `toml:"dir" yaml:"dir" validate:"required"`
	MaxBytes int64  `toml:"max_bytes" yaml:"max_bytes" validate:"gte=0"`
}

type PairingConfig struct {
	TTL        string `toml:"ttl" yaml:"ttl" validate:"omitempty,duration"`
	MaxPending int    `toml:"max_pending" yaml:"max_pending" validate:"gte=0"`
	SweepSpec  string `toml:"sweep" yaml:"sweep"`
}

// RoutingConfig maps conversations to agents.
type RoutingConfig struct {
	DefaultAgent string         `toml:"default_agent" yaml:"default_agent"`
	DMScope      string         `toml:"dm_scope" yaml:"dm_scope" validate:"omitempty,oneof=main per-peer"`
	Bindings     []RouteBinding `toml:"bindings" yaml:"bindings" validate:"dive"`
}

// RouteBinding assigns an agent to matching conversations. Empty fields match anything.
type RouteBinding struct {
	AgentID   string `toml:"agent" yaml:"agent" validate:"required"`
	Channel   string `toml:"channel" yaml:"channel"`
	AccountID string `toml:"account" yaml:"account"`
	PeerKind  string `toml:"peer_kind" yaml:"peer_kind" validate:"omitempty,oneof=dm group"`
	PeerID    string `toml:"peer_id" yaml:"peer_id"`
}

// ChannelConfig is one channel account.
type ChannelConfig struct {
	ID          string            `toml:"id" yaml:"id" validate:"required"`
	Type        string            `toml:"type" yaml:"type" validate:"required,oneof=telegram matrix discord"`
	Disabled    bool              `toml:"disabled" yaml:"disabled"`
	Credentials map[string]string `toml:"credentials" yaml:"credentials"`
	Policy      PolicyConfig      `toml:"policy" yaml:"policy"`
}

// PolicyConfig is the per-account access policy as written in the file.
type PolicyConfig struct {
	DMPolicy           string                `toml:"dm_policy" yaml:"dm_policy" validate:"omitempty,oneof=pairing allowlist open disabled"`
	GroupPolicy        string                `toml:"group_policy" yaml:"group_policy" validate:"omitempty,oneof=open disabled allowlist"`
	AllowFrom          []string              `toml:"allow_from" yaml:"allow_from"`
	GroupAllowFrom     []string              `toml:"group_allow_from" yaml:"group_allow_from"`
	RequireMention     *bool                 `toml:"require_mention" yaml:"require_mention"`
	MentionPatterns    []string              `toml:"mention_patterns" yaml:"mention_patterns"`
	UseAccessGroups    *bool                 `toml:"use_access_groups" yaml:"use_access_groups"`
	TextCommands       *bool                 `toml:"text_commands" yaml:"text_commands"`
	Commands           []string              `toml:"commands" yaml:"commands"`
	StartupGrace       string                `toml:"startup_grace" yaml:"startup_grace" validate:"omitempty,duration"`
	ReplyToMode        string                `toml:"reply_to_mode" yaml:"reply_to_mode" validate:"omitempty,oneof=off first all"`
	TextChunkLimit     int                   `toml:"text_chunk_limit" yaml:"text_chunk_limit" validate:"gte=0"`
	ChunkMode          string                `toml:"chunk_mode" yaml:"chunk_mode" validate:"omitempty,oneof=text markdown"`
	MediaMaxBytes      int64                 `toml:"media_max_bytes" yaml:"media_max_bytes" validate:"gte=0"`
	AckReaction        string                `toml:"ack_reaction" yaml:"ack_reaction"`
	AckScope           string                `toml:"ack_scope" yaml:"ack_scope" validate:"omitempty,oneof=all direct group-all group-mentions off"`
	AckOnCommandBypass *bool                 `toml:"ack_on_command_bypass" yaml:"ack_on_command_bypass"`
	ReadReceipts       *bool                 `toml:"read_receipts" yaml:"read_receipts"`
	Rooms              map[string]RoomConfig `toml:"rooms" yaml:"rooms"`
}

type RoomConfig struct {
	Allow          *bool    `toml:"allow" yaml:"allow"`
	RequireMention *bool    `toml:"require_mention" yaml:"require_mention"`
	AutoReply      *bool    `toml:"auto_reply" yaml:"auto_reply"`
	Users          []string `toml:"users" yaml:"users"`
	Skills         []string `toml:"skills" yaml:"skills"`
	SystemPrompt   string   `toml:"system_prompt" yaml:"system_prompt"`
}

// requiredCredentials lists, per channel type, credential groups of which at
// least one key must be set.
var requiredCredentials = map[string][][]string{
	"telegram": {{"bot_token"}},
	"discord":  {{"bot_token"}},
	"matrix":   {{"homeserver"}, {"user_id"}, {"access_token", "password"}},
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Username: "admin",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Agent: AgentConfig{
			URL:     DefaultAgentURL,
			Timeout: DefaultAgentTimeout,
		},
		Media: MediaConfig{
			Dir:      DefaultMediaDir,
			MaxBytes: DefaultMediaMaxBytes,
		},
		Pairing: PairingConfig{
			TTL:        DefaultPairingTTL,
			MaxPending: DefaultPairingPending,
			SweepSpec:  DefaultPairingSweep,
		},
		Routing: RoutingConfig{
			DefaultAgent: DefaultAgentID,
			DMScope:      "main",
		},
	}
}

// Load reads path (TOML, or YAML for .yaml/.yml) over the defaults. A
// missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and required channel credentials.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]struct{}{}
	for _, ch := range c.Channels {
		if _, ok := seen[ch.ID]; ok {
			return fmt.Errorf("invalid config: duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = struct{}{}
		if ch.Disabled {
			continue
		}
		for _, group := range requiredCredentials[ch.Type] {
			if !anyCredential(ch.Credentials, group) {
				return fmt.Errorf("channel %s (%s): %w: %s", ch.ID, ch.Type, ErrMissingCredential, strings.Join(group, " or "))
			}
		}
	}
	return nil
}

func anyCredential(creds map[string]string, keys []string) bool {
	for _, key := range keys {
		if strings.TrimSpace(creds[key]) != "" {
			return true
		}
	}
	return false
}

func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// ParseDuration parses value, returning fallback when value is empty.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
