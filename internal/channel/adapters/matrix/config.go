package matrix

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/memohai/chatgate/internal/channel"
)

// Config holds the account credentials extracted from a channel configuration.
type Config struct {
	Homeserver  string
	UserID      id.UserID
	AccessToken string
	DisplayName string
	AutoJoin    bool
}

func parseConfig(raw map[string]any) (Config, error) {
	cfg := Config{
		Homeserver:  strings.TrimRight(channel.ReadString(raw, "homeserver", "homeserver_url", "homeserverUrl"), "/"),
		UserID:      id.UserID(channel.ReadString(raw, "user_id", "userId")),
		AccessToken: channel.ReadString(raw, "access_token", "accessToken"),
		DisplayName: channel.ReadString(raw, "display_name", "displayName"),
	}
	if cfg.Homeserver == "" {
		return Config{}, fmt.Errorf("matrix homeserver is required")
	}
	if u, err := url.Parse(cfg.Homeserver); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("matrix homeserver must be an http(s) url")
	}
	if _, _, err := cfg.UserID.Parse(); err != nil {
		return Config{}, fmt.Errorf("matrix user_id: %w", err)
	}
	if cfg.AccessToken == "" {
		return Config{}, fmt.Errorf("matrix access_token is required")
	}
	if v := channel.ReadString(raw, "auto_join", "autoJoin"); v != "" {
		autoJoin, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("matrix auto_join: %w", err)
		}
		cfg.AutoJoin = autoJoin
	}
	return cfg, nil
}

func (c Config) poolKey() channel.PoolKey {
	sum := sha256.Sum256([]byte(c.AccessToken))
	return channel.PoolKey{
		Endpoint: c.Homeserver,
		Identity: c.UserID.String() + "#" + hex.EncodeToString(sum[:8]),
		AuthMode: "access_token",
	}
}
