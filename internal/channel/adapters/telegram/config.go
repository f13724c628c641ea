package telegram

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/chatgate/internal/channel"
)

// Config holds the bot credentials extracted from a channel configuration.
type Config struct {
	BotToken    string
	APIEndpoint string
}

func parseConfig(raw map[string]any) (Config, error) {
	token := channel.ReadString(raw, "bot_token", "botToken")
	if token == "" {
		return Config{}, fmt.Errorf("telegram bot_token is required")
	}
	endpoint := channel.ReadString(raw, "api_endpoint", "apiEndpoint")
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if strings.Count(endpoint, "%s") != 2 {
		return Config{}, fmt.Errorf("telegram api_endpoint must contain two %%s placeholders")
	}
	return Config{BotToken: token, APIEndpoint: endpoint}, nil
}

// poolKey identifies the shared bot client without exposing the token.
func (c Config) poolKey() channel.PoolKey {
	sum := sha256.Sum256([]byte(c.BotToken))
	return channel.PoolKey{
		Endpoint: c.APIEndpoint,
		Identity: hex.EncodeToString(sum[:8]),
		AuthMode: "bot_token",
	}
}
