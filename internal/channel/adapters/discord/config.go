package discord

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/chatgate/internal/channel"
)

// Config holds the bot credentials extracted from a channel configuration.
type Config struct {
	BotToken string
}

func parseConfig(raw map[string]any) (Config, error) {
	token := strings.TrimPrefix(channel.ReadString(raw, "bot_token", "botToken"), "Bot ")
	if token == "" {
		return Config{}, fmt.Errorf("discord bot_token is required")
	}
	return Config{BotToken: token}, nil
}

func (c Config) poolKey() channel.PoolKey {
	sum := sha256.Sum256([]byte(c.BotToken))
	return channel.PoolKey{
		Endpoint: discordgo.EndpointDiscord,
		Identity: hex.EncodeToString(sum[:8]),
		AuthMode: "bot_token",
	}
}
