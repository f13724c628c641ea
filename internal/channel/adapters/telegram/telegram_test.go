package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/channel"
)

var testSelf = tgbotapi.User{ID: 99, IsBot: true, FirstName: "Gate", UserName: "gatebot"}

func TestBuildInboundEventMentionsUseUTF16Offsets(t *testing.T) {
	t.Parallel()

	msg := &tgbotapi.Message{
		MessageID: 7,
		Date:      1775122200,
		From:      &tgbotapi.User{ID: 5, FirstName: "Alice", LastName: "Liddell", UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: -100, Type: "supergroup", Title: "Ops", UserName: "opsroom"},
		Text:      "👋 @gatebot hi",
		Entities: []tgbotapi.MessageEntity{
			{Type: "mention", Offset: 3, Length: 8},
			{Type: "text_mention", Offset: 0, Length: 2, User: &tgbotapi.User{ID: 77}},
			{Type: "mention", Offset: 40, Length: 3},
		},
		ReplyToMessage: &tgbotapi.Message{MessageID: 6, From: &tgbotapi.User{ID: 99}},
	}
	event, ok := buildInboundEvent("tg-main", testSelf, msg, false)
	require.True(t, ok)

	assert.Equal(t, Type, event.Channel)
	assert.Equal(t, "tg-main", event.AccountID)
	assert.Equal(t, "7", event.EventID)
	assert.Equal(t, channel.ContentText, event.Kind)
	assert.Equal(t, []string{"@gatebot", "77"}, event.Mentions)
	assert.Equal(t, "6", event.ReplyToID)
	assert.True(t, event.ReplyToSelf)
	assert.Equal(t, channel.Conversation{ID: "-100", Kind: channel.ChatKindGroup, Name: "Ops", Alias: "@opsroom"}, event.Conversation)
	assert.Equal(t, channel.Identity{ID: "5", Username: "alice", DisplayName: "Alice Liddell"}, event.Sender)
	assert.Equal(t, "99", event.Self.ID)
	assert.Equal(t, time.Unix(1775122200, 0).UTC(), event.Timestamp)
	assert.False(t, event.Edit)
}

func TestBuildInboundEventPrivatePhotoWithCaption(t *testing.T) {
	t.Parallel()

	msg := &tgbotapi.Message{
		MessageID:    8,
		From:         &tgbotapi.User{ID: 5, FirstName: "Alice"},
		Chat:         &tgbotapi.Chat{ID: 5, Type: "private"},
		Caption:      "look @gatebot",
		MediaGroupID: "album-1",
		CaptionEntities: []tgbotapi.MessageEntity{
			{Type: "mention", Offset: 5, Length: 8},
		},
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90, Height: 90, FileSize: 1000},
			{FileID: "large", Width: 1280, Height: 960, FileSize: 90000},
			{FileID: "medium", Width: 320, Height: 240, FileSize: 9000},
		},
	}
	event, ok := buildInboundEvent("tg-main", testSelf, msg, true)
	require.True(t, ok)

	assert.Equal(t, channel.ChatKindDM, event.Conversation.Kind)
	assert.Equal(t, channel.ContentMedia, event.Kind)
	assert.Equal(t, "look @gatebot", event.Text)
	assert.Equal(t, []string{"@gatebot"}, event.Mentions)
	assert.Equal(t, "album-1", event.MediaGroupID)
	assert.True(t, event.Edit)
	require.Len(t, event.Attachments, 1)
	assert.Equal(t, "large", event.Attachments[0].PlatformKey)
	assert.Equal(t, channel.AttachmentImage, event.Attachments[0].Type)
}

func TestBuildInboundEventLocationAndPoll(t *testing.T) {
	t.Parallel()

	chat := &tgbotapi.Chat{ID: 5, Type: "private"}
	venue := &tgbotapi.Message{
		MessageID: 1,
		Chat:      chat,
		Venue: &tgbotapi.Venue{
			Location: tgbotapi.Location{Latitude: 52.52, Longitude: 13.405},
			Title:    "Office",
			Address:  "Main St 1",
		},
	}
	event, ok := buildInboundEvent("a", testSelf, venue, false)
	require.True(t, ok)
	assert.Equal(t, channel.ContentLocation, event.Kind)
	require.NotNil(t, event.Location)
	assert.Equal(t, "Office", event.Location.Name)
	assert.Equal(t, "Main St 1", event.Location.Address)
	assert.InDelta(t, 52.52, event.Location.Latitude, 1e-9)

	poll := &tgbotapi.Message{
		MessageID: 2,
		Chat:      chat,
		Poll: &tgbotapi.Poll{
			Question:              "Lunch?",
			Options:               []tgbotapi.PollOption{{Text: "pizza"}, {Text: "sushi"}},
			AllowsMultipleAnswers: true,
		},
	}
	event, ok = buildInboundEvent("a", testSelf, poll, false)
	require.True(t, ok)
	assert.Equal(t, channel.ContentPoll, event.Kind)
	assert.Equal(t, &channel.Poll{Question: "Lunch?", Options: []string{"pizza", "sushi"}, Multiple: true}, event.Poll)
}

func TestBuildInboundEventChannelPostUsesSenderChat(t *testing.T) {
	t.Parallel()

	msg := &tgbotapi.Message{
		MessageID:  3,
		Chat:       &tgbotapi.Chat{ID: -200, Type: "channel", Title: "News"},
		SenderChat: &tgbotapi.Chat{ID: -200, Title: "News", UserName: "newsfeed"},
		Text:       "update",
	}
	event, ok := buildInboundEvent("a", testSelf, msg, false)
	require.True(t, ok)
	assert.Equal(t, "-200", event.Sender.ID)
	assert.Equal(t, "News", event.Sender.DisplayName)
	assert.Equal(t, channel.ChatKindGroup, event.Conversation.Kind)

	_, ok = buildInboundEvent("a", testSelf, &tgbotapi.Message{MessageID: 4}, false)
	assert.False(t, ok, "messages without a chat are skipped")

	event, ok = buildInboundEvent("a", testSelf, &tgbotapi.Message{MessageID: 5, Chat: msg.Chat}, false)
	require.True(t, ok)
	assert.Equal(t, channel.ContentUnsupported, event.Kind)
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	_, err := parseConfig(map[string]any{})
	require.Error(t, err)

	_, err = parseConfig(map[string]any{"bot_token": "t", "api_endpoint": "https://tg.local/bot"})
	require.Error(t, err)

	cfg, err := parseConfig(map[string]any{"botToken": "123:abc"})
	require.NoError(t, err)
	assert.Equal(t, tgbotapi.APIEndpoint, cfg.APIEndpoint)

	key := cfg.poolKey()
	assert.NotContains(t, key.String(), "123:abc")
	other, err := parseConfig(map[string]any{"bot_token": "123:abd"})
	require.NoError(t, err)
	assert.NotEqual(t, key, other.poolKey())
}

type fakeBotAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	failMode bool
	updates  []string
}

type apiCall struct {
	method string
	form   map[string]string
}

func (f *fakeBotAPI) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		method := parts[len(parts)-1]
		if strings.HasPrefix(r.URL.Path, "/files/") {
			w.Header().Set("Content-Type", "image/png; charset=binary")
			_, _ = io.WriteString(w, "PNGDATA")
			return
		}
		_ = r.ParseMultipartForm(1 << 20)
		form := map[string]string{}
		for k, v := range r.Form {
			form[k] = v[0]
		}
		f.mu.Lock()
		f.calls = append(f.calls, apiCall{method: method, form: form})
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Gate","username":"gatebot"}}`)
		case "getUpdates":
			f.mu.Lock()
			pending := f.updates
			f.updates = nil
			f.mu.Unlock()
			if len(pending) == 0 {
				time.Sleep(20 * time.Millisecond)
			}
			_, _ = io.WriteString(w, `{"ok":true,"result":[`+strings.Join(pending, ",")+`]}`)
		case "sendMessage":
			if f.failMode && form["parse_mode"] != "" {
				_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
				return
			}
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
		case "setMessageReaction", "sendChatAction":
			_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
		default:
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":2,"date":0,"chat":{"id":42,"type":"private"}}}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeBotAPI) methodCalls(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func testConfig(srv *httptest.Server) channel.ChannelConfig {
	return channel.ChannelConfig{
		ID:          "tg-main",
		ChannelType: Type,
		Credentials: map[string]any{
			"bot_token":    "123:abc",
			"api_endpoint": srv.URL + "/bot%s/%s",
		},
	}
}

func TestSendTextAndAttachments(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{}
	srv := api.serve(t)
	adapter := NewAdapter(nil, srv.Client())
	cfg := testConfig(srv)

	err := adapter.Send(context.Background(), cfg, channel.OutboundMessage{
		Target:  "42",
		Message: channel.Message{Text: "hello", Reply: &channel.ReplyRef{MessageID: "7"}},
	})
	require.NoError(t, err)
	sent := api.methodCalls("sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "42", sent[0].form["chat_id"])
	assert.Equal(t, "hello", sent[0].form["text"])
	assert.Equal(t, "7", sent[0].form["reply_to_message_id"])

	err = adapter.Send(context.Background(), cfg, channel.OutboundMessage{
		Target: "@news",
		Message: channel.Message{
			Text: "caption",
			Attachments: []channel.Attachment{
				{Type: channel.AttachmentImage, Name: "a.png", Data: []byte("PNGDATA")},
				{Type: channel.AttachmentFile, URL: "https://example.org/report.pdf"},
			},
		},
	})
	require.NoError(t, err)
	photos := api.methodCalls("sendPhoto")
	require.Len(t, photos, 1)
	assert.Equal(t, "@news", photos[0].form["chat_id"])
	assert.Equal(t, "caption", photos[0].form["caption"])
	docs := api.methodCalls("sendDocument")
	require.Len(t, docs, 1)
	assert.Empty(t, docs[0].form["caption"])
	assert.Equal(t, "https://example.org/report.pdf", docs[0].form["document"])

	// The bot is created once and shared.
	assert.Len(t, api.methodCalls("getMe"), 1)

	err = adapter.Send(context.Background(), cfg, channel.OutboundMessage{Target: "not-a-chat", Message: channel.Message{Text: "x"}})
	require.Error(t, err)
}

func TestSendMarkdownFallsBackToPlain(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{failMode: true}
	srv := api.serve(t)
	adapter := NewAdapter(nil, srv.Client())

	err := adapter.Send(context.Background(), testConfig(srv), channel.OutboundMessage{
		Target:  "42",
		Message: channel.Message{Text: "*bold", Format: channel.MessageFormatMarkdown},
	})
	require.NoError(t, err)
	sent := api.methodCalls("sendMessage")
	require.Len(t, sent, 2)
	assert.Equal(t, tgbotapi.ModeMarkdown, sent[0].form["parse_mode"])
	assert.Empty(t, sent[1].form["parse_mode"])
}

func TestTypingAndReactions(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{}
	srv := api.serve(t)
	adapter := NewAdapter(nil, srv.Client())
	cfg := testConfig(srv)

	require.NoError(t, adapter.SetTyping(context.Background(), cfg, "42", true))
	require.NoError(t, adapter.SetTyping(context.Background(), cfg, "42", false))
	actions := api.methodCalls("sendChatAction")
	require.Len(t, actions, 1)
	assert.Equal(t, tgbotapi.ChatTyping, actions[0].form["action"])

	require.NoError(t, adapter.React(context.Background(), cfg, "42", "7", "👀"))
	reactions := api.methodCalls("setMessageReaction")
	require.Len(t, reactions, 1)
	var payload []map[string]string
	require.NoError(t, json.Unmarshal([]byte(reactions[0].form["reaction"]), &payload))
	assert.Equal(t, "👀", payload[0]["emoji"])
}

func TestResolveAttachmentByURL(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{}
	srv := api.serve(t)
	adapter := NewAdapter(nil, srv.Client())

	payload, err := adapter.ResolveAttachment(context.Background(), testConfig(srv), channel.Attachment{URL: srv.URL + "/files/a.png"})
	require.NoError(t, err)
	defer payload.Reader.Close()
	data, err := io.ReadAll(payload.Reader)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
	assert.Equal(t, "image/png", payload.Mime)

	_, err = adapter.ResolveAttachment(context.Background(), testConfig(srv), channel.Attachment{})
	require.Error(t, err)
}

func TestConnectDeliversUpdatesUntilStopped(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{updates: []string{
		`{"update_id":1,"message":{"message_id":10,"date":1775122200,"from":{"id":5,"first_name":"Alice"},"chat":{"id":5,"type":"private"},"text":"hi"}}`,
		`{"update_id":2,"edited_message":{"message_id":10,"date":1775122200,"edit_date":1775122300,"from":{"id":5,"first_name":"Alice"},"chat":{"id":5,"type":"private"},"text":"hi!"}}`,
	}}
	srv := api.serve(t)
	adapter := NewAdapter(nil, srv.Client())
	cfg := testConfig(srv)

	events := make(chan channel.InboundEvent, 4)
	conn, err := adapter.Connect(context.Background(), cfg, func(_ context.Context, _ channel.ChannelConfig, event channel.InboundEvent) error {
		events <- event
		return nil
	})
	require.NoError(t, err)
	assert.True(t, conn.Running())

	var got []channel.InboundEvent
	for len(got) < 2 {
		select {
		case event := <-events:
			got = append(got, event)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for updates, got %d", len(got))
		}
	}
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, "99", got[0].Self.ID)
	assert.False(t, got[0].Edit)
	assert.True(t, got[1].Edit)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Stop(ctx))
	assert.False(t, conn.Running())
	assert.Equal(t, 0, adapter.bots.Len())
}

func TestOutboundPolicyKeepsMarkdownBlocks(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(NewAdapter(nil, nil))
	policy := reg.ResolveOutboundPolicy(channel.ChannelConfig{
		ChannelType: Type,
		Policy:      channel.AccessPolicy{TextChunkLimit: 60},
	})
	assert.Equal(t, channel.ChunkerModeMarkdown, policy.ChunkerMode)
	assert.Equal(t, channel.MessageFormatPlain, policy.MessageFormat)

	fenced := "```go\nfunc main() {\n\tfmt.Println(1)\n}\n```"
	text := "Intro line here.\n\n" + fenced + "\n\n- first item\n  continued line"
	chunks := policy.Chunker(text, policy.TextChunkLimit)
	require.Len(t, chunks, 2)

	for i, chunk := range chunks {
		if n := strings.Count(chunk, "```"); n%2 != 0 {
			t.Fatalf("chunk %d has an unbalanced fence: %q", i, chunk)
		}
	}
	assert.Contains(t, chunks[0], fenced)
	assert.Equal(t, "- first item\n  continued line", chunks[1])
}
