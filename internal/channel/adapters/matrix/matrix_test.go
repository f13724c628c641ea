package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/memohai/chatgate/internal/channel"
)

var testSelf = channel.Identity{ID: "@gate:example.org", Username: "gate", DisplayName: "Gate"}

func messageEvent(content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        "$evt1",
		RoomID:    "!room:example.org",
		Sender:    "@alice:example.org",
		Type:      event.EventMessage,
		Timestamp: 1775122200000,
		Content:   event.Content{Parsed: content},
	}
}

func TestBuildInboundEventHTMLText(t *testing.T) {
	t.Parallel()

	evt := messageEvent(&event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "> <@bob:example.org> earlier\n\nGate: hi there",
		Format:        event.FormatHTML,
		FormattedBody: `<mx-reply><blockquote>earlier</blockquote></mx-reply><a href="https://matrix.to/#/@gate:example.org">Gate</a>: hi <b>there</b>`,
		RelatesTo:     &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$parent"}},
	})
	room := roomInfo{Name: "Ops", Alias: "#ops:example.org", Members: map[id.UserID]string{"@alice:example.org": "Alice"}}
	inbound, ok := buildInboundEvent("mx-main", testSelf, evt, room)
	if !ok {
		t.Fatalf("expected event")
	}
	if inbound.Kind != channel.ContentText {
		t.Fatalf("unexpected kind: %s", inbound.Kind)
	}
	if strings.Contains(inbound.Text, "earlier") || !strings.Contains(inbound.Text, "**there**") {
		t.Fatalf("unexpected text: %q", inbound.Text)
	}
	if !slices.Contains(inbound.Mentions, "@gate:example.org") {
		t.Fatalf("pill mention missing: %v", inbound.Mentions)
	}
	if inbound.ReplyToID != "$parent" {
		t.Fatalf("unexpected reply id: %q", inbound.ReplyToID)
	}
	if inbound.Conversation.Kind != channel.ChatKindGroup || inbound.Conversation.Alias != "#ops:example.org" {
		t.Fatalf("unexpected conversation: %+v", inbound.Conversation)
	}
	if inbound.Sender.DisplayName != "Alice" || inbound.Sender.Username != "alice" {
		t.Fatalf("unexpected sender: %+v", inbound.Sender)
	}
	if inbound.Timestamp.UnixMilli() != 1775122200000 {
		t.Fatalf("unexpected timestamp: %s", inbound.Timestamp)
	}
}

func TestBuildInboundEventVariants(t *testing.T) {
	t.Parallel()

	file := &event.EncryptedFileInfo{URL: "mxc://example.org/secret"}
	cases := []struct {
		name  string
		evt   *event.Event
		room  roomInfo
		check func(t *testing.T, in channel.InboundEvent)
	}{
		{
			name: "edit uses new content",
			evt: messageEvent(&event.MessageEventContent{
				MsgType:    event.MsgText,
				Body:       "* fixed",
				NewContent: &event.MessageEventContent{MsgType: event.MsgText, Body: "fixed"},
				RelatesTo:  &event.RelatesTo{Type: event.RelReplace, EventID: "$orig"},
			}),
			room: roomInfo{DM: true},
			check: func(t *testing.T, in channel.InboundEvent) {
				if !in.Edit || in.Text != "fixed" || in.Conversation.Kind != channel.ChatKindDM {
					t.Fatalf("unexpected edit event: %+v", in)
				}
			},
		},
		{
			name: "thread reply",
			evt: messageEvent(&event.MessageEventContent{
				MsgType:   event.MsgText,
				Body:      "in thread",
				RelatesTo: &event.RelatesTo{Type: event.RelThread, EventID: "$root"},
			}),
			check: func(t *testing.T, in channel.InboundEvent) {
				if in.ThreadID != "$root" {
					t.Fatalf("unexpected thread: %q", in.ThreadID)
				}
			},
		},
		{
			name: "encrypted image",
			evt: messageEvent(&event.MessageEventContent{
				MsgType: event.MsgImage,
				Body:    "cat.gif",
				File:    file,
				Info:    &event.FileInfo{MimeType: "image/gif", Size: 12, Width: 3, Height: 2},
			}),
			check: func(t *testing.T, in channel.InboundEvent) {
				if in.Kind != channel.ContentMedia || !in.Encrypted || len(in.Attachments) != 1 {
					t.Fatalf("unexpected media event: %+v", in)
				}
				att := in.Attachments[0]
				if att.Type != channel.AttachmentGIF || att.URL != "mxc://example.org/secret" || att.Name != "cat.gif" {
					t.Fatalf("unexpected attachment: %+v", att)
				}
				if att.Metadata[metaEncryptedFile] != file {
					t.Fatalf("encrypted file info should be carried in metadata")
				}
			},
		},
		{
			name: "location",
			evt: messageEvent(&event.MessageEventContent{
				MsgType: event.MsgLocation,
				Body:    "Office",
				GeoURI:  "geo:51.5,-0.12",
			}),
			check: func(t *testing.T, in channel.InboundEvent) {
				if in.Kind != channel.ContentLocation || in.Location == nil || in.Location.Name != "Office" {
					t.Fatalf("unexpected location event: %+v", in)
				}
			},
		},
		{
			name: "megolm event is flagged",
			evt: &event.Event{
				ID: "$enc", RoomID: "!room:example.org", Sender: "@alice:example.org", Type: event.EventEncrypted,
			},
			check: func(t *testing.T, in channel.InboundEvent) {
				if !in.Encrypted || in.Kind != channel.ContentUnsupported {
					t.Fatalf("unexpected encrypted event: %+v", in)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in, ok := buildInboundEvent("mx", testSelf, tc.evt, tc.room)
			if !ok {
				t.Fatalf("expected event")
			}
			tc.check(t, in)
		})
	}

	if _, ok := buildInboundEvent("mx", testSelf, &event.Event{ID: "$x"}, roomInfo{}); ok {
		t.Fatalf("event without room should be skipped")
	}
}

func TestParsePoll(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"org.matrix.msc3381.poll.start":{"question":{"org.matrix.msc1767.text":"Lunch?"},"max_selections":2,"answers":[{"id":"a","org.matrix.msc1767.text":"pizza"},{"id":"b","org.matrix.msc1767.text":" "}]}}`)
	poll := parsePoll(raw)
	if poll == nil || poll.Question != "Lunch?" || !poll.Multiple {
		t.Fatalf("unexpected poll: %+v", poll)
	}
	if len(poll.Options) != 1 || poll.Options[0] != "pizza" {
		t.Fatalf("blank answers should be dropped: %v", poll.Options)
	}

	stable := json.RawMessage(`{"m.poll":{"question":{"m.text":[{"body":"Ship it?"}]},"answers":[{"id":"y","m.text":[{"body":"yes"}]}]}}`)
	if poll := parsePoll(stable); poll == nil || poll.Question != "Ship it?" || poll.Multiple {
		t.Fatalf("unexpected stable poll: %+v", poll)
	}
	if parsePoll(json.RawMessage(`{}`)) != nil {
		t.Fatalf("empty content is not a poll")
	}
}

func TestStripReplyFallback(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"> <@a:b> quoted\n> more\n\nanswer": "answer",
		"plain text":                        "plain text",
		"> only a quote":                    "> only a quote",
	}
	for in, want := range cases {
		if got := stripReplyFallback(in); got != want {
			t.Fatalf("stripReplyFallback(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	valid := map[string]any{
		"homeserver":   "https://matrix.example.org/",
		"user_id":      "@gate:example.org",
		"access_token": "syt_secret",
		"auto_join":    "true",
	}
	cfg, err := parseConfig(valid)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Homeserver != "https://matrix.example.org" || !cfg.AutoJoin {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if strings.Contains(cfg.poolKey().Identity, "syt_secret") {
		t.Fatalf("pool key must not contain the access token")
	}

	for _, broken := range []map[string]any{
		{"user_id": "@gate:example.org", "access_token": "x"},
		{"homeserver": "ftp://example.org", "user_id": "@gate:example.org", "access_token": "x"},
		{"homeserver": "https://example.org", "user_id": "gate", "access_token": "x"},
		{"homeserver": "https://example.org", "user_id": "@gate:example.org"},
		{"homeserver": "https://example.org", "user_id": "@gate:example.org", "access_token": "x", "auto_join": "maybe"},
	} {
		if _, err := parseConfig(broken); err == nil {
			t.Fatalf("expected error for %v", broken)
		}
	}
}

func TestDecryptorRoundTrip(t *testing.T) {
	t.Parallel()

	plain := []byte("voice note bytes")
	ef := attachment.NewEncryptedFile()
	data := bytes.Clone(plain)
	ef.EncryptInPlace(data)
	file := &event.EncryptedFileInfo{EncryptedFile: *ef, URL: "mxc://example.org/v"}

	got, err := decryptor(file)(data)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("unexpected plaintext: %q", got)
	}
}

func TestApplyRelation(t *testing.T) {
	t.Parallel()

	content := &event.MessageEventContent{}
	applyRelation(content, channel.Message{Thread: &channel.ThreadRef{ID: "$root"}})
	if content.RelatesTo == nil || content.RelatesTo.Type != event.RelThread || !content.RelatesTo.IsFallingBack {
		t.Fatalf("unexpected thread relation: %+v", content.RelatesTo)
	}
	if content.RelatesTo.InReplyTo.EventID != "$root" {
		t.Fatalf("thread fallback should point at the root")
	}

	content = &event.MessageEventContent{}
	applyRelation(content, channel.Message{Reply: &channel.ReplyRef{MessageID: "$p"}})
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo.EventID != "$p" || content.RelatesTo.Type != "" {
		t.Fatalf("unexpected reply relation: %+v", content.RelatesTo)
	}
}

func TestSendPostsTextThenMedia(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !strings.Contains(r.URL.Path, "/send/m.room.message/") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		n := len(bodies)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$sent" + string(rune('0'+n))})
	}))
	t.Cleanup(srv.Close)

	adapter := NewAdapter(nil, srv.Client())
	cfg := channel.ChannelConfig{ID: "mx", ChannelType: Type, Credentials: map[string]any{
		"homeserver":   srv.URL,
		"user_id":      "@gate:example.org",
		"access_token": "tok",
	}}
	err := adapter.Send(context.Background(), cfg, channel.OutboundMessage{
		Target: "!room:example.org",
		Message: channel.Message{
			Format: channel.MessageFormatPlain,
			Text:   "here you go",
			Attachments: []channel.Attachment{
				{Type: channel.AttachmentImage, URL: "mxc://example.org/img", Name: "img.png", Mime: "image/png"},
				{Type: channel.AttachmentFile, URL: "https://example.org/r.pdf"},
			},
			Reply: &channel.ReplyRef{MessageID: "$parent"},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 events, got %d", len(bodies))
	}
	if bodies[0]["body"] != "here you go\nhttps://example.org/r.pdf" || bodies[0]["msgtype"] != "m.text" {
		t.Fatalf("unexpected text event: %v", bodies[0])
	}
	if _, ok := bodies[0]["m.relates_to"]; !ok {
		t.Fatalf("first event should carry the reply")
	}
	if bodies[1]["msgtype"] != "m.image" || bodies[1]["url"] != "mxc://example.org/img" {
		t.Fatalf("unexpected media event: %v", bodies[1])
	}
	if _, ok := bodies[1]["m.relates_to"]; ok {
		t.Fatalf("only the first event should carry the reply")
	}
	if !adapter.sent.Contains("$sent1") || !adapter.sent.Contains("$sent2") {
		t.Fatalf("sent events should be remembered")
	}

	if err := adapter.Send(context.Background(), cfg, channel.OutboundMessage{Target: "room", Message: channel.Message{Text: "x"}}); err == nil {
		t.Fatalf("expected invalid target error")
	}
}

func TestRoomInfoFetchedOncePerRoom(t *testing.T) {
	t.Parallel()

	var (
		mu          sync.Mutex
		memberCalls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/joined_members") {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		memberCalls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"joined":{"@gate:example.org":{"display_name":"Gate"},"@alice:example.org":{"display_name":"Alice"}}}`))
	}))
	t.Cleanup(srv.Close)

	adapter := NewAdapter(nil, srv.Client())
	cfg := channel.ChannelConfig{ID: "mx", ChannelType: Type, Credentials: map[string]any{
		"homeserver":   srv.URL,
		"user_id":      "@gate:example.org",
		"access_token": "tok",
	}}
	client, _, err := adapter.client(context.Background(), cfg)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	for i := 0; i < 3; i++ {
		info := adapter.room(context.Background(), cfg.ID, client, "!room:example.org")
		if !info.DM || info.Members["@alice:example.org"] != "Alice" {
			t.Fatalf("unexpected room info: %+v", info)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if memberCalls != 1 {
		t.Fatalf("expected one members lookup, got %d", memberCalls)
	}
}
