package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aqar_pipeline/config"
)

type call struct {
	Path   string
	Params map[string]interface{}
}

func newTestClient(t *testing.T, cfg config.TelegramConfig, result string) (*Client, *[]call) {
	t.Helper()
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&params)
		calls = append(calls, call{Path: r.URL.Path, Params: params})
		_, _ = w.Write([]byte(`{"ok":true,"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)
	return New(cfg, srv.Client(), Options{BaseURL: srv.URL}, nil), &calls
}

var baseConfig = config.TelegramConfig{
	BotToken:  "main",
	ChannelID: "-100",
}

func TestFetchMessages_Filters(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	updates := `[
		{"update_id": 10, "channel_post": {"message_id": 1, "date": ` + unix(since.Add(time.Hour)) + `, "text": "شقة في نرجس", "chat": {"id": -100}}},
		{"update_id": 11, "channel_post": {"message_id": 2, "date": ` + unix(since.Add(time.Hour)) + `, "text": "عقار ناجح ✅\n\nشقة", "chat": {"id": -100}}},
		{"update_id": 12, "channel_post": {"message_id": 3, "date": ` + unix(since.Add(-time.Hour)) + `, "text": "قديمة", "chat": {"id": -100}}},
		{"update_id": 13, "channel_post": {"message_id": 4, "date": ` + unix(since.Add(time.Hour)) + `, "text": "قناة أخرى", "chat": {"id": -200}}},
		{"update_id": 14, "channel_post": {"message_id": 5, "date": ` + unix(since.Add(time.Hour)) + `, "text": "  ", "chat": {"id": -100}}},
		{"update_id": 15}
	]`
	c, calls := newTestClient(t, baseConfig, updates)

	batch, err := c.FetchMessages(context.Background(), Filter{
		Limit:    50,
		SkipTags: []string{"عقار ناجح ✅"},
		Since:    since,
	})
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(batch.Messages) != 1 || batch.Messages[0].ID != 1 {
		t.Fatalf("messages = %+v", batch.Messages)
	}
	if batch.NextOffset != 16 {
		t.Fatalf("NextOffset = %d, want 16", batch.NextOffset)
	}
	if (*calls)[0].Path != "/botmain/getUpdates" {
		t.Fatalf("path = %s", (*calls)[0].Path)
	}
	allowed := (*calls)[0].Params["allowed_updates"].([]interface{})
	if allowed[0] != "channel_post" {
		t.Fatalf("allowed_updates = %v", allowed)
	}
}

func unix(t time.Time) string {
	b, _ := json.Marshal(t.Unix())
	return string(b)
}

func TestNotify_FallsBackToMainBot(t *testing.T) {
	c, calls := newTestClient(t, baseConfig, `{"message_id": 9}`)
	if err := c.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got := (*calls)[0]
	if got.Path != "/botmain/sendMessage" || got.Params["chat_id"] != "-100" {
		t.Fatalf("call = %+v", got)
	}
}

func TestNotify_UsesNotificationBot(t *testing.T) {
	cfg := baseConfig
	cfg.NotificationBotToken = "notify"
	cfg.NotificationChatID = "-300"
	c, calls := newTestClient(t, cfg, `{"message_id": 9}`)
	if err := c.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got := (*calls)[0]
	if got.Path != "/botnotify/sendMessage" || got.Params["chat_id"] != "-300" {
		t.Fatalf("call = %+v", got)
	}
}

func TestTagAndArchive(t *testing.T) {
	cfg := baseConfig
	cfg.ArchiveChannelID = "-400"
	c, calls := newTestClient(t, cfg, `{"message_id": 9}`)

	if err := c.TagMessage(context.Background(), 7, "عقار مكرر 🔄", "النص"); err != nil {
		t.Fatalf("TagMessage: %v", err)
	}
	if err := c.ArchiveMessage(context.Background(), "النص", 7); err != nil {
		t.Fatalf("ArchiveMessage: %v", err)
	}

	edit := (*calls)[0]
	if edit.Path != "/botmain/editMessageText" || edit.Params["text"] != "عقار مكرر 🔄\n\nالنص" {
		t.Fatalf("edit = %+v", edit)
	}
	archive := (*calls)[1]
	if archive.Params["chat_id"] != "-400" || !strings.HasPrefix(archive.Params["text"].(string), "📁 <b>مؤرشف من الرسالة #7</b>") {
		t.Fatalf("archive = %+v", archive)
	}
}

func TestTagAndArchive_EscapeText(t *testing.T) {
	cfg := baseConfig
	cfg.ArchiveChannelID = "-400"
	c, calls := newTestClient(t, cfg, `{"message_id": 9}`)
	text := "شقة <120 متر> & حديقة"

	if err := c.TagMessage(context.Background(), 7, "عقار مكرر 🔄", text); err != nil {
		t.Fatalf("TagMessage: %v", err)
	}
	if err := c.ArchiveMessage(context.Background(), text, 7); err != nil {
		t.Fatalf("ArchiveMessage: %v", err)
	}

	const escaped = "شقة &lt;120 متر&gt; &amp; حديقة"
	if got := (*calls)[0].Params["text"]; got != "عقار مكرر 🔄\n\n"+escaped {
		t.Fatalf("edit text = %q", got)
	}
	if got := (*calls)[1].Params["text"].(string); !strings.HasSuffix(got, "\n\n"+escaped) {
		t.Fatalf("archive text = %q", got)
	}
}

func TestArchiveMessage_NoChannel(t *testing.T) {
	c, calls := newTestClient(t, baseConfig, `true`)
	if err := c.ArchiveMessage(context.Background(), "النص", 7); err != nil {
		t.Fatalf("ArchiveMessage: %v", err)
	}
	if len(*calls) != 0 {
		t.Fatalf("expected no calls, got %d", len(*calls))
	}
}

func TestCall_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: message to edit not found"}`))
	}))
	defer srv.Close()
	c := New(baseConfig, srv.Client(), Options{BaseURL: srv.URL}, nil)

	err := c.DeleteMessage(context.Background(), 1)
	if err == nil || !strings.Contains(err.Error(), "message to edit not found") {
		t.Fatalf("err = %v", err)
	}
}
