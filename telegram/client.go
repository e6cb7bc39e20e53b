// Package telegram reads listings from a channel and writes tags,
// notifications and archive copies through the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aqar_pipeline/config"
	"aqar_pipeline/models"
)

const apiBaseURL = "https://api.telegram.org"

type Options struct {
	BaseURL string
}

type Client struct {
	cfg        config.TelegramConfig
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg config.TelegramConfig, httpClient *http.Client, opts Options, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = apiBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("component", "telegram"),
	}
	if strings.TrimSpace(cfg.NotificationBotToken) == "" {
		c.logger.Warn("notification bot not configured, using main bot")
	}
	return c
}

// Filter selects which channel posts are returned by FetchMessages.
type Filter struct {
	Limit int
	// Offset is the first update id to return; 0 means all pending updates.
	Offset int64
	// SkipTagged drops posts already carrying one of these tags.
	SkipTags []string
	// Since drops posts older than this time when non-zero.
	Since time.Time
}

// Batch is one getUpdates result. NextOffset acknowledges every update seen.
type Batch struct {
	Messages   []models.RawMessage
	NextOffset int64
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type update struct {
	UpdateID    int64        `json:"update_id"`
	ChannelPost *channelPost `json:"channel_post"`
}

type channelPost struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// FetchMessages returns text posts from the configured channel that pass f.
func (c *Client) FetchMessages(ctx context.Context, f Filter) (Batch, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	params := map[string]interface{}{
		"limit":           f.Limit,
		"allowed_updates": []string{"channel_post"},
	}
	if f.Offset > 0 {
		params["offset"] = f.Offset
	}

	var updates []update
	if err := c.call(ctx, c.cfg.BotToken, "getUpdates", params, &updates); err != nil {
		return Batch{}, err
	}

	var batch Batch
	for _, u := range updates {
		if u.UpdateID >= batch.NextOffset {
			batch.NextOffset = u.UpdateID + 1
		}
		p := u.ChannelPost
		if p == nil || strconv.FormatInt(p.Chat.ID, 10) != c.cfg.ChannelID {
			continue
		}
		text := p.Text
		if text == "" {
			text = p.Caption
		}
		msg := models.RawMessage{
			ID:        p.MessageID,
			Text:      text,
			Timestamp: time.Unix(p.Date, 0),
		}
		if !keep(msg, f) {
			continue
		}
		batch.Messages = append(batch.Messages, msg)
	}
	c.logger.Info("fetched channel messages", "count", len(batch.Messages), "updates", len(updates))
	return batch, nil
}

func keep(msg models.RawMessage, f Filter) bool {
	if strings.TrimSpace(msg.Text) == "" {
		return false
	}
	for _, tag := range f.SkipTags {
		if tag != "" && strings.Contains(msg.Text, tag) {
			return false
		}
	}
	if !f.Since.IsZero() && msg.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// SendMessage posts HTML text to the channel with the main bot and returns
// the new message id.
func (c *Client) SendMessage(ctx context.Context, text string) (int64, error) {
	return c.send(ctx, c.cfg.BotToken, c.cfg.ChannelID, text)
}

// Notify posts to the notification chat with the notification bot, falling
// back to the main bot and the channel when either is unset.
func (c *Client) Notify(ctx context.Context, text string) error {
	token := c.cfg.NotificationBotToken
	if strings.TrimSpace(token) == "" {
		token = c.cfg.BotToken
	}
	chat := c.cfg.NotificationChatID
	if chat == "" {
		chat = c.cfg.ChannelID
	}
	_, err := c.send(ctx, token, chat, text)
	return err
}

func (c *Client) EditMessage(ctx context.Context, messageID int64, text string) error {
	return c.call(ctx, c.cfg.BotToken, "editMessageText", map[string]interface{}{
		"chat_id":    c.cfg.ChannelID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": "HTML",
	}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.call(ctx, c.cfg.BotToken, "deleteMessage", map[string]interface{}{
		"chat_id":    c.cfg.ChannelID,
		"message_id": messageID,
	}, nil)
}

// TagMessage prefixes the post with tag. Text is the post's current plain
// content and is escaped for HTML parse mode.
func (c *Client) TagMessage(ctx context.Context, messageID int64, tag, text string) error {
	return c.EditMessage(ctx, messageID, fmt.Sprintf("%s\n\n%s", html.EscapeString(tag), html.EscapeString(text)))
}

// ArchiveMessage copies the original post to the archive channel. Without an
// archive channel it is a no-op.
func (c *Client) ArchiveMessage(ctx context.Context, text string, originalID int64) error {
	if c.cfg.ArchiveChannelID == "" {
		return nil
	}
	body := fmt.Sprintf("📁 <b>مؤرشف من الرسالة #%d</b>\n\n%s", originalID, html.EscapeString(text))
	_, err := c.send(ctx, c.cfg.BotToken, c.cfg.ArchiveChannelID, body)
	return err
}

func (c *Client) send(ctx context.Context, token, chatID, text string) (int64, error) {
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, token, "sendMessage", map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (c *Client) call(ctx context.Context, token, method string, params map[string]interface{}, out interface{}) error {
	buf, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}
	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("telegram %s returned %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !r.OK || resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram %s returned %d: %s", method, resp.StatusCode, r.Description)
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}
