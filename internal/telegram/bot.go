package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// Update represents a Telegram Bot API update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message represents a Telegram message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User is the sender of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Chat represents a Telegram chat.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// BotCommand is an entry of the bot's command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Bot is a minimal Telegram Bot API client.
type Bot struct {
	base   string
	token  string
	chatID int64
	client *http.Client
}

// Option configures a Bot.
type Option func(*Bot)

// WithAPIBase points the bot at another Bot API server.
func WithAPIBase(base string) Option {
	return func(b *Bot) { b.base = strings.TrimRight(base, "/") }
}

// NewBot creates a new Telegram bot client. If chatID is 0, push
// notifications via SendMessage are disabled (the bot can still
// respond to incoming commands via SendMessageTo).
func NewBot(token string, chatID int64, opts ...Option) *Bot {
	b := &Bot{
		base:   DefaultAPIBase,
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ChatID returns the chat push notifications go to.
func (b *Bot) ChatID() int64 { return b.chatID }

func (b *Bot) url(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.base, b.token, method)
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// SendMessage sends a text message to the configured chat.
// It is a no-op if no chat_id was configured.
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	if b.chatID == 0 {
		return nil
	}
	return b.sendMessageTo(ctx, b.chatID, text, "")
}

// SendMessageTo sends a text message to the specified chat.
func (b *Bot) SendMessageTo(ctx context.Context, chatID int64, text string) error {
	return b.sendMessageTo(ctx, chatID, text, "")
}

// SendMessageHTML sends a message rendered with HTML parse mode.
func (b *Bot) SendMessageHTML(ctx context.Context, chatID int64, text string) error {
	return b.sendMessageTo(ctx, chatID, text, "HTML")
}

func (b *Bot) sendMessageTo(ctx context.Context, chatID int64, text, parseMode string) error {
	return b.postJSON(ctx, "sendMessage", sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
	}, nil)
}

type setMyCommandsRequest struct {
	Commands []BotCommand `json:"commands"`
}

// SetMyCommands replaces the bot's command menu.
func (b *Bot) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return b.postJSON(ctx, "setMyCommands", setMyCommandsRequest{Commands: commands}, nil)
}

// SendDocument uploads data as a file to the specified chat.
func (b *Bot) SendDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) error {
	var body bytes.Buffer
	fw := newFormWriter(&body)
	fw.field("chat_id", strconv.FormatInt(chatID, 10))
	if caption != "" {
		fw.field("caption", caption)
	}
	fw.file("document", filename, data)
	if err := fw.close(); err != nil {
		return fmt.Errorf("sendDocument: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url("sendDocument"), &body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", fw.contentType())
	if err := b.do(b.client, req, nil); err != nil {
		return fmt.Errorf("sendDocument: %w", err)
	}
	return nil
}

type getUpdatesRequest struct {
	Offset  int64 `json:"offset"`
	Timeout int   `json:"timeout"`
}

// GetUpdates performs a long-poll request for new updates.
func (b *Bot) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	body, err := json.Marshal(getUpdatesRequest{Offset: offset, Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url("getUpdates"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Use a longer HTTP timeout to accommodate the Telegram long-poll timeout.
	httpClient := &http.Client{Timeout: time.Duration(timeout+10) * time.Second}
	var updates []Update
	if err := b.do(httpClient, req, &updates); err != nil {
		return nil, fmt.Errorf("polling updates: %w", err)
	}
	return updates, nil
}

func (b *Bot) postJSON(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := b.do(b.client, req, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (b *Bot) do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var env apiResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if !env.OK {
		return fmt.Errorf("telegram API error: %s", env.Description)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("parsing result: %w", err)
		}
	}
	return nil
}
