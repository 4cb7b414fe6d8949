package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pulse/internal/logging"
	"pulse/internal/stream"
)

const (
	telegramAPIBase = "https://api.telegram.org"

	// pollTimeout is the server-side long-poll hold; the HTTP client
	// timeout must exceed it.
	pollTimeout = 30 * time.Second
)

const telegramGreeting = "Hello! I'm your assistant. Send me a message to get started!"

const telegramHelp = `Just send me a message and I'll help you with:
- Answering questions
- Web search
- File operations
- And more!

Commands:
/start - Start the bot
/help - Show this help message`

// Telegram bridges Telegram chats onto the bus via Bot API long polling.
// Each chat gets a sticky session id for conversation continuity.
type Telegram struct {
	token        string
	apiBase      string
	allowedUsers map[int64]bool

	http   *http.Client
	writer *stream.Writer
	reader *stream.Reader
	logger logging.Logger

	mu       sync.Mutex
	sessions map[int64]string // chat id -> session id
}

// TelegramOption adjusts a Telegram channel.
type TelegramOption func(*Telegram)

// WithAllowedUsers restricts the bot to specific Telegram user ids.
func WithAllowedUsers(userIDs ...int64) TelegramOption {
	return func(t *Telegram) {
		t.allowedUsers = make(map[int64]bool, len(userIDs))
		for _, id := range userIDs {
			t.allowedUsers[id] = true
		}
	}
}

// WithAPIBase overrides the Bot API endpoint, used by tests.
func WithAPIBase(base string) TelegramOption {
	return func(t *Telegram) {
		t.apiBase = strings.TrimRight(base, "/")
	}
}

// NewTelegram creates the adapter. tailClient and batchClient must be
// distinct connections: the response listener holds a live query open.
func NewTelegram(token string, tailClient, batchClient stream.Client, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:    token,
		apiBase:  telegramAPIBase,
		http:     &http.Client{Timeout: pollTimeout + 15*time.Second},
		writer:   stream.NewWriter(batchClient, stream.MessagesStream),
		reader:   stream.NewReader(tailClient, stream.MessagesStream),
		logger:   logging.NewComponentLogger("Telegram"),
		sessions: map[int64]string{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Telegram) Name() string { return "telegram" }

// Run polls Telegram for updates and relays agent responses until ctx is
// cancelled.
func (t *Telegram) Run(ctx context.Context) error {
	t.logger.Info("starting telegram channel")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.pollUpdates(ctx) })
	g.Go(func() error { return t.listenResponses(ctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (t *Telegram) pollUpdates(ctx context.Context) error {
	var offset int64
	for ctx.Err() == nil {
		updates, err := t.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("getUpdates failed: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			t.handleUpdate(ctx, upd)
		}
	}
	return nil
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64) ([]tgUpdate, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=%d&offset=%d",
		t.apiBase, t.token, int(pollTimeout.Seconds()), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var envelope tgResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !envelope.OK {
		return nil, fmt.Errorf("telegram api error: %s", envelope.Description)
	}
	var updates []tgUpdate
	if err := json.Unmarshal(envelope.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) handleUpdate(ctx context.Context, upd tgUpdate) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if len(t.allowedUsers) > 0 && !t.allowedUsers[userID] {
		t.reply(ctx, chatID, "Sorry, you're not authorized to use this bot.")
		return
	}

	switch msg.Text {
	case "/start":
		t.reply(ctx, chatID, telegramGreeting)
		return
	case "/help":
		t.reply(ctx, chatID, telegramHelp)
		return
	}

	sessionID := t.sessionFor(chatID)
	t.logger.Info("received telegram message chat=%d session=%s length=%d",
		chatID, sessionID, len(msg.Text))

	metadata, _ := json.Marshal(map[string]any{
		"chat_id":    chatID,
		"message_id": msg.MessageID,
		"username":   msg.From.Username,
	})

	if _, err := t.writer.WriteMessage(ctx, stream.Message{
		Source:          t.Name(),
		Target:          stream.TargetAgent,
		SessionID:       sessionID,
		MessageType:     stream.TypeUserInput,
		Content:         stream.TextContent(msg.Text),
		UserID:          strconv.FormatInt(userID, 10),
		ChannelMetadata: string(metadata),
	}); err != nil {
		t.logger.Error("failed to route telegram message: %v", err)
	}
}

func (t *Telegram) listenResponses(ctx context.Context) error {
	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE target = '%s' AND message_type = '%s' SETTINGS seek_to='latest'",
		stream.MessagesStream, stream.ChannelTarget(t.Name()), stream.TypeAgentResponse,
	)
	cursor, err := t.reader.Tail(ctx, query, "latest")
	if err != nil {
		return fmt.Errorf("failed to open response tail: %w", err)
	}
	defer cursor.Close()

	for cursor.Next() {
		if ctx.Err() != nil {
			break
		}
		msg := stream.MessageFromRow(cursor.Row())
		text := msg.Text()
		if text == "" {
			continue
		}
		chatID := t.chatFor(msg)
		if chatID == 0 {
			t.logger.Warn("cannot find chat for session: %s", msg.SessionID)
			continue
		}
		t.reply(ctx, chatID, text)
	}
	if err := cursor.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("response tail broke: %w", err)
	}
	return nil
}

// chatFor resolves the destination chat from the response metadata,
// falling back to the session map.
func (t *Telegram) chatFor(msg stream.Message) int64 {
	var metadata struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := json.Unmarshal([]byte(msg.ChannelMetadata), &metadata); err == nil && metadata.ChatID != 0 {
		return metadata.ChatID
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for chatID, sessionID := range t.sessions {
		if sessionID == msg.SessionID {
			return chatID
		}
	}
	return 0
}

func (t *Telegram) reply(ctx context.Context, chatID int64, text string) {
	payload, _ := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		t.logger.Error("sendMessage failed: %v", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		t.logger.Warn("sendMessage status %d for chat %d", resp.StatusCode, chatID)
	}
}

func (t *Telegram) sessionFor(chatID int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.sessions[chatID]; ok {
		return id
	}
	id := fmt.Sprintf("tg_%d_%s", chatID, uuid.NewString()[:8])
	t.sessions[chatID] = id
	return id
}
