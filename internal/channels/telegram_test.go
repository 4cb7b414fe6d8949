package channels

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/stream"
)

type fakeClient struct {
	inserted []stream.Row
}

func (f *fakeClient) Execute(_ context.Context, _ string) error { return nil }

func (f *fakeClient) Query(_ context.Context, _ string) ([]stream.Row, error) { return nil, nil }

func (f *fakeClient) Insert(_ context.Context, _ string, rows []stream.Row) error {
	f.inserted = append(f.inserted, rows...)
	return nil
}

func (f *fakeClient) Stream(_ context.Context, _ string) (*stream.Cursor, error) {
	panic("not used")
}

// fakeBotAPI records sendMessage calls.
type fakeBotAPI struct {
	server *httptest.Server
	sent   []map[string]any
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	api := &fakeBotAPI{}
	api.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			var payload map[string]any
			require.NoError(t, json.Unmarshal(body, &payload))
			api.sent = append(api.sent, payload)
			w.Write([]byte(`{"ok": true, "result": {}}`))
			return
		}
		w.Write([]byte(`{"ok": true, "result": []}`))
	}))
	t.Cleanup(api.server.Close)
	return api
}

func textUpdate(chatID, userID int64, text string) tgUpdate {
	var upd tgUpdate
	raw := map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 42,
			"from":       map[string]any{"id": userID, "username": "ada"},
			"chat":       map[string]any{"id": chatID},
			"text":       text,
		},
	}
	b, _ := json.Marshal(raw)
	json.Unmarshal(b, &upd)
	return upd
}

func TestTelegramRoutesMessageToAgent(t *testing.T) {
	client := &fakeClient{}
	api := newFakeBotAPI(t)
	tg := NewTelegram("token", client, client, WithAPIBase(api.server.URL))

	tg.handleUpdate(context.Background(), textUpdate(100, 7, "hello agent"))

	require.Len(t, client.inserted, 1)
	msg := stream.MessageFromRow(client.inserted[0])
	assert.Equal(t, "telegram", msg.Source)
	assert.Equal(t, stream.TargetAgent, msg.Target)
	assert.Equal(t, stream.TypeUserInput, msg.MessageType)
	assert.Equal(t, "hello agent", msg.Text())
	assert.Equal(t, "7", msg.UserID)

	var metadata map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.ChannelMetadata), &metadata))
	assert.EqualValues(t, 100, metadata["chat_id"])
	assert.Equal(t, "ada", metadata["username"])
}

func TestTelegramSessionIsStickyPerChat(t *testing.T) {
	client := &fakeClient{}
	tg := NewTelegram("token", client, client)

	first := tg.sessionFor(100)
	second := tg.sessionFor(100)
	other := tg.sessionFor(200)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Contains(t, first, "tg_100_")
}

func TestTelegramCommandsAnsweredDirectly(t *testing.T) {
	client := &fakeClient{}
	api := newFakeBotAPI(t)
	tg := NewTelegram("token", client, client, WithAPIBase(api.server.URL))

	tg.handleUpdate(context.Background(), textUpdate(100, 7, "/start"))
	tg.handleUpdate(context.Background(), textUpdate(100, 7, "/help"))

	assert.Empty(t, client.inserted, "commands must not reach the agent")
	require.Len(t, api.sent, 2)
	assert.Contains(t, api.sent[0]["text"], "Send me a message")
	assert.Contains(t, api.sent[1]["text"], "/help - Show this help message")
}

func TestTelegramRejectsDisallowedUser(t *testing.T) {
	client := &fakeClient{}
	api := newFakeBotAPI(t)
	tg := NewTelegram("token", client, client,
		WithAPIBase(api.server.URL), WithAllowedUsers(1, 2))

	tg.handleUpdate(context.Background(), textUpdate(100, 99, "let me in"))

	assert.Empty(t, client.inserted)
	require.Len(t, api.sent, 1)
	assert.Contains(t, api.sent[0]["text"], "not authorized")
}

func TestChatForPrefersMetadata(t *testing.T) {
	client := &fakeClient{}
	tg := NewTelegram("token", client, client)
	tg.sessions[500] = "sess-x"

	withMetadata := stream.Message{
		SessionID:       "sess-x",
		ChannelMetadata: `{"chat_id": 123}`,
	}
	assert.EqualValues(t, 123, tg.chatFor(withMetadata))

	fromSessions := stream.Message{SessionID: "sess-x"}
	assert.EqualValues(t, 500, tg.chatFor(fromSessions))

	unknown := stream.Message{SessionID: "nope"}
	assert.EqualValues(t, 0, tg.chatFor(unknown))
}
