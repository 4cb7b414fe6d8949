package stream

import (
	"encoding/json"
	"strings"
	"time"
)

// Message types carried on the messages stream.
const (
	TypeUserInput     = "user_input"
	TypeAgentResponse = "agent_response"
	TypeToolCall      = "tool_call"
	TypeToolResult    = "tool_result"
	TypeHeartbeat     = "heartbeat"
	TypeScheduledTask = "scheduled_task"
	TypeError         = "error"
)

// TargetAgent addresses the agent process itself.
const TargetAgent = "agent"

// ChannelTarget builds the routing target for a channel adapter, e.g.
// "channel:telegram".
func ChannelTarget(channel string) string {
	return "channel:" + channel
}

// SkillTarget builds the routing target for a skill consumer.
func SkillTarget(skill string) string {
	return "skill:" + skill
}

// ChannelFromSource extracts the channel name from a source field, or the
// source itself when it carries no prefix.
func ChannelFromSource(source string) string {
	if name, ok := strings.CutPrefix(source, "channel:"); ok {
		return name
	}
	return source
}

// Message is the unit of the shared bus. Rows are immutable once appended;
// conversation ordering is by Timestamp ascending.
type Message struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	Target          string    `json:"target"`
	SessionID       string    `json:"session_id"`
	MessageType     string    `json:"message_type"`
	Content         string    `json:"content"`
	UserID          string    `json:"user_id"`
	ChannelMetadata string    `json:"channel_metadata"`
	Priority        int       `json:"priority"`
}

// MessageFromRow converts a raw stream row into a Message. Missing or
// oddly typed columns degrade to zero values rather than failing.
func MessageFromRow(row Row) Message {
	msg := Message{
		ID:              stringField(row, "id"),
		Source:          stringField(row, "source"),
		Target:          stringField(row, "target"),
		SessionID:       stringField(row, "session_id"),
		MessageType:     stringField(row, "message_type"),
		Content:         stringField(row, "content"),
		UserID:          stringField(row, "user_id"),
		ChannelMetadata: stringField(row, "channel_metadata"),
	}
	switch v := row["priority"].(type) {
	case float64:
		msg.Priority = int(v)
	case int:
		msg.Priority = v
	}
	if ts := stringField(row, "timestamp"); ts != "" {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, ts); err == nil {
				msg.Timestamp = t
				break
			}
		}
	}
	return msg
}

// Row converts the message to an insertable row. Zero ID/Timestamp are
// left out so the Writer can fill defaults.
func (m Message) Row() Row {
	row := Row{
		"source":           m.Source,
		"target":           m.Target,
		"session_id":       m.SessionID,
		"message_type":     m.MessageType,
		"content":          m.Content,
		"user_id":          m.UserID,
		"channel_metadata": m.ChannelMetadata,
		"priority":         m.Priority,
	}
	if m.ID != "" {
		row["id"] = m.ID
	}
	if !m.Timestamp.IsZero() {
		row["timestamp"] = m.Timestamp.UTC().Format("2006-01-02 15:04:05.000")
	}
	return row
}

// Text extracts the "text" field from JSON content. Malformed content is
// treated as plain text rather than rejected.
func (m Message) Text() string {
	var payload map[string]any
	if err := json.Unmarshal([]byte(m.Content), &payload); err != nil {
		return m.Content
	}
	if text, ok := payload["text"].(string); ok {
		return text
	}
	return m.Content
}

// TextContent wraps plain text in the canonical {"text": ...} payload.
func TextContent(text string) string {
	b, _ := json.Marshal(map[string]string{"text": text})
	return string(b)
}

func stringField(row Row, key string) string {
	s, _ := row[key].(string)
	return s
}
