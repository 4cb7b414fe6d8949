package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pulse/internal/stream"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsInbound is what the browser sends: {"type": "message", "text": "..."}.
type wsInbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// websocketChat bridges one browser session onto the bus. Inbound frames
// become user_input rows; agent_response and tool_call rows for the
// session are pushed back as JSON frames.
func (s *Server) websocketChat(c *gin.Context) {
	sessionID := c.Param("session_id")

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if s.newTail == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "server not initialized"),
			time.Now().Add(time.Second))
		return
	}

	s.logger.Info("websocket connected session=%s", sessionID)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// writes is the single writer goroutine's inbox; gorilla connections
	// allow one concurrent writer only.
	writes := make(chan any, 16)
	go func() {
		for {
			select {
			case frame := <-writes:
				if err := conn.WriteJSON(frame); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go s.pushResponses(ctx, sessionID, writes)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("websocket disconnected session=%s", sessionID)
			return
		}
		var inbound wsInbound
		if err := json.Unmarshal(data, &inbound); err != nil || inbound.Type != "message" {
			continue
		}
		if _, err := s.writer.WriteMessage(ctx, stream.Message{
			Source:      "webchat",
			Target:      stream.TargetAgent,
			SessionID:   sessionID,
			MessageType: stream.TypeUserInput,
			Content:     stream.TextContent(inbound.Text),
		}); err != nil {
			s.logger.Error("failed to route websocket message: %v", err)
		}
	}
}

// pushResponses tails the bus for this session and forwards frames until
// ctx is cancelled.
func (s *Server) pushResponses(ctx context.Context, sessionID string, writes chan<- any) {
	tail := s.newTail()
	reader := stream.NewReader(tail, stream.MessagesStream)

	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE session_id = %s AND target = '%s' "+
			"AND message_type IN ('%s', '%s') SETTINGS seek_to='latest'",
		stream.MessagesStream, stream.QuoteString(sessionID), stream.ChannelTarget("webchat"),
		stream.TypeAgentResponse, stream.TypeToolCall,
	)

	cursor, err := reader.Tail(ctx, query, "latest")
	if err != nil {
		s.logger.Error("failed to open response tail session=%s: %v", sessionID, err)
		return
	}
	defer cursor.Close()

	for cursor.Next() {
		if ctx.Err() != nil {
			return
		}
		msg := stream.MessageFromRow(cursor.Row())
		frame := frameFor(msg)
		select {
		case writes <- frame:
		case <-ctx.Done():
			return
		}
	}
	if err := cursor.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("response tail broke session=%s: %v", sessionID, err)
	}
}

// frameFor converts a bus message to the browser wire shape.
func frameFor(msg stream.Message) map[string]any {
	if msg.MessageType == stream.TypeToolCall {
		var content map[string]any
		if err := json.Unmarshal([]byte(msg.Content), &content); err != nil {
			content = map[string]any{}
		}
		return map[string]any{
			"type":           "tool_call",
			"tool_name":      content["tool_name"],
			"status":         content["status"],
			"arguments":      content["arguments"],
			"args_summary":   content["args_summary"],
			"result_preview": content["result_preview"],
			"duration_ms":    content["duration_ms"],
			"message_id":     msg.ID,
		}
	}
	return map[string]any{
		"type":       "response",
		"text":       msg.Text(),
		"message_id": msg.ID,
	}
}
