package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulse/internal/logging"
)

// Reader consumes a single named stream, either live or historically.
type Reader struct {
	client Client
	name   string
	logger logging.Logger
}

// NewReader creates a reader bound to one stream. The client it holds must
// not be shared with concurrent batch writers (two-connection rule).
func NewReader(client Client, name string) *Reader {
	return &Reader{
		client: client,
		name:   name,
		logger: logging.NewComponentLogger("StreamReader"),
	}
}

// Tail opens a live query over the stream. When query is empty, all rows
// from the given seek position are yielded.
func (r *Reader) Tail(ctx context.Context, query, seekTo string) (*Cursor, error) {
	if seekTo == "" {
		seekTo = "latest"
	}
	if query == "" {
		query = fmt.Sprintf("SELECT * FROM %s SETTINGS seek_to=%s", r.name, QuoteString(seekTo))
	}
	r.logger.Info("tailing stream=%s seek_to=%s", r.name, seekTo)
	return r.client.Stream(ctx, query)
}

// HistoryFilter bounds a historical read.
type HistoryFilter struct {
	SessionID    string
	MessageTypes []string
	Since        time.Time
	Limit        int
}

// ReadHistory returns historical rows, newest first.
func (r *Reader) ReadHistory(ctx context.Context, f HistoryFilter) ([]Row, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	var conditions []string
	if f.SessionID != "" {
		conditions = append(conditions, "session_id = "+QuoteString(f.SessionID))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "timestamp >= "+QuoteString(f.Since.UTC().Format("2006-01-02 15:04:05")))
	}
	if len(f.MessageTypes) > 0 {
		quoted := make([]string, len(f.MessageTypes))
		for i, t := range f.MessageTypes {
			quoted[i] = QuoteString(t)
		}
		conditions = append(conditions, fmt.Sprintf("message_type IN (%s)", strings.Join(quoted, ", ")))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	sql := fmt.Sprintf(
		"SELECT * FROM table(%s) %s ORDER BY timestamp DESC LIMIT %d",
		r.name, where, f.Limit,
	)
	return r.client.Query(ctx, sql)
}

// Conversation returns the conversational messages of one session in
// chronological order.
func (r *Reader) Conversation(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := r.ReadHistory(ctx, HistoryFilter{
		SessionID:    sessionID,
		Limit:        limit,
		MessageTypes: []string{TypeUserInput, TypeAgentResponse, TypeToolCall, TypeToolResult},
	})
	if err != nil {
		return nil, err
	}

	// Rows arrive newest first; reverse into chronological order.
	messages := make([]Message, len(rows))
	for i, row := range rows {
		messages[len(rows)-1-i] = MessageFromRow(row)
	}
	return messages, nil
}

// Writer appends rows to a single named stream, filling id and timestamp
// defaults.
type Writer struct {
	client Client
	name   string
	logger logging.Logger
}

// NewWriter creates a writer bound to one stream.
func NewWriter(client Client, name string) *Writer {
	return &Writer{
		client: client,
		name:   name,
		logger: logging.NewComponentLogger("StreamWriter"),
	}
}

// Write appends one row and returns its id.
func (w *Writer) Write(ctx context.Context, row Row) (string, error) {
	ids, err := w.WriteBatch(ctx, []Row{row})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// WriteBatch appends several rows at once and returns their ids.
func (w *Writer) WriteBatch(ctx context.Context, rows []Row) ([]string, error) {
	ids := make([]string, len(rows))
	for i, row := range rows {
		id, ok := row["id"].(string)
		if !ok || id == "" {
			id = uuid.NewString()
			row["id"] = id
		}
		ids[i] = id
		if _, ok := row["timestamp"]; !ok {
			row["timestamp"] = time.Now().UTC().Format("2006-01-02 15:04:05.000")
		}
	}

	if err := w.client.Insert(ctx, w.name, rows); err != nil {
		return nil, err
	}
	w.logger.Debug("wrote stream=%s rows=%d", w.name, len(rows))
	return ids, nil
}

// WriteMessage appends a structured bus message and returns its id.
func (w *Writer) WriteMessage(ctx context.Context, msg Message) (string, error) {
	return w.Write(ctx, msg.Row())
}
