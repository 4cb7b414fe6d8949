package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"pulse/internal/logging"
)

// Row is one result row, keyed by column name.
type Row map[string]any

// Client is the contract against the streaming SQL database. The database
// is treated as an append-only event log plus query engine; nothing here
// implements storage or indexing.
type Client interface {
	// Execute runs a DDL or command statement.
	Execute(ctx context.Context, stmt string) error

	// Query runs a bounded historical SELECT and returns all rows.
	Query(ctx context.Context, sql string) ([]Row, error)

	// Insert appends rows to a stream.
	Insert(ctx context.Context, stream string, rows []Row) error

	// Stream runs an unbounded live query. The cursor yields rows until
	// ctx is cancelled or the server closes the connection.
	Stream(ctx context.Context, sql string) (*Cursor, error)
}

// HTTPClient speaks the database's HTTP SQL API: statements are POSTed as
// plain text and results come back as NDJSON (JSONEachRow). Live queries
// are unbounded chunked responses decoded line by line.
//
// A single connection cannot multiplex a live streaming query with
// concurrent batch queries, so callers that need both hold two clients.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   logging.Logger
}

// Config configures an HTTPClient.
type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// NewHTTPClient creates a client for batch statements. The timeout applies
// to Execute/Query/Insert only; Stream requests are never timed out and
// rely on ctx for cancellation.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:3218"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logging.NewComponentLogger("Stream"),
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, body string) (*http.Request, error) {
	endpoint := c.baseURL + "/?" + url.Values{"default_format": {"JSONEachRow"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func (c *HTTPClient) Execute(ctx context.Context, stmt string) error {
	c.logger.Debug("execute: %s", truncate(stmt, 100))

	req, err := c.newRequest(ctx, stmt)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("execute: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) Query(ctx context.Context, sql string) ([]Row, error) {
	c.logger.Debug("query: %s", truncate(sql, 100))

	req, err := c.newRequest(ctx, sql)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("query: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rows []Row
	dec := json.NewDecoder(resp.Body)
	for {
		var row Row
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("query: decode row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *HTTPClient) Insert(ctx context.Context, stream string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	// Column order must be stable across the whole batch.
	cols := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var body strings.Builder
	fmt.Fprintf(&body, "INSERT INTO %s (%s) FORMAT JSONEachRow\n", stream, strings.Join(cols, ", "))
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		filtered := make(Row, len(cols))
		for _, col := range cols {
			filtered[col] = row[col]
		}
		if err := enc.Encode(filtered); err != nil {
			return fmt.Errorf("insert: encode row: %w", err)
		}
	}

	c.logger.Debug("insert: stream=%s rows=%d", stream, len(rows))

	req, err := c.newRequest(ctx, body.String())
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("insert: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) Stream(ctx context.Context, sql string) (*Cursor, error) {
	c.logger.Debug("stream: %s", truncate(sql, 100))

	req, err := c.newRequest(ctx, sql)
	if err != nil {
		return nil, err
	}

	// No client timeout: a live query response has no end.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return NewCursor(resp.Body), nil
}

// Ping reports whether the database answers a trivial query.
func (c *HTTPClient) Ping(ctx context.Context) bool {
	if _, err := c.Query(ctx, "SELECT 1"); err != nil {
		c.logger.Warn("ping failed: %v", err)
		return false
	}
	return true
}

// Cursor iterates the rows of a live streaming query.
type Cursor struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	current Row
	err     error
}

// NewCursor wraps an NDJSON body in a cursor. The body is closed by Close.
func NewCursor(body io.ReadCloser) *Cursor {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Cursor{body: body, scanner: sc}
}

// Next advances to the next row. It blocks until a row arrives, the query
// ends, or the underlying connection is closed.
func (cur *Cursor) Next() bool {
	for cur.scanner.Scan() {
		line := bytes.TrimSpace(cur.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(line, &row); err != nil {
			cur.err = fmt.Errorf("decode stream row: %w", err)
			return false
		}
		cur.current = row
		return true
	}
	cur.err = cur.scanner.Err()
	return false
}

// Row returns the row read by the last successful Next.
func (cur *Cursor) Row() Row {
	return cur.current
}

// Err returns the terminal error, if any. A cancelled context surfaces here.
func (cur *Cursor) Err() error {
	return cur.err
}

// Close releases the underlying connection. Safe to call more than once.
func (cur *Cursor) Close() error {
	return cur.body.Close()
}

// QuoteString escapes a value for use inside a single-quoted SQL literal.
func QuoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
