package stream

import (
	"context"
	"fmt"

	"pulse/internal/logging"
)

// Stream names used by every process.
const (
	MessagesStream = "messages"
	LLMLogsStream  = "llm_logs"
	ToolLogsStream = "tool_logs"
	MemoryStream   = "memory"
	EventsStream   = "events"
)

const messagesDDL = `
CREATE STREAM IF NOT EXISTS messages (
    id string DEFAULT uuid(),
    timestamp datetime64(3) DEFAULT now64(3),
    source string,
    target string,
    session_id string,
    message_type string,
    content string,
    user_id string,
    channel_metadata string,
    priority int8 DEFAULT 0
)
SETTINGS event_time_column='timestamp'`

const llmLogsDDL = `
CREATE STREAM IF NOT EXISTS llm_logs (
    id string DEFAULT uuid(),
    timestamp datetime64(3) DEFAULT now64(3),
    session_id string,
    model string,
    provider string,
    input_tokens int32,
    output_tokens int32,
    total_tokens int32,
    estimated_cost_usd float32,
    latency_ms int32,
    system_prompt_hash string,
    system_prompt_preview string,
    user_message_preview string,
    assistant_response_preview string,
    messages_count int8,
    tools_called array(string),
    tool_call_count int8,
    status string,
    error_message string DEFAULT ''
)
SETTINGS event_time_column='timestamp'`

const toolLogsDDL = `
CREATE STREAM IF NOT EXISTS tool_logs (
    id string DEFAULT uuid(),
    timestamp datetime64(3) DEFAULT now64(3),
    session_id string,
    llm_request_id string,
    tool_name string,
    skill_name string,
    arguments string,
    status string,
    result_preview string,
    error_message string DEFAULT '',
    duration_ms int32 DEFAULT 0
)
SETTINGS event_time_column='timestamp'`

const memoryDDL = `
CREATE STREAM IF NOT EXISTS memory (
    id string DEFAULT uuid(),
    timestamp datetime64(3) DEFAULT now64(3),
    memory_type string,
    category string,
    content string,
    source_session_id string,
    embedding array(float32),
    importance float32,
    is_deleted bool DEFAULT false
)
SETTINGS event_time_column='timestamp'`

const eventsDDL = `
CREATE STREAM IF NOT EXISTS events (
    id string DEFAULT uuid(),
    timestamp datetime64(3) DEFAULT now64(3),
    event_type string,
    source string,
    severity string,
    payload string,
    tags array(string)
)
SETTINGS event_time_column='timestamp'`

var allStreams = []struct {
	name string
	ddl  string
}{
	{MessagesStream, messagesDDL},
	{LLMLogsStream, llmLogsDDL},
	{ToolLogsStream, toolLogsDDL},
	{MemoryStream, memoryDDL},
	{EventsStream, eventsDDL},
}

// CreateStreams ensures every required stream exists. Individual failures
// are logged and collected; a partially created set is still usable.
func CreateStreams(ctx context.Context, client Client) error {
	logger := logging.NewComponentLogger("Setup")
	var firstErr error
	for _, s := range allStreams {
		if err := client.Execute(ctx, s.ddl); err != nil {
			logger.Warn("could not create stream %s: %v", s.name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("create stream %s: %w", s.name, err)
			}
			continue
		}
		logger.Info("ensured stream: %s", s.name)
	}
	return firstErr
}

// DropStreams removes every pulse stream. Destructive.
func DropStreams(ctx context.Context, client Client) error {
	logger := logging.NewComponentLogger("Setup")
	var firstErr error
	for _, s := range allStreams {
		if err := client.Execute(ctx, fmt.Sprintf("DROP STREAM IF EXISTS %s", s.name)); err != nil {
			logger.Warn("could not drop stream %s: %v", s.name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("drop stream %s: %w", s.name, err)
			}
			continue
		}
		logger.Info("dropped stream: %s", s.name)
	}
	return firstErr
}

// VerifyStreams reports which required streams answer a probe query.
func VerifyStreams(ctx context.Context, client Client) map[string]bool {
	results := make(map[string]bool, len(allStreams))
	for _, s := range allStreams {
		_, err := client.Query(ctx, fmt.Sprintf("SELECT 1 FROM table(%s) LIMIT 1", s.name))
		results[s.name] = err == nil
	}
	return results
}
