package models

import (
	"encoding/json"
	"time"
)

// MessageType is the top-level `type` field of a transcript JSONL line.
type MessageType string

// Message types recognized by the transcript parser.
const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeSystem    MessageType = "system"
	MessageTypeSummary   MessageType = "summary"
)

// IgnoredLineTypes are silently skipped by the parser: counted as neither
// messages nor errors.
var IgnoredLineTypes = map[string]bool{
	"progress":               true,
	"file-history-snapshot":  true,
	"queue-operation":        true,
}

// TranscriptMessage is a single (possibly streamed-and-grouped) exchange
// within a session. Owned exclusively by its session; deleted and rewritten
// on re-parse.
type TranscriptMessage struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	LineNumber  int             `json:"line_number"`
	Ordinal     int             `json:"ordinal"`
	MessageType MessageType     `json:"message_type"`
	Role        string          `json:"role,omitempty"`
	Model       string          `json:"model,omitempty"`
	TokensIn    int64           `json:"tokens_in"`
	TokensOut   int64           `json:"tokens_out"`
	CacheRead   int64           `json:"cache_read_tokens"`
	CacheWrite  int64           `json:"cache_write_tokens"`
	CostUSD     float64         `json:"cost_usd"`
	Timestamp   time.Time       `json:"timestamp"`
	HasText     bool            `json:"has_text"`
	HasThinking bool            `json:"has_thinking"`
	HasToolUse  bool            `json:"has_tool_use"`
	HasToolResult bool          `json:"has_tool_result"`
	RawMessage  json.RawMessage `json:"raw_message"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// BlockType is the structural kind of a ContentBlock.
type BlockType string

// Block types.
const (
	BlockTypeText       BlockType = "text"
	BlockTypeThinking   BlockType = "thinking"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
)

// ContentBlock is a structural subunit of a transcript message. Same
// lifecycle as its parent message.
type ContentBlock struct {
	ID           string          `json:"id"`
	MessageID    string          `json:"message_id"`
	SessionID    string          `json:"session_id"`
	BlockOrder   int             `json:"block_order"`
	BlockType    BlockType       `json:"block_type"`
	ContentText  string          `json:"content_text,omitempty"`
	ThinkingText string          `json:"thinking_text,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResultID string          `json:"tool_result_id,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	ResultText   string          `json:"result_text,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}
