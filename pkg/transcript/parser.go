// Package transcript converts newline-delimited JSON transcript text into
// ordered messages, content blocks, and aggregate statistics.
package transcript

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/devstream-project/devstream/pkg/models"
)

const (
	maxLineBytes           = 5 * 1024 * 1024
	maxInlineContentBytes  = 256 * 1024
	initialPromptMaxLen    = 1000
)

// pricePerMillion holds USD cost per 1,000,000 tokens by kind.
var pricePerMillion = struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}{
	Input:      3.00,
	Output:     15.00,
	CacheRead:  0.30,
	CacheWrite: 3.75,
}

// ParseError describes one line-level problem found while parsing. Line
// errors never abort the parse; they accumulate in Result.Errors.
type ParseError struct {
	LineNumber int    `json:"line_number"`
	Message    string `json:"message"`
}

// Metadata captures session-identifying fields lifted from the first line.
type Metadata struct {
	SessionID      string    `json:"session_id,omitempty"`
	CWD            string    `json:"cwd,omitempty"`
	Version        string    `json:"version,omitempty"`
	GitBranch      string    `json:"git_branch,omitempty"`
	FirstTimestamp time.Time `json:"first_timestamp,omitempty"`
	LastTimestamp  time.Time `json:"last_timestamp,omitempty"`
}

// Stats are the aggregate statistics computed across all parsed messages.
type Stats struct {
	TotalMessages     int
	UserMessages      int
	AssistantMessages int
	TokensIn          int64
	TokensOut         int64
	CacheReadTokens   int64
	CacheWriteTokens  int64
	ToolUseCount      int
	SubagentCount     int
	ThinkingBlocks    int
	DurationMs        int64
	InitialPrompt     *string
	CostEstimateUSD   float64
}

// Result is the complete output of parsing one transcript.
type Result struct {
	Messages      []models.TranscriptMessage
	ContentBlocks []models.ContentBlock
	Errors        []ParseError
	Stats         Stats
	Metadata      Metadata
}

// rawLine is the subset of a transcript JSONL line's shape the parser reads
// directly; the rest is preserved verbatim in RawMessage.
type rawLine struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	CWD       string          `json:"cwd"`
	Version   string          `json:"version"`
	GitBranch string          `json:"gitBranch"`
	Timestamp *time.Time      `json:"timestamp"`
	Message   *rawMessage     `json:"message"`
	Role      string          `json:"role"`
}

type rawMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`
}

type rawUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

type rawContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ToolUseID string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolCallID string         `json:"tool_use_id"`
	Content    json.RawMessage `json:"content"`
	IsError    bool            `json:"is_error"`
}

// messageGroup accumulates consecutive lines sharing the same message.id,
// per the streaming-assistant-message grouping rule.
type messageGroup struct {
	id          string
	lineNumber  int
	messageType models.MessageType
	role        string
	model       string
	timestamp   time.Time
	usage       *rawUsage
	blocks      []rawContentBlock
}

// Parse converts raw transcript text into a Result. sessionID is the owning
// session's internal ID, stamped onto every produced message/block.
func Parse(sessionID string, body []byte) Result {
	var res Result
	lines := bytes.Split(body, []byte("\n"))

	var firstTS, lastTS time.Time
	ordinal := 0

	flush := func(g *messageGroup) {
		msg, blocks := g.materialize(sessionID, ordinal)
		res.Messages = append(res.Messages, msg)
		res.ContentBlocks = append(res.ContentBlocks, blocks...)
		ordinal++
		accumulate(&res.Stats, msg, blocks)
	}

	var current *messageGroup

	for i, raw := range lines {
		lineNumber := i + 1
		line := bytes.TrimRight(raw, "\r")
		if len(line) == 0 {
			continue
		}
		if len(line) > maxLineBytes {
			res.Errors = append(res.Errors, ParseError{LineNumber: lineNumber, Message: "Line exceeds max size"})
			continue
		}

		var rl rawLine
		if err := json.Unmarshal(line, &rl); err != nil {
			res.Errors = append(res.Errors, ParseError{LineNumber: lineNumber, Message: "Invalid JSON"})
			continue
		}
		if rl.Type == "" {
			res.Errors = append(res.Errors, ParseError{LineNumber: lineNumber, Message: "Missing type field"})
			continue
		}
		if lineNumber == 1 {
			res.Metadata.SessionID = rl.SessionID
			res.Metadata.CWD = rl.CWD
			res.Metadata.Version = rl.Version
			res.Metadata.GitBranch = rl.GitBranch
		}
		if models.IgnoredLineTypes[rl.Type] {
			continue
		}

		var msgType models.MessageType
		switch rl.Type {
		case string(models.MessageTypeUser):
			msgType = models.MessageTypeUser
		case string(models.MessageTypeAssistant):
			msgType = models.MessageTypeAssistant
		case string(models.MessageTypeSystem):
			msgType = models.MessageTypeSystem
		case string(models.MessageTypeSummary):
			msgType = models.MessageTypeSummary
		default:
			res.Errors = append(res.Errors, ParseError{LineNumber: lineNumber, Message: "Unknown line type"})
			continue
		}

		ts := time.Time{}
		if rl.Timestamp != nil {
			ts = *rl.Timestamp
		}
		if !ts.IsZero() {
			if firstTS.IsZero() || ts.Before(firstTS) {
				firstTS = ts
			}
			if ts.After(lastTS) {
				lastTS = ts
			}
		}

		groupKey := ""
		if rl.Message != nil {
			groupKey = rl.Message.ID
		}

		// Streaming assistant messages with the same message.id are grouped;
		// anything else flushes the current group and starts a new one.
		if current != nil && msgType == models.MessageTypeAssistant && groupKey != "" && current.id == groupKey {
			current.appendBlocks(rl)
			current.timestamp = ts
			if rl.Message.Usage != nil {
				current.usage = rl.Message.Usage
			}
			continue
		}

		if current != nil {
			flush(current)
			current = nil
		}

		g := &messageGroup{
			id:          groupKey,
			lineNumber:  lineNumber,
			messageType: msgType,
			timestamp:   ts,
		}
		if rl.Message != nil {
			g.role = rl.Message.Role
			g.model = rl.Message.Model
			g.usage = rl.Message.Usage
		} else {
			g.role = rl.Role
		}
		g.appendBlocks(rl)

		if msgType == models.MessageTypeAssistant && groupKey != "" {
			current = g
			continue
		}
		flush(g)
	}

	if current != nil {
		flush(current)
	}

	res.Metadata.FirstTimestamp = firstTS
	res.Metadata.LastTimestamp = lastTS
	if !firstTS.IsZero() && !lastTS.IsZero() {
		res.Stats.DurationMs = lastTS.Sub(firstTS).Milliseconds()
	}
	res.Stats.InitialPrompt = firstUserPrompt(res.Messages, res.ContentBlocks)

	return res
}

func (g *messageGroup) appendBlocks(rl rawLine) {
	if rl.Message == nil || len(rl.Message.Content) == 0 {
		return
	}
	content := rl.Message.Content

	// A bare JSON string is a single text block.
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		if asString != "" {
			g.blocks = append(g.blocks, rawContentBlock{Type: "text", Text: asString})
		}
		return
	}

	var blocks []rawContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return
	}
	g.blocks = append(g.blocks, blocks...)
}

func (g *messageGroup) materialize(sessionID string, ordinal int) (models.TranscriptMessage, []models.ContentBlock) {
	msg := models.TranscriptMessage{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		LineNumber:  g.lineNumber,
		Ordinal:     ordinal,
		MessageType: g.messageType,
		Role:        g.role,
		Model:       g.model,
		Timestamp:   g.timestamp,
	}
	if g.usage != nil {
		msg.TokensIn = g.usage.InputTokens
		msg.TokensOut = g.usage.OutputTokens
		msg.CacheRead = g.usage.CacheReadInputTokens
		msg.CacheWrite = g.usage.CacheCreationInputTokens
	}
	msg.CostUSD = messageCost(msg)

	blocks := make([]models.ContentBlock, 0, len(g.blocks))
	for order, rb := range g.blocks {
		block := models.ContentBlock{
			ID:         uuid.New().String(),
			MessageID:  msg.ID,
			SessionID:  sessionID,
			BlockOrder: order,
		}
		switch rb.Type {
		case "text":
			block.BlockType = models.BlockTypeText
			block.ContentText = rb.Text
			msg.HasText = true
		case "thinking":
			block.BlockType = models.BlockTypeThinking
			block.ThinkingText = rb.Thinking
			msg.HasThinking = true
		case "tool_use":
			block.BlockType = models.BlockTypeToolUse
			block.ToolName = rb.Name
			block.ToolUseID = rb.ToolUseID
			block.ToolInput = rb.Input
			msg.HasToolUse = true
		case "tool_result":
			block.BlockType = models.BlockTypeToolResult
			block.ToolResultID = rb.ToolCallID
			block.IsError = rb.IsError
			text, truncated, originalLen := truncateToolResult(rb.Content)
			block.ResultText = text
			if truncated {
				block.Metadata, _ = json.Marshal(map[string]any{
					"truncated":           true,
					"original_byte_length": originalLen,
				})
			}
			msg.HasToolResult = true
		default:
			continue
		}
		blocks = append(blocks, block)
	}

	raw, _ := json.Marshal(struct {
		Type      string      `json:"type"`
		MessageID string      `json:"message_id,omitempty"`
		Role      string      `json:"role,omitempty"`
		Model     string      `json:"model,omitempty"`
	}{
		Type:      string(g.messageType),
		MessageID: g.id,
		Role:      g.role,
		Model:     g.model,
	})
	msg.RawMessage = raw

	return msg, blocks
}

// truncateToolResult extracts text from a tool_result's content (which may
// be a plain string or a content-block array) and truncates it to
// maxInlineContentBytes, reporting whether truncation occurred.
func truncateToolResult(content json.RawMessage) (text string, truncated bool, originalLen int) {
	if len(content) == 0 {
		return "", false, 0
	}

	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		text = asString
	} else {
		var blocks []rawContentBlock
		if err := json.Unmarshal(content, &blocks); err == nil {
			for _, b := range blocks {
				if b.Type == "text" {
					text += b.Text
				}
			}
		}
	}

	originalLen = len(text)
	if originalLen > maxInlineContentBytes {
		text = text[:maxInlineContentBytes]
		truncated = true
	}
	return text, truncated, originalLen
}

func accumulate(stats *Stats, msg models.TranscriptMessage, blocks []models.ContentBlock) {
	stats.TotalMessages++
	switch msg.MessageType {
	case models.MessageTypeUser:
		stats.UserMessages++
	case models.MessageTypeAssistant:
		stats.AssistantMessages++
	}
	stats.TokensIn += msg.TokensIn
	stats.TokensOut += msg.TokensOut
	stats.CacheReadTokens += msg.CacheRead
	stats.CacheWriteTokens += msg.CacheWrite

	stats.CostEstimateUSD += messageCost(msg)

	for _, b := range blocks {
		switch b.BlockType {
		case models.BlockTypeThinking:
			stats.ThinkingBlocks++
		case models.BlockTypeToolUse:
			stats.ToolUseCount++
			if b.ToolName == "Task" {
				stats.SubagentCount++
			}
		}
	}
}

func messageCost(msg models.TranscriptMessage) float64 {
	return float64(msg.TokensIn)*pricePerMillion.Input/1_000_000 +
		float64(msg.TokensOut)*pricePerMillion.Output/1_000_000 +
		float64(msg.CacheRead)*pricePerMillion.CacheRead/1_000_000 +
		float64(msg.CacheWrite)*pricePerMillion.CacheWrite/1_000_000
}

// firstUserPrompt returns the truncated text of the first user message's
// first text block, or nil if there is none.
func firstUserPrompt(messages []models.TranscriptMessage, blocks []models.ContentBlock) *string {
	for _, msg := range messages {
		if msg.MessageType != models.MessageTypeUser {
			continue
		}
		for _, b := range blocks {
			if b.MessageID != msg.ID || b.BlockType != models.BlockTypeText {
				continue
			}
			text := b.ContentText
			if len(text) > initialPromptMaxLen {
				text = text[:initialPromptMaxLen] + "..."
			}
			return &text
		}
		return nil
	}
	return nil
}
