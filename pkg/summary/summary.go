// Package summary renders a truncated transcript view for a session and
// asks an external model for a short natural-language recap.
package summary

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/devstream-project/devstream/pkg/config"
	"github.com/devstream-project/devstream/pkg/models"
)

const (
	emptySessionSummary = "Empty session."

	maxBodyChars = 8000
	headChars    = 2500
	tailChars    = 2500

	truncationMarkerFmt = "\n... [truncated %d messages] ...\n"
)

// MessagesClient is the subset of the Anthropic SDK's Messages service
// GenerateSummary depends on. Defined as an interface so callers can pass a
// stub in tests instead of a live client.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Generator renders transcripts and calls the configured model to produce
// session summaries. Never regresses session state: callers decide what to
// do with a failed Result.
type Generator struct {
	client MessagesClient
}

// NewGenerator builds a Generator backed by the given Anthropic client.
func NewGenerator(client MessagesClient) *Generator {
	return &Generator{client: client}
}

// NewGeneratorFromAPIKey builds a Generator around the default Anthropic
// HTTP client, for production wiring.
func NewGeneratorFromAPIKey(apiKey string) *Generator {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewGenerator(&client.Messages)
}

// Result is the outcome of GenerateSummary.
type Result struct {
	Success bool
	Summary string
	Error   string
}

// GenerateSummary implements the branching described for the summary
// generator: disabled and empty-session short-circuits never touch the
// model; a missing API key is reported as a failure rather than silently
// skipped.
func (g *Generator) GenerateSummary(ctx context.Context, messages []models.TranscriptMessage, blocks []models.ContentBlock, cfg config.SummaryConfig) Result {
	if !cfg.Enabled {
		return Result{Success: true}
	}
	if len(messages) == 0 {
		return Result{Success: true, Summary: emptySessionSummary}
	}
	if cfg.APIKey == "" {
		return Result{Success: false, Error: "ANTHROPIC_API_KEY not configured"}
	}

	view := renderTranscript(messages, blocks)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(cfg.Model),
		MaxTokens: int64(cfg.MaxOutputTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(view)),
		},
	}
	if cfg.Temperature > 0 {
		params.Temperature = sdk.Float(cfg.Temperature)
	}

	msg, err := g.client.New(ctx, params)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("anthropic messages.new: %v", err)}
	}

	text := extractText(msg)
	if text == "" {
		return Result{Success: false, Error: "anthropic response contained no text content"}
	}
	return Result{Success: true, Summary: text}
}

func extractText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// renderTranscript concatenates a header (counts, tool uses, duration) with
// a body built from text content and tool-use names, then truncates the
// whole thing to a head/tail window if it runs long.
func renderTranscript(messages []models.TranscriptMessage, blocks []models.ContentBlock) string {
	header := renderHeader(messages, blocks)
	body := renderBody(messages, blocks)

	view := header + "\n\n" + body
	if len(view) <= maxBodyChars {
		return view
	}
	return truncate(view, len(messages))
}

func renderHeader(messages []models.TranscriptMessage, blocks []models.ContentBlock) string {
	var userCount, assistantCount, toolUseCount int
	var duration string
	for _, m := range messages {
		switch m.MessageType {
		case models.MessageTypeUser:
			userCount++
		case models.MessageTypeAssistant:
			assistantCount++
		}
	}
	for _, b := range blocks {
		if b.BlockType == models.BlockTypeToolUse {
			toolUseCount++
		}
	}
	if len(messages) > 1 {
		first := messages[0].Timestamp
		last := messages[len(messages)-1].Timestamp
		if last.After(first) {
			duration = last.Sub(first).String()
		}
	}
	return fmt.Sprintf(
		"Session transcript: %d user message(s), %d assistant message(s), %d tool use(s), duration %s.",
		userCount, assistantCount, toolUseCount, duration,
	)
}

// renderBody walks messages in order, emitting text content verbatim and
// tool_use blocks as a bare "[tool: name]" marker. thinking and tool_result
// blocks are excluded entirely.
func renderBody(messages []models.TranscriptMessage, blocks []models.ContentBlock) string {
	blocksByMessage := make(map[string][]models.ContentBlock)
	for _, b := range blocks {
		blocksByMessage[b.MessageID] = append(blocksByMessage[b.MessageID], b)
	}

	var sb strings.Builder
	for _, m := range messages {
		var lines []string
		for _, b := range blocksByMessage[m.ID] {
			switch b.BlockType {
			case models.BlockTypeText:
				if b.ContentText != "" {
					lines = append(lines, b.ContentText)
				}
			case models.BlockTypeToolUse:
				lines = append(lines, fmt.Sprintf("[tool: %s]", b.ToolName))
			}
		}
		if len(lines) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, strings.Join(lines, " ")))
	}
	return sb.String()
}

// truncate keeps a head window and a tail window of view, with a marker
// noting how many messages were dropped in between.
func truncate(view string, totalMessages int) string {
	marker := fmt.Sprintf(truncationMarkerFmt, totalMessages)
	if len(view) <= headChars+tailChars+len(marker) {
		return view
	}
	head := view[:headChars]
	tail := view[len(view)-tailChars:]
	return head + marker + tail
}
