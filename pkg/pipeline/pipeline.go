// Package pipeline runs the post-processing pipeline for a single session:
// transcript download, JSONL parse, structured persistence, lifecycle
// advance, optional summary, and backup upload.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devstream-project/devstream/pkg/config"
	"github.com/devstream-project/devstream/pkg/lifecycle"
	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/objectstore"
	"github.com/devstream-project/devstream/pkg/summary"
	"github.com/devstream-project/devstream/pkg/transcript"
)

// insertChunkSize bounds the number of rows inserted per statement so the
// persist step never approaches Postgres's parameter limit.
const insertChunkSize = 500

// Deps bundles every collaborator RunSessionPipeline needs.
type Deps struct {
	Pool      *pgxpool.Pool
	Lifecycle *lifecycle.Machine
	Objects   objectstore.Store
	Summary   *summary.Generator
	Config    config.SummaryConfig
	Logger    *slog.Logger
}

// Result reports the outcome of one pipeline run. It never carries an error
// value for the caller to check — RunSessionPipeline never returns one —
// callers inspect Errors and the two success flags instead.
type Result struct {
	SessionID     string
	Skipped       bool
	SkipReason    string
	ParseSuccess  bool
	SummarySuccess bool
	Errors        []string
	Stats         *transcript.Stats
}

// RunSessionPipeline never throws: every failure path is captured in the
// returned Result so it can be logged, counted, or asserted on in tests.
func RunSessionPipeline(ctx context.Context, deps Deps, sessionID string) Result {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sessionID)

	res := Result{SessionID: sessionID}

	sess, err := loadSession(ctx, deps.Pool, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			res.Skipped = true
			res.SkipReason = "session not found"
			return res
		}
		res.Errors = append(res.Errors, fmt.Sprintf("load session: %v", err))
		return res
	}
	if sess.Lifecycle != models.LifecycleEnded || sess.TranscriptS3Key == nil || *sess.TranscriptS3Key == "" {
		res.Skipped = true
		res.SkipReason = "session not in a pipeline-eligible state"
		logger.Info("Pipeline skipped: preconditions not met", "lifecycle", sess.Lifecycle)
		return res
	}

	// Claim is best-effort: a concurrent pipeline run racing on the same
	// session is detected later, at the lifecycle CAS in the advance step.
	if _, err := deps.Pool.Exec(ctx, `UPDATE sessions SET parse_status = $1 WHERE id = $2`,
		models.ParseStatusParsing, sessionID); err != nil {
		logger.Warn("Failed to claim session for parsing", "error", err)
	}

	body, err := deps.Objects.Get(ctx, *sess.TranscriptS3Key)
	if err != nil {
		failRes, failErr := deps.Lifecycle.FailSession(ctx, sessionID, fmt.Sprintf("transcript download failed: %v", err))
		logFailOutcome(logger, failRes, failErr)
		res.Errors = append(res.Errors, fmt.Sprintf("download transcript: %v", err))
		return res
	}

	parsed := transcript.Parse(sessionID, body)
	for _, pe := range parsed.Errors {
		res.Errors = append(res.Errors, fmt.Sprintf("line %d: %s", pe.LineNumber, pe.Message))
	}
	res.Stats = &parsed.Stats

	if err := persist(ctx, deps.Pool, sessionID, parsed); err != nil {
		failRes, failErr := deps.Lifecycle.FailSession(ctx, sessionID, fmt.Sprintf("persist failed: %v", err))
		logFailOutcome(logger, failRes, failErr)
		res.Errors = append(res.Errors, fmt.Sprintf("persist: %v", err))
		return res
	}

	extra := statColumns(parsed.Stats)
	transitionResult, err := deps.Lifecycle.TransitionSession(ctx, sessionID,
		[]models.Lifecycle{models.LifecycleEnded}, models.LifecycleParsed, extra)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("transition to parsed: %v", err))
		return res
	}
	if !transitionResult.Success {
		logger.Warn("Lost the lifecycle CAS race advancing to parsed, another worker won", "reason", transitionResult.Reason)
		res.Skipped = true
		res.SkipReason = transitionResult.Reason
		return res
	}
	res.ParseSuccess = true
	logger.Info("Session parsed", "total_messages", parsed.Stats.TotalMessages)

	summarizeSession(ctx, deps, sessionID, parsed, logger, &res)

	backupSession(ctx, deps, sessionID, parsed, logger)

	return res
}

func loadSession(ctx context.Context, pool *pgxpool.Pool, sessionID string) (*models.Session, error) {
	const q = `SELECT id, lifecycle, transcript_s3_key FROM sessions WHERE id = $1`
	var s models.Session
	err := pool.QueryRow(ctx, q, sessionID).Scan(&s.ID, &s.Lifecycle, &s.TranscriptS3Key)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func logFailOutcome(logger *slog.Logger, res lifecycle.TransitionResult, err error) {
	if err != nil {
		logger.Error("Failed to mark session failed", "error", err)
		return
	}
	if !res.Success {
		logger.Warn("FailSession CAS no-op", "reason", res.Reason)
	}
}

// persist deletes any prior transcript rows for this session and inserts
// the freshly parsed ones, all inside one transaction so a re-parse is
// atomic from a reader's point of view.
func persist(ctx context.Context, pool *pgxpool.Pool, sessionID string, parsed transcript.Result) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM content_blocks WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete prior content_blocks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM transcript_messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete prior transcript_messages: %w", err)
	}

	if err := insertMessages(ctx, tx, parsed.Messages); err != nil {
		return err
	}
	if err := insertBlocks(ctx, tx, parsed.ContentBlocks); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func insertMessages(ctx context.Context, tx pgx.Tx, messages []models.TranscriptMessage) error {
	for start := 0; start < len(messages); start += insertChunkSize {
		end := min(start+insertChunkSize, len(messages))
		chunk := messages[start:end]

		rows := make([][]any, len(chunk))
		for i, m := range chunk {
			id := m.ID
			if id == "" {
				id = uuid.New().String()
			}
			rows[i] = []any{
				id, m.SessionID, m.LineNumber, m.Ordinal, m.MessageType, m.Role, m.Model,
				m.TokensIn, m.TokensOut, m.CacheRead, m.CacheWrite, m.CostUSD, nullableTime(m.Timestamp),
				m.HasText, m.HasThinking, m.HasToolUse, m.HasToolResult, m.RawMessage, nullableJSON(m.Metadata),
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"transcript_messages"}, []string{
			"id", "session_id", "line_number", "ordinal", "message_type", "role", "model",
			"tokens_in", "tokens_out", "cache_read_tokens", "cache_write_tokens", "cost_usd", "timestamp",
			"has_text", "has_thinking", "has_tool_use", "has_tool_result", "raw_message", "metadata",
		}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert transcript_messages chunk: %w", err)
		}
	}
	return nil
}

func insertBlocks(ctx context.Context, tx pgx.Tx, blocks []models.ContentBlock) error {
	for start := 0; start < len(blocks); start += insertChunkSize {
		end := min(start+insertChunkSize, len(blocks))
		chunk := blocks[start:end]

		rows := make([][]any, len(chunk))
		for i, b := range chunk {
			id := b.ID
			if id == "" {
				id = uuid.New().String()
			}
			rows[i] = []any{
				id, b.MessageID, b.SessionID, b.BlockOrder, b.BlockType,
				nullableString(b.ContentText), nullableString(b.ThinkingText), nullableString(b.ToolName),
				nullableString(b.ToolUseID), nullableJSON(b.ToolInput), nullableString(b.ToolResultID),
				b.IsError, nullableString(b.ResultText), nullableJSON(b.Metadata),
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"content_blocks"}, []string{
			"id", "message_id", "session_id", "block_order", "block_type",
			"content_text", "thinking_text", "tool_name", "tool_use_id", "tool_input",
			"tool_result_id", "is_error", "result_text", "metadata",
		}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert content_blocks chunk: %w", err)
		}
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullableTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// statColumns maps a parsed transcript's stats onto the sessions table's
// derived-stat column names, for use as TransitionSession's extraColumns.
func statColumns(s transcript.Stats) map[string]any {
	return map[string]any{
		"parse_status":       models.ParseStatusComplete,
		"parse_error":        nil,
		"total_messages":     s.TotalMessages,
		"user_messages":      s.UserMessages,
		"assistant_messages": s.AssistantMessages,
		"tokens_in":          s.TokensIn,
		"tokens_out":         s.TokensOut,
		"cache_read_tokens":  s.CacheReadTokens,
		"cache_write_tokens": s.CacheWriteTokens,
		"tool_use_count":     s.ToolUseCount,
		"thinking_blocks":    s.ThinkingBlocks,
		"subagent_count":     s.SubagentCount,
		"cost_estimate_usd":  s.CostEstimateUSD,
		"initial_prompt":     s.InitialPrompt,
	}
}

// summarizeSession runs the best-effort summary step: a failure or a
// disabled/skip outcome leaves the session at parsed, never failed.
func summarizeSession(ctx context.Context, deps Deps, sessionID string, parsed transcript.Result, logger *slog.Logger, res *Result) {
	if deps.Summary == nil {
		return
	}
	sr := deps.Summary.GenerateSummary(ctx, parsed.Messages, parsed.ContentBlocks, deps.Config)
	if !sr.Success {
		logger.Warn("Summary generation failed, leaving session at parsed", "error", sr.Error)
		res.Errors = append(res.Errors, fmt.Sprintf("summary: %s", sr.Error))
		return
	}
	if sr.Summary == "" {
		// Disabled (config.Enabled == false): nothing to persist.
		return
	}

	transitionResult, err := deps.Lifecycle.TransitionSession(ctx, sessionID,
		[]models.Lifecycle{models.LifecycleParsed}, models.LifecycleSummarized,
		map[string]any{"summary": sr.Summary})
	if err != nil {
		logger.Warn("Failed to transition to summarized", "error", err)
		return
	}
	if !transitionResult.Success {
		logger.Warn("Lost the lifecycle CAS race advancing to summarized", "reason", transitionResult.Reason)
		return
	}
	res.SummarySuccess = true
}

// backupSession uploads a serialized copy of the parse result alongside the
// raw transcript. Best-effort: failures are logged and swallowed.
func backupSession(ctx context.Context, deps Deps, sessionID string, parsed transcript.Result, logger *slog.Logger) {
	if deps.Objects == nil {
		return
	}
	var key string
	if err := deps.Pool.QueryRow(ctx, `SELECT transcript_s3_key FROM sessions WHERE id = $1`, sessionID).Scan(&key); err != nil {
		logger.Warn("Failed to look up transcript key for backup", "error", err)
		return
	}
	payload, err := json.Marshal(parsed)
	if err != nil {
		logger.Warn("Failed to serialize parse result for backup", "error", err)
		return
	}
	backupKey := objectstore.BackupKeyFromTranscriptKey(key)
	if err := deps.Objects.Put(ctx, backupKey, payload); err != nil {
		logger.Warn("Failed to upload parse backup", "error", err)
	}
}
