package models

import "time"

// Lifecycle is one of the seven states a session moves through.
type Lifecycle string

// Lifecycle states, per the transition map in pkg/lifecycle.
const (
	LifecycleDetected   Lifecycle = "detected"
	LifecycleCapturing  Lifecycle = "capturing"
	LifecycleEnded      Lifecycle = "ended"
	LifecycleParsed     Lifecycle = "parsed"
	LifecycleSummarized Lifecycle = "summarized"
	LifecycleArchived   Lifecycle = "archived"
	LifecycleFailed     Lifecycle = "failed"
)

// ParseStatus tracks the transcript-parsing sub-state of a session.
type ParseStatus string

// Parse statuses.
const (
	ParseStatusPending  ParseStatus = "pending"
	ParseStatusParsing  ParseStatus = "parsing"
	ParseStatusComplete ParseStatus = "completed"
	ParseStatusFailed   ParseStatus = "failed"
)

// Session is the lifetime of one assistant conversation on one device in one
// workspace. The derived stat columns (TotalMessages..CostEstimateUSD) are
// populated by the post-processing pipeline and are nil while Lifecycle is
// one of {detected, capturing, ended}.
type Session struct {
	ID              string      `json:"id"`
	WorkspaceID     string      `json:"workspace_id"`
	DeviceID        string      `json:"device_id"`
	CCSessionID     string      `json:"cc_session_id"`
	Lifecycle       Lifecycle   `json:"lifecycle"`
	ParseStatus     ParseStatus `json:"parse_status"`
	CWD             string      `json:"cwd,omitempty"`
	GitBranch       string      `json:"git_branch,omitempty"`
	GitRemote       string      `json:"git_remote,omitempty"`
	Model           string      `json:"model,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	DurationMs      *int64      `json:"duration_ms,omitempty"`
	TranscriptS3Key *string     `json:"transcript_s3_key,omitempty"`
	ParseError      *string     `json:"parse_error,omitempty"`
	Summary         *string     `json:"summary,omitempty"`

	TotalMessages      *int     `json:"total_messages,omitempty"`
	UserMessages       *int     `json:"user_messages,omitempty"`
	AssistantMessages  *int     `json:"assistant_messages,omitempty"`
	TokensIn           *int64   `json:"tokens_in,omitempty"`
	TokensOut          *int64   `json:"tokens_out,omitempty"`
	CacheReadTokens    *int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens   *int64   `json:"cache_write_tokens,omitempty"`
	ToolUseCount       *int     `json:"tool_use_count,omitempty"`
	ThinkingBlocks     *int     `json:"thinking_blocks,omitempty"`
	SubagentCount      *int     `json:"subagent_count,omitempty"`
	CostEstimateUSD    *float64 `json:"cost_estimate_usd,omitempty"`
	InitialPrompt      *string  `json:"initial_prompt,omitempty"`
}

// ActiveLifecycles are the lifecycle values counted as "active" by aggregate
// queries (workspace list, device list).
var ActiveLifecycles = []Lifecycle{LifecycleDetected, LifecycleCapturing}

// TerminalParseLifecycles are the lifecycle values a session must reach before
// the backfill client's wait-for-completion loop considers it done.
var TerminalParseLifecycles = []Lifecycle{LifecycleParsed, LifecycleSummarized, LifecycleArchived, LifecycleFailed}
