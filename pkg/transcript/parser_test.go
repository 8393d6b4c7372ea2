package transcript_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/transcript"
)

func TestParseBasicConversation(t *testing.T) {
	body := []byte(
		`{"type":"user","timestamp":"2026-01-01T00:00:00Z","message":{"role":"user","content":"hello there"}}` + "\n" +
			`{"type":"assistant","timestamp":"2026-01-01T00:00:01Z","message":{"id":"m1","role":"assistant","model":"claude-x","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":10,"output_tokens":5}}}` + "\n",
	)

	res := transcript.Parse("session-1", body)

	require.Empty(t, res.Errors)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, models.MessageTypeUser, res.Messages[0].MessageType)
	assert.Equal(t, models.MessageTypeAssistant, res.Messages[1].MessageType)
	assert.Equal(t, 2, res.Stats.TotalMessages)
	assert.Equal(t, 1, res.Stats.UserMessages)
	assert.Equal(t, 1, res.Stats.AssistantMessages)
	assert.EqualValues(t, 10, res.Stats.TokensIn)
	assert.EqualValues(t, 5, res.Stats.TokensOut)
	require.NotNil(t, res.Stats.InitialPrompt)
	assert.Equal(t, "hello there", *res.Stats.InitialPrompt)
}

func TestParseGroupsStreamingAssistantMessages(t *testing.T) {
	body := []byte(
		`{"type":"assistant","timestamp":"2026-01-01T00:00:00Z","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"a"}]}}` + "\n" +
			`{"type":"assistant","timestamp":"2026-01-01T00:00:01Z","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"b"}],"usage":{"input_tokens":3,"output_tokens":7}}}` + "\n",
	)

	res := transcript.Parse("session-1", body)

	require.Len(t, res.Messages, 1, "consecutive lines sharing message.id must group into one message")
	require.Len(t, res.ContentBlocks, 2)
	assert.EqualValues(t, 3, res.Messages[0].TokensIn, "usage must come from the last line of the group")
	assert.EqualValues(t, 7, res.Messages[0].TokensOut)
}

func TestParseSkipsIgnoredLineTypes(t *testing.T) {
	body := []byte(`{"type":"progress","data":{}}` + "\n")
	res := transcript.Parse("session-1", body)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Messages)
}

func TestParseReportsInvalidJSONAndMissingType(t *testing.T) {
	body := []byte("not json\n" + `{"no_type":true}` + "\n")
	res := transcript.Parse("session-1", body)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "Invalid JSON", res.Errors[0].Message)
	assert.Equal(t, "Missing type field", res.Errors[1].Message)
}

func TestParseUnknownTypeIsAnError(t *testing.T) {
	body := []byte(`{"type":"mystery"}` + "\n")
	res := transcript.Parse("session-1", body)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Unknown line type", res.Errors[0].Message)
}

func TestParseCostEstimate(t *testing.T) {
	body := []byte(
		`{"type":"assistant","timestamp":"2026-01-01T00:00:00Z","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"a"}],"usage":{"input_tokens":1000000,"output_tokens":1000000}}}` + "\n",
	)
	res := transcript.Parse("session-1", body)
	assert.InDelta(t, 18.0, res.Stats.CostEstimateUSD, 0.0001)
}
