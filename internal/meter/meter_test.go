package meter

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const sampleStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-20250514","usage":{"input_tokens":100,"output_tokens":0,"cache_creation_input_tokens":0,"cache_read_input_tokens":50}}}

event: content_block_start
data: {"type":"content_block_start","index":0}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","usage":{"output_tokens":250}}}

event: message_stop
data: {"type":"message_stop"}

data: [DONE]
`

func TestParseSSEStream(t *testing.T) {
	usage := Parse([]byte(sampleStream), "text/event-stream; charset=utf-8")

	assert.Equal(t, "claude-sonnet-4-20250514", usage.Model)
	assert.Equal(t, int64(100), usage.InputTokens)
	assert.Equal(t, int64(250), usage.OutputTokens)
	assert.Equal(t, int64(0), usage.CacheCreationTokens)
	assert.Equal(t, int64(50), usage.CacheReadTokens)
	assert.Equal(t, int64(400), usage.TotalTokens())
}

func TestParseSSEDeltaReplacesRunningTotal(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"message_start","message":{"model":"claude-haiku-4-5","usage":{"input_tokens":10,"output_tokens":5}}}`,
		`data: {"type":"message_delta","delta":{"usage":{"output_tokens":20}}}`,
		`data: {"type":"message_delta","delta":{"usage":{"output_tokens":35}}}`,
	}, "\n")

	usage := Parse([]byte(stream), "text/event-stream")
	assert.Equal(t, int64(35), usage.OutputTokens)
}

func TestParseSSEModelFromSecondarySource(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"content_block_start","model":"claude-opus-4"}`,
		`data: {"type":"content_block_delta","model":"claude-sonnet-4"}`,
	}, "\n")

	// The first event that names a model wins; later ones do not
	// overwrite it.
	usage := Parse([]byte(stream), "text/event-stream")
	assert.Equal(t, "claude-opus-4", usage.Model)
}

func TestParseSSESkipsGarbageLines(t *testing.T) {
	stream := strings.Join([]string{
		`data: not json at all`,
		`data: `,
		`: comment line`,
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4","usage":{"input_tokens":7}}}`,
	}, "\n")

	usage := Parse([]byte(stream), "text/event-stream")
	assert.Equal(t, "claude-sonnet-4", usage.Model)
	assert.Equal(t, int64(7), usage.InputTokens)
}

func TestParseJSONBody(t *testing.T) {
	body := `{"id":"msg_1","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":12,"output_tokens":34,"cache_creation_input_tokens":5,"cache_read_input_tokens":6}}`

	usage := Parse([]byte(body), "application/json")
	assert.Equal(t, "claude-3-5-haiku-20241022", usage.Model)
	assert.Equal(t, int64(12), usage.InputTokens)
	assert.Equal(t, int64(34), usage.OutputTokens)
	assert.Equal(t, int64(5), usage.CacheCreationTokens)
	assert.Equal(t, int64(6), usage.CacheReadTokens)
}

func TestParseDegradesGracefully(t *testing.T) {
	for name, tc := range map[string]struct {
		body        string
		contentType string
	}{
		"empty body":     {"", "application/json"},
		"invalid json":   {"{{{", "application/json"},
		"invalid stream": {"data: {{{", "text/event-stream"},
		"binary":         {"\xff\xfe\x00", "text/event-stream"},
	} {
		t.Run(name, func(t *testing.T) {
			usage := Parse([]byte(tc.body), tc.contentType)
			assert.Equal(t, "unknown", usage.Model)
			assert.Zero(t, usage.TotalTokens())
		})
	}
}

func TestGenerationTime(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	last := first.Add(2 * time.Second)

	assert.Equal(t, 2.0, GenerationTime(first, last, 100, 9.0))
	// Missing timestamps fall back to wall-clock time.
	assert.Equal(t, 9.0, GenerationTime(time.Time{}, last, 100, 9.0))
	// No output tokens also falls back.
	assert.Equal(t, 9.0, GenerationTime(first, last, 0, 9.0))
}

func TestOutputTPS(t *testing.T) {
	assert.Equal(t, 125.0, OutputTPS(250, 2.0))
	assert.Zero(t, OutputTPS(0, 2.0))
	assert.Zero(t, OutputTPS(250, 0))
}
