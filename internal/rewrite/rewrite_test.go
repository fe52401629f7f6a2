package rewrite

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	return payload
}

func TestRewriteTopLevelModel(t *testing.T) {
	r := New(true, map[string]string{"A": "B"}, nil)

	out := r.RewriteBody([]byte(`{"model":"A","messages":[]}`))
	assert.Equal(t, "B", decode(t, out)["model"])
}

func TestRewriteGlobPattern(t *testing.T) {
	r := New(true, map[string]string{"claude-3-5-*": "claude-sonnet-4-20250514"}, nil)

	out := r.RewriteBody([]byte(`{"model":"claude-3-5-haiku-20241022"}`))
	assert.Equal(t, "claude-sonnet-4-20250514", decode(t, out)["model"])

	// No match passes through.
	out = r.RewriteBody([]byte(`{"model":"claude-opus-4-20250514"}`))
	assert.Equal(t, "claude-opus-4-20250514", decode(t, out)["model"])
}

func TestExactMatchBeatsGlob(t *testing.T) {
	r := New(true, map[string]string{
		"claude-3-5-haiku-20241022": "exact-target",
		"claude-3-5-*":              "glob-target",
	}, nil)

	model, ok := r.Resolve("claude-3-5-haiku-20241022")
	require.True(t, ok)
	assert.Equal(t, "exact-target", model)
}

func TestRewriteToolUseBlocks(t *testing.T) {
	r := New(true, map[string]string{"A": "B"}, nil)

	body := []byte(`{
		"model": "A",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "name": "A", "input": {}},
				{"type": "text", "text": "A"}
			]}
		]
	}`)
	payload := decode(t, r.RewriteBody(body))

	assert.Equal(t, "B", payload["model"])
	blocks := payload["messages"].([]any)[0].(map[string]any)["content"].([]any)
	assert.Equal(t, "B", blocks[0].(map[string]any)["name"])
	// Text blocks are untouched.
	assert.Equal(t, "A", blocks[1].(map[string]any)["text"])
}

func TestRewritePreservesLargeIntegers(t *testing.T) {
	r := New(true, map[string]string{"A": "B"}, nil)

	// 2^53+1 is not representable as a float64; it must survive the
	// rewrite round trip unchanged.
	out := r.RewriteBody([]byte(`{"model":"A","metadata":{"seed":9007199254740993}}`))
	assert.Equal(t, "B", decode(t, out)["model"])
	assert.Contains(t, string(out), "9007199254740993")
}

func TestDisabledIsNoOp(t *testing.T) {
	r := New(false, map[string]string{"A": "B"}, nil)

	body := []byte(`{"model":"A"}`)
	assert.Equal(t, body, r.RewriteBody(body))
}

func TestEmptyMappingIsNoOp(t *testing.T) {
	r := New(true, nil, nil)

	body := []byte(`{"model":"A"}`)
	assert.Equal(t, body, r.RewriteBody(body))
}

func TestInvalidJSONPassesThrough(t *testing.T) {
	r := New(true, map[string]string{"A": "B"}, nil)

	body := []byte(`this is not json`)
	assert.Equal(t, body, r.RewriteBody(body))
}

func TestUpdateSwapsMapping(t *testing.T) {
	r := New(false, nil, nil)
	r.Update(true, map[string]string{"old-*": "new-model"})

	enabled, mapping := r.Config()
	assert.True(t, enabled)
	assert.Equal(t, map[string]string{"old-*": "new-model"}, mapping)

	out := r.RewriteBody([]byte(`{"model":"old-thing"}`))
	assert.Equal(t, "new-model", decode(t, out)["model"])
}
