package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Decision string  `json:"decision"`
	Score    float64 `json:"score"`
}

func TestExtractJSONPlainObject(t *testing.T) {
	var p payload
	require.True(t, ExtractJSON(`{"decision":"select","score":91.5}`, &p))
	assert.Equal(t, "select", p.Decision)
	assert.Equal(t, 91.5, p.Score)
}

func TestExtractJSONStripsFences(t *testing.T) {
	var p payload
	reply := "```json\n{\"decision\": \"merge\"}\n```"
	require.True(t, ExtractJSON(reply, &p))
	assert.Equal(t, "merge", p.Decision)
}

func TestExtractJSONIgnoresSurroundingProse(t *testing.T) {
	var p payload
	reply := `Sure! Here is my verdict: {"decision":"select","score":88} — hope that helps.`
	require.True(t, ExtractJSON(reply, &p))
	assert.Equal(t, "select", p.Decision)
}

func TestExtractJSONHandlesNestedObjects(t *testing.T) {
	var out map[string]any
	reply := `prefix {"outer": {"inner": {"k": "}"}}, "n": 1} suffix`
	require.True(t, ExtractJSON(reply, &out))
	assert.Contains(t, out, "outer")
	assert.EqualValues(t, 1, out["n"])
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	var out map[string]any
	reply := `{"code": "if x { y() }", "ok": true}`
	require.True(t, ExtractJSON(reply, &out))
	assert.Equal(t, "if x { y() }", out["code"])
}

func TestExtractJSONFailsCleanly(t *testing.T) {
	var p payload
	assert.False(t, ExtractJSON("no json here at all", &p))
	assert.False(t, ExtractJSON("{broken", &p))
	assert.False(t, ExtractJSON("", &p))
}

func TestExtractJSONMissingFieldsKeepDefaults(t *testing.T) {
	p := payload{Decision: "fallback", Score: 50}
	require.True(t, ExtractJSON(`{"score": 70}`, &p))
	assert.Equal(t, "fallback", p.Decision)
	assert.Equal(t, 70.0, p.Score)
}
