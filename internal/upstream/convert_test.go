package upstream

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
)

func TestStripImages(t *testing.T) {
	msgs := []orchestrator.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: []any{
			map[string]any{"type": "text", "text": "what is this?"},
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": "https://x/y.png"}},
		}},
		{Role: "user", Content: []any{
			map[string]any{"type": "image", "source": map[string]any{}},
		}},
		{Role: "user", Content: []any{
			map[string]any{"type": "text", "text": "a"},
			map[string]any{"type": "text", "text": "b"},
		}},
	}

	out := stripImages(msgs)
	require.Len(t, out, 3)
	assert.Equal(t, "be brief", out[0].Content)
	assert.Equal(t, "what is this?", out[1].Content)
	assert.Len(t, out[2].Content, 2)
	// input untouched
	assert.Len(t, msgs[1].Content, 2)
}

func TestToAnthropicMessages(t *testing.T) {
	system, msgs := toAnthropicMessages([]orchestrator.Message{
		{Role: "system", Content: "rule one"},
		{Role: "system", Content: "rule two"},
		{Role: "user", Content: []any{
			map[string]any{"type": "text", "text": "look"},
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": "data:image/png;base64,AAAA"}},
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": "https://img.example/cat.jpg"}},
		}},
		{Role: "assistant", Content: "checking", ToolCalls: []orchestrator.ToolCall{
			{ID: "call_1", Type: "function", Function: orchestrator.FunctionCall{Name: "lookup", Arguments: `{"q":"cat"}`}},
		}},
		{Role: "tool", ToolCallID: "call_1", Content: "a cat"},
		{Role: "tool", Content: map[string]any{"ok": true}},
	})

	assert.Equal(t, "rule one\nrule two", system)
	require.Len(t, msgs, 4)

	parts := msgs[0]["content"].([]any)
	require.Len(t, parts, 3)
	assert.Equal(t, map[string]any{
		"type":   "image",
		"source": map[string]any{"type": "base64", "media_type": "image/png", "data": "AAAA"},
	}, parts[1])
	assert.Equal(t, map[string]any{
		"type":   "image",
		"source": map[string]any{"type": "url", "url": "https://img.example/cat.jpg"},
	}, parts[2])

	assistant := msgs[1]["content"].([]map[string]any)
	require.Len(t, assistant, 2)
	assert.Equal(t, "text", assistant[0]["type"])
	assert.Equal(t, "tool_use", assistant[1]["type"])
	assert.Equal(t, map[string]any{"q": "cat"}, assistant[1]["input"])

	assert.Equal(t, "user", msgs[2]["role"])
	result := msgs[2]["content"].([]map[string]any)[0]
	assert.Equal(t, "tool_result", result["type"])
	assert.Equal(t, "call_1", result["tool_use_id"])
	assert.Equal(t, "a cat", result["content"])

	fallback := msgs[3]["content"].([]map[string]any)[0]
	assert.Equal(t, "unknown", fallback["tool_use_id"])
	assert.Equal(t, `{"ok":true}`, fallback["content"])
}

func TestToAnthropicTools(t *testing.T) {
	tools := toAnthropicTools([]map[string]any{
		{"type": "function", "function": map[string]any{
			"name": "get_weather", "description": "weather", "parameters": map[string]any{"type": "object"},
		}},
		{"name": "bare"},
	})
	require.Len(t, tools, 2)
	assert.Equal(t, "get_weather", tools[0]["name"])
	assert.Equal(t, map[string]any{"type": "object"}, tools[0]["input_schema"])
	assert.Equal(t, "bare", tools[1]["name"])
	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, tools[1]["input_schema"])
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 7*time.Second, parseRetryAfter("7", now))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("-3", now))
}

func TestReadSSE(t *testing.T) {
	stream := ": ping\n" +
		"event: message_start\n" +
		"data: {\"a\":1}\n\n" +
		"data: line1\n" +
		"data: line2\n\n" +
		"event: trailing\n" +
		"data: last"

	type frame struct{ event, data string }
	var frames []frame
	err := readSSE(strings.NewReader(stream), func(event string, data []byte) error {
		frames = append(frames, frame{event, string(data)})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []frame{
		{"message_start", `{"a":1}`},
		{"", "line1\nline2"},
		{"trailing", "last"},
	}, frames)
}
