package upstream

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
)

var dataURLPattern = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

func partType(part any) string {
	m, ok := part.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := m["type"].(string)
	return t
}

func isImagePart(part any) bool {
	t := partType(part)
	return t == "image_url" || t == "image"
}

// stripImages drops image parts. A lone remaining text part collapses to a
// plain string; messages left with no parts are removed.
func stripImages(messages []orchestrator.Message) []orchestrator.Message {
	out := make([]orchestrator.Message, 0, len(messages))
	for _, m := range messages {
		parts, ok := m.Content.([]any)
		if !ok {
			out = append(out, m)
			continue
		}
		kept := make([]any, 0, len(parts))
		for _, p := range parts {
			if !isImagePart(p) {
				kept = append(kept, p)
			}
		}
		switch {
		case len(kept) == 0:
			if len(m.ToolCalls) == 0 {
				continue
			}
			m.Content = nil
		case len(kept) == 1 && partType(kept[0]) == "text":
			m.Content, _ = kept[0].(map[string]any)["text"].(string)
		default:
			m.Content = kept
		}
		out = append(out, m)
	}
	return out
}

// extractText joins the text of a string or content-part list.
func extractText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var texts []string
		for _, item := range v {
			if m, ok := item.(map[string]any); ok && partType(m) == "text" {
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		return strings.Join(texts, " ")
	}
	return ""
}

// toAnthropicMessages splits system text from the conversation and rewrites
// tool traffic and image parts into Anthropic blocks.
func toAnthropicMessages(messages []orchestrator.Message) (string, []map[string]any) {
	var system []string
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == "system":
			system = append(system, extractText(m.Content))
		case m.Role == "tool":
			id := m.ToolCallID
			if id == "" {
				id = "unknown"
			}
			result, ok := m.Content.(string)
			if !ok {
				raw, _ := json.Marshal(m.Content)
				result = string(raw)
			}
			out = append(out, map[string]any{
				"role": "user",
				"content": []map[string]any{
					{"type": "tool_result", "tool_use_id": id, "content": result},
				},
			})
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			blocks := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if text := extractText(m.Content); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			for _, tc := range m.ToolCalls {
				input := map[string]any{}
				if strings.TrimSpace(tc.Function.Arguments) != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": input,
				})
			}
			out = append(out, map[string]any{"role": "assistant", "content": blocks})
		default:
			role := "user"
			if m.Role == "assistant" {
				role = "assistant"
			}
			out = append(out, map[string]any{"role": role, "content": toAnthropicContent(m.Content)})
		}
	}
	return strings.Join(system, "\n"), out
}

// toAnthropicContent maps OpenAI image_url parts to Anthropic image blocks
// with a base64 or url source.
func toAnthropicContent(content any) any {
	parts, ok := content.([]any)
	if !ok {
		if content == nil {
			return ""
		}
		return content
	}
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if partType(p) != "image_url" {
			out = append(out, p)
			continue
		}
		url := imageURL(p.(map[string]any))
		if match := dataURLPattern.FindStringSubmatch(url); match != nil {
			out = append(out, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "base64", "media_type": match[1], "data": match[2]},
			})
			continue
		}
		out = append(out, map[string]any{
			"type":   "image",
			"source": map[string]any{"type": "url", "url": url},
		})
	}
	return out
}

func imageURL(part map[string]any) string {
	switch v := part["image_url"].(type) {
	case string:
		return v
	case map[string]any:
		s, _ := v["url"].(string)
		return s
	}
	return ""
}

// toAnthropicTools accepts OpenAI function tools or bare tool objects.
func toAnthropicTools(tools []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		src := t
		if fn, ok := t["function"].(map[string]any); ok {
			src = fn
		}
		name, _ := src["name"].(string)
		desc, _ := src["description"].(string)
		schema := src["parameters"]
		if schema == nil {
			schema = src["input_schema"]
		}
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"name":         name,
			"description":  desc,
			"input_schema": schema,
		})
	}
	return out
}
