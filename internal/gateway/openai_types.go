package gateway

import (
	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/registry"
)

type ChatCompletionsRequest struct {
	// Model is advisory; routing picks the serving model.
	Model               string                 `json:"model"`
	Messages            []orchestrator.Message `json:"messages"`
	Stream              *bool                  `json:"stream,omitempty"`
	Tools               []map[string]any       `json:"tools,omitempty"`
	MaxCompletionTokens int                    `json:"max_completion_tokens,omitempty"`
	MaxTokens           int                    `json:"max_tokens,omitempty"`
	StreamOptions       map[string]any         `json:"stream_options,omitempty"`
}

// streaming defaults to true.
func (r ChatCompletionsRequest) streaming() bool {
	return r.Stream == nil || *r.Stream
}

func (r ChatCompletionsRequest) includeUsage() bool {
	v, _ := r.StreamOptions["include_usage"].(bool)
	return v
}

type ChatCompletionsResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   OpenAIUsage            `json:"usage"`
}

type ChatCompletionChoice struct {
	Index        int                 `json:"index"`
	Message      ChatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type ChatResponseMessage struct {
	Role      string                  `json:"role"`
	// Content is null for a reply made only of tool calls.
	Content   *string                 `json:"content"`
	ToolCalls []orchestrator.ToolCall `json:"tool_calls,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIUsage(u orchestrator.Usage) OpenAIUsage {
	return OpenAIUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *OpenAIUsage  `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type ChunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ChunkToolCall `json:"tool_calls,omitempty"`
}

type ChunkToolCall struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function ChunkFunction `json:"function"`
}

type ChunkFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type ErrorEnvelope struct {
	Error ErrorResponse `json:"error"`
}

type ErrorResponse struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type ModelInfo struct {
	ID           string                `json:"id"`
	Object       string                `json:"object"`
	OwnedBy      string                `json:"owned_by"`
	Capabilities []registry.Capability `json:"capabilities"`
	MaxContext   int                   `json:"max_context"`
}

type ModelList struct {
	Object string                             `json:"object"`
	Data   []ModelInfo                        `json:"data"`
	Routes map[registry.TaskCategory][]string `json:"routes"`
}
