package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/registry"
)

// OpenAIAdapter speaks the chat-completions streaming protocol used by
// OpenAI and every OpenAI-compatible provider in the catalog.
type OpenAIAdapter struct {
	client *http.Client
}

func NewOpenAIAdapter(client *http.Client) *OpenAIAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIAdapter{client: client}
}

func (a *OpenAIAdapter) Protocol() registry.Protocol { return registry.ProtocolOpenAI }

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// openAICompletion is the non-streaming response shape, tolerated when a
// provider ignores stream=true.
type openAICompletion struct {
	Choices []struct {
		Message struct {
			Content   string                  `json:"content"`
			ToolCalls []orchestrator.ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (a *OpenAIAdapter) payload(call Call) map[string]any {
	body := map[string]any{
		"model":    call.Model.UpstreamModel,
		"messages": outboundMessages(call),
		"stream":   true,
	}
	if len(call.Tools) > 0 {
		body["tools"] = call.Tools
	}
	if call.MaxCompletionTokens > 0 {
		body["max_completion_tokens"] = call.MaxCompletionTokens
	} else {
		body["max_tokens"] = defaultMaxTokens
	}
	if len(call.StreamOptions) > 0 {
		body["stream_options"] = call.StreamOptions
	}
	return body
}

func (a *OpenAIAdapter) Stream(ctx context.Context, call Call) (<-chan orchestrator.StreamEvent, <-chan error) {
	return runStream(ctx, func(emit func(orchestrator.StreamEvent) error) error {
		resp, err := postJSON(ctx, a.client, call.Model.Provider, call.Model.BaseURL+"/chat/completions",
			map[string]string{"authorization": "Bearer " + call.APIKey}, a.payload(call))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if !isEventStream(resp) && strings.Contains(strings.ToLower(resp.Header.Get("content-type")), "json") {
			return a.emitCompletion(resp.Body, emit)
		}
		return a.readStream(resp.Body, call.Model.Provider, emit)
	})
}

func (a *OpenAIAdapter) readStream(body io.Reader, provider string, emit func(orchestrator.StreamEvent) error) error {
	seen := false
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		seen = true
		if chunk.Error != nil {
			return &ProviderError{Provider: provider, Body: chunk.Error.Message}
		}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				if err := emit(orchestrator.StreamEvent{Type: orchestrator.EventTextDelta, Text: delta.Content}); err != nil {
					return err
				}
			}
			for _, tc := range delta.ToolCalls {
				ev := orchestrator.StreamEvent{
					Type: orchestrator.EventToolCallDelta,
					ToolCall: orchestrator.ToolCallDelta{
						Index:     tc.Index,
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
				if err := emit(ev); err != nil {
					return err
				}
			}
		}
		// Providers differ on where usage arrives; the latest value wins.
		if chunk.Usage != nil {
			if err := emit(usageEvent(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if !seen {
		return errEmptyStream
	}
	return nil
}

func (a *OpenAIAdapter) emitCompletion(body io.Reader, emit func(orchestrator.StreamEvent) error) error {
	raw, err := io.ReadAll(io.LimitReader(body, 8<<20))
	if err != nil {
		return err
	}
	var parsed openAICompletion
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return err
	}
	if len(parsed.Choices) == 0 {
		return errEmptyStream
	}
	msg := parsed.Choices[0].Message
	if msg.Content != "" {
		if err := emit(orchestrator.StreamEvent{Type: orchestrator.EventTextDelta, Text: msg.Content}); err != nil {
			return err
		}
	}
	for i, tc := range msg.ToolCalls {
		ev := orchestrator.StreamEvent{
			Type:     orchestrator.EventToolCallDelta,
			ToolCall: orchestrator.ToolCallDelta{Index: i, ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
	if parsed.Usage != nil {
		return emit(usageEvent(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens))
	}
	return nil
}

func usageEvent(in, out int) orchestrator.StreamEvent {
	return orchestrator.StreamEvent{
		Type:  orchestrator.EventUsage,
		Usage: orchestrator.Usage{InputTokens: in, OutputTokens: out},
	}
}
