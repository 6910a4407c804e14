package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/registry"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter speaks the Anthropic messages streaming protocol.
type AnthropicAdapter struct {
	client *http.Client
}

func NewAnthropicAdapter(client *http.Client) *AnthropicAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicAdapter{client: client}
}

func (a *AnthropicAdapter) Protocol() registry.Protocol { return registry.ProtocolAnthropic }

type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *AnthropicAdapter) payload(call Call) map[string]any {
	system, messages := toAnthropicMessages(outboundMessages(call))
	maxTokens := defaultMaxTokens
	if call.MaxCompletionTokens > 0 {
		maxTokens = call.MaxCompletionTokens
	}
	body := map[string]any{
		"model":      call.Model.UpstreamModel,
		"max_tokens": maxTokens,
		"stream":     true,
		"messages":   messages,
	}
	if system != "" {
		body["system"] = system
	}
	if len(call.Tools) > 0 {
		body["tools"] = toAnthropicTools(call.Tools)
	}
	return body
}

func (a *AnthropicAdapter) Stream(ctx context.Context, call Call) (<-chan orchestrator.StreamEvent, <-chan error) {
	return runStream(ctx, func(emit func(orchestrator.StreamEvent) error) error {
		resp, err := postJSON(ctx, a.client, call.Model.Provider, call.Model.BaseURL+"/v1/messages", map[string]string{
			"x-api-key":         call.APIKey,
			"anthropic-version": anthropicVersion,
		}, a.payload(call))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var usage orchestrator.Usage
		seen := false
		err = readSSE(resp.Body, func(eventName string, data []byte) error {
			if strings.TrimSpace(string(data)) == "[DONE]" {
				return nil
			}
			var ev anthropicEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil
			}
			if ev.Type == "" {
				ev.Type = eventName
			}
			seen = true

			switch ev.Type {
			case "message_start":
				usage.InputTokens = ev.Message.Usage.InputTokens
				return emit(usageEvent(usage.InputTokens, usage.OutputTokens))
			case "content_block_start":
				if ev.ContentBlock.Type != "tool_use" {
					return nil
				}
				return emit(orchestrator.StreamEvent{
					Type:     orchestrator.EventToolCallDelta,
					ToolCall: orchestrator.ToolCallDelta{Index: ev.Index, ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name},
				})
			case "content_block_delta":
				switch {
				case ev.Delta.Type == "input_json_delta":
					if ev.Delta.PartialJSON == "" {
						return nil
					}
					return emit(orchestrator.StreamEvent{
						Type:     orchestrator.EventToolCallDelta,
						ToolCall: orchestrator.ToolCallDelta{Index: ev.Index, Arguments: ev.Delta.PartialJSON},
					})
				case ev.Delta.Text != "":
					return emit(orchestrator.StreamEvent{Type: orchestrator.EventTextDelta, Text: ev.Delta.Text})
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = ev.Usage.OutputTokens
					return emit(usageEvent(usage.InputTokens, usage.OutputTokens))
				}
			case "error":
				msg := ev.Error.Message
				if ev.Error.Type != "" {
					msg = ev.Error.Type + ": " + msg
				}
				return &ProviderError{Provider: call.Model.Provider, Body: msg}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !seen {
			return errEmptyStream
		}
		return nil
	})
}
