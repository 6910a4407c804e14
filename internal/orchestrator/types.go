// Package orchestrator defines the canonical request, stream event and
// response types shared by the HTTP surface and the upstream router.
package orchestrator

import (
	"context"

	"github.com/OverClawApp/releases-sub001/internal/registry"
)

// Service runs one chat request against the candidate chain for its category.
type Service interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, <-chan error)
}

type Request struct {
	RunID    string
	UserID   string
	Category registry.TaskCategory
	// Model is the caller's requested model. Routing ignores it.
	Model               string
	Messages            []Message
	Tools               []map[string]any
	MaxCompletionTokens int
	StreamOptions       map[string]any
}

// Message is an OpenAI-shaped chat message. Content is a string, a []any of
// content parts, or nil.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventToolCallDelta EventType = "tool_call_delta"
	EventUsage         EventType = "usage"
	// EventNotice carries the inline error appended after a mid-stream failure.
	EventNotice EventType = "notice"
)

type StreamEvent struct {
	Type     EventType
	Text     string
	ToolCall ToolCallDelta
	Usage    Usage
	// Model is the registry id of the model that produced the event.
	Model string
}

// IsContent reports whether the event carries output that reaches the caller.
func (e StreamEvent) IsContent() bool {
	return e.Type == EventTextDelta || e.Type == EventToolCallDelta
}

// ToolCallDelta is one fragment of a streamed tool call. ID and Name arrive
// with the first fragment for an index; Arguments accumulate.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

type Response struct {
	Model        string
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Accumulate folds stream events into a Response.
func Accumulate(events []StreamEvent) Response {
	var resp Response
	byIndex := map[int]int{}
	for _, ev := range events {
		if ev.Model != "" {
			resp.Model = ev.Model
		}
		switch ev.Type {
		case EventTextDelta, EventNotice:
			resp.Text += ev.Text
		case EventToolCallDelta:
			pos, ok := byIndex[ev.ToolCall.Index]
			if !ok {
				pos = len(resp.ToolCalls)
				byIndex[ev.ToolCall.Index] = pos
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{Type: "function"})
			}
			tc := &resp.ToolCalls[pos]
			if ev.ToolCall.ID != "" {
				tc.ID = ev.ToolCall.ID
			}
			if ev.ToolCall.Name != "" {
				tc.Function.Name = ev.ToolCall.Name
			}
			tc.Function.Arguments += ev.ToolCall.Arguments
		case EventUsage:
			resp.Usage = ev.Usage
		}
	}
	resp.FinishReason = "stop"
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	}
	return resp
}
