package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/requestctx"
	"github.com/OverClawApp/releases-sub001/internal/upstream"
)

const (
	headerTaskCategory = "X-Task-Category"
	headerModelUsed    = "X-Model-Used"
)

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	var req ChatCompletionsRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "messages required")
		return
	}

	category := s.classifier.Classify(r.Context(), req.Messages)
	w.Header().Set(headerTaskCategory, string(category))

	maxTokens := req.MaxCompletionTokens
	if maxTokens <= 0 {
		maxTokens = req.MaxTokens
	}
	creq := orchestrator.Request{
		RunID:               "chatcmpl-" + uuid.NewString(),
		UserID:              requestctx.UserID(r.Context()),
		Category:            category,
		Model:               req.Model,
		Messages:            upstream.ExtractInlineMedia(req.Messages),
		Tools:               req.Tools,
		MaxCompletionTokens: maxTokens,
		StreamOptions:       req.StreamOptions,
	}
	r = r.WithContext(requestctx.WithRunID(r.Context(), creq.RunID))
	s.log.Info().
		Str("run_id", creq.RunID).
		Str("user_id", creq.UserID).
		Str("client_ip", requestClientIP(r)).
		Str("category", string(category)).
		Bool("stream", req.streaming()).
		Int("messages", len(req.Messages)).
		Msg("chat request")

	if req.streaming() {
		s.streamChat(w, r, creq, req.includeUsage())
		return
	}

	resp, err := s.service.Complete(r.Context(), creq)
	if err != nil {
		status, kind, msg := errorStatus(err)
		s.log.Warn().Err(err).Str("run_id", creq.RunID).Int("status", status).Msg("chat request failed")
		s.writeError(w, status, kind, msg)
		return
	}
	w.Header().Set(headerModelUsed, resp.Model)
	var content *string
	if resp.Text != "" || len(resp.ToolCalls) == 0 {
		content = &resp.Text
	}
	writeJSON(w, http.StatusOK, ChatCompletionsResponse{
		ID:      creq.RunID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []ChatCompletionChoice{{
			Index: 0,
			Message: ChatResponseMessage{
				Role:      "assistant",
				Content:   content,
				ToolCalls: resp.ToolCalls,
			},
			FinishReason: resp.FinishReason,
		}},
		Usage: toOpenAIUsage(resp.Usage),
	})
}

// streamChat holds the response headers until the first content or failure
// so a request that never produced output still gets a real error status.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, creq orchestrator.Request, includeUsage bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
		return
	}
	out := &sseWriter{w: w, flusher: flusher}
	created := time.Now().Unix()

	var (
		started  bool
		model    string
		usage    orchestrator.Usage
		noticed  bool
		sawTools bool
		runErr   error
	)
	start := func(servedBy string) {
		if started {
			return
		}
		started = true
		h := w.Header()
		h.Set("content-type", "text/event-stream")
		h.Set("cache-control", "no-cache")
		h.Set("connection", "keep-alive")
		if servedBy != "" {
			h.Set(headerModelUsed, servedBy)
		}
		w.WriteHeader(http.StatusOK)
	}
	chunk := func(delta ChunkDelta, finish *string) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      creq.RunID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	events, errs := s.service.Stream(r.Context(), creq)
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Model != "" {
				model = ev.Model
			}
			switch ev.Type {
			case orchestrator.EventTextDelta:
				first := !started
				start(ev.Model)
				delta := ChunkDelta{Content: ev.Text}
				if first {
					delta.Role = "assistant"
				}
				out.data(chunk(delta, nil))
			case orchestrator.EventToolCallDelta:
				first := !started
				start(ev.Model)
				sawTools = true
				tc := ChunkToolCall{
					Index:    ev.ToolCall.Index,
					ID:       ev.ToolCall.ID,
					Function: ChunkFunction{Name: ev.ToolCall.Name, Arguments: ev.ToolCall.Arguments},
				}
				if tc.ID != "" {
					tc.Type = "function"
				}
				delta := ChunkDelta{ToolCalls: []ChunkToolCall{tc}}
				if first {
					delta.Role = "assistant"
				}
				out.data(chunk(delta, nil))
			case orchestrator.EventNotice:
				start(ev.Model)
				noticed = true
				stop := "stop"
				out.data(chunk(ChunkDelta{Content: ev.Text}, &stop))
			case orchestrator.EventUsage:
				usage = ev.Usage
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			runErr = err
		}
	}

	if runErr != nil {
		status, kind, msg := errorStatus(runErr)
		s.log.Warn().Err(runErr).Str("run_id", creq.RunID).Int("status", status).Bool("started", started).Msg("chat stream failed")
		if !started {
			s.writeError(w, status, kind, msg)
			return
		}
		out.data(ErrorEnvelope{Error: ErrorResponse{Type: kind, Message: msg}})
		out.done()
		return
	}

	start(model)
	if !noticed {
		finish := "stop"
		if sawTools {
			finish = "tool_calls"
		}
		out.data(chunk(ChunkDelta{}, &finish))
	}
	if includeUsage {
		u := toOpenAIUsage(usage)
		final := chunk(ChunkDelta{}, nil)
		final.Choices = []ChunkChoice{}
		final.Usage = &u
		out.data(final)
	}
	out.done()
	if out.err != nil {
		s.log.Debug().Err(out.err).Str("run_id", creq.RunID).Msg("client went away mid-stream")
	}
}
