package upstream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/registry"
	"github.com/OverClawApp/releases-sub001/internal/upstream"
)

type staticKeys map[string]string

func (k staticKeys) Next(env string) (string, bool) {
	v, ok := k[env]
	return v, ok
}

func userSays(text string) []orchestrator.Message {
	return []orchestrator.Message{
		{Role: "system", Content: "you are helpful"},
		{Role: "user", Content: text},
	}
}

func TestTaskClassifier_Heuristics(t *testing.T) {
	c := upstream.NewTaskClassifier(nil, nil, upstream.ClassifierOptions{}, zerolog.Nop())
	ctx := context.Background()

	cases := []struct {
		name     string
		messages []orchestrator.Message
		want     registry.TaskCategory
	}{
		{"factual lookup", userSays("What's the capital of France?"), registry.CategoryQuick},
		{"short greeting", userSays("hello there"), registry.CategoryChat},
		{"long refactor", userSays("Please refactor entire billing module " + strings.Repeat("and keep behaviour ", 24)), registry.CategoryCodingHard},
		{"short programming", userSays("Why does my python script crash on import?"), registry.CategoryCodingSimple},
		{"image marker", userSays("[IMAGE:data:image/png;base64,AA] hello"), registry.CategoryVision},
		{"image part", []orchestrator.Message{{Role: "user", Content: []any{
			map[string]any{"type": "text", "text": "what is the capital of France?"},
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": "https://x/y.png"}},
		}}}, registry.CategoryVision},
		{"file marker", userSays("summarize [FILE:a.txt:data:text/plain;base64,aGk=]"), registry.CategoryReasoning},
		{"no user turn", []orchestrator.Message{{Role: "system", Content: "x"}}, registry.CategoryChat},
		{"latest user turn wins", []orchestrator.Message{
			{Role: "user", Content: "[IMAGE:data:image/png;base64,AA]"},
			{Role: "assistant", Content: "a cat"},
			{Role: "user", Content: "define entropy"},
		}, registry.CategoryQuick},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(ctx, tc.messages))
		})
	}
}

func TestTaskClassifier_GreetingAtLengthBoundaryWithoutKeyIsChat(t *testing.T) {
	// Exactly 20 characters, so it misses the greeting shortcut and needs the model.
	msg := "Hey, how's it going?"
	require.Equal(t, 20, utf8.RuneCountInString(msg))

	c := upstream.NewTaskClassifier(nil, staticKeys{}, upstream.ClassifierOptions{}, zerolog.Nop())
	assert.Equal(t, registry.CategoryChat, c.Classify(context.Background(), userSays(msg)))
}

func TestTaskClassifier_AsksModel(t *testing.T) {
	var got struct {
		Model       string              `json:"model"`
		MaxTokens   int                 `json:"max_tokens"`
		Temperature *float64            `json:"temperature"`
		Messages    []map[string]string `json:"messages"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":" Reasoning.\n"}}]}`)
	}))
	defer srv.Close()

	c := upstream.NewTaskClassifier(srv.Client(), staticKeys{"CLS_KEY": "sk-cls"}, upstream.ClassifierOptions{
		BaseURL: srv.URL + "/v1/",
		Model:   "tiny",
		KeyEnv:  "CLS_KEY",
	}, zerolog.Nop())

	long := strings.Repeat("ocean ", 200)
	cat := c.Classify(context.Background(), userSays(long))

	assert.Equal(t, registry.CategoryReasoning, cat)
	assert.Equal(t, "Bearer sk-cls", auth)
	assert.Equal(t, "tiny", got.Model)
	assert.Equal(t, 10, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.Zero(t, *got.Temperature)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0]["role"])
	assert.Equal(t, 500, utf8.RuneCountInString(got.Messages[1]["content"]))
}

func TestTaskClassifier_ModelFailuresFallBackToChat(t *testing.T) {
	var mode atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch mode.Load() {
		case 0:
			w.WriteHeader(http.StatusInternalServerError)
		case 1:
			fmt.Fprint(w, `{"choices":[{"message":{"content":"poetry"}}]}`)
		default:
			fmt.Fprint(w, `not json`)
		}
	}))
	defer srv.Close()

	c := upstream.NewTaskClassifier(srv.Client(), staticKeys{"OPENAI_API_KEY": "k"}, upstream.ClassifierOptions{BaseURL: srv.URL}, zerolog.Nop())
	msg := userSays("Tell me something surprising about the deep sea and its creatures")
	for i := int32(0); i < 3; i++ {
		mode.Store(i)
		assert.Equal(t, registry.CategoryChat, c.Classify(context.Background(), msg), "mode %d", i)
	}
}
