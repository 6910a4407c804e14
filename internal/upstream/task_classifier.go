package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/OverClawApp/releases-sub001/internal/metrics"
	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/registry"
)

const classifierPrompt = `You are a task classifier for an AI routing system. Analyze the user's message and classify it into exactly ONE category.

Categories:
- coding-hard: Complex programming tasks (architecture, debugging, multi-file changes, algorithms, system design)
- coding-simple: Simple code questions, small scripts, syntax help, basic code generation
- reasoning: Complex analysis, research, planning, strategy, long documents, comparisons
- math: Mathematics, statistics, equations, proofs, numerical analysis
- creative: Writing, storytelling, poetry, brainstorming, marketing copy, creative content
- chat: Casual conversation, simple questions, greetings, opinions, recommendations
- quick: One-line answers, facts, definitions, translations, formatting, simple lookups
- vision: Image analysis, describing images, visual tasks (ONLY if message contains images)

Respond with ONLY the category name, nothing else. Examples:
"Write a REST API in Python with auth" → coding-hard
"What's the syntax for a for loop in JS?" → coding-simple
"Compare the pros and cons of React vs Vue" → reasoning
"Solve this integral: ∫x²dx" → math
"Write a poem about the ocean" → creative
"Hey, how's it going?" → chat
"What's the capital of France?" → quick`

var (
	greetingPattern     = regexp.MustCompile(`^(hi|hey|hello|sup|yo|morning|afternoon|evening|how are|what'?s up)`)
	factualPattern      = regexp.MustCompile(`^(what is|what'?s|who is|when did|where is|how many|define|translate)`)
	architecturePattern = regexp.MustCompile(`(architecture|system design|refactor\s+entire|multi[-\s]?file|distributed system|performance tuning|big[-\s]?o|algorithmic optimization)`)
	programmingPattern  = regexp.MustCompile(`(code|coding|debug|bug|fix|function|api|react|next\.js|typescript|javascript|python|sql|npm|build|compile|install)`)
)

// KeySource hands out credentials for a key namespace.
type KeySource interface {
	Next(keyEnv string) (string, bool)
}

type ClassifierOptions struct {
	BaseURL  string
	Model    string
	KeyEnv   string
	Timeout  time.Duration
	MaxChars int
}

// TaskClassifier maps the latest user turn to a task category. Cheap
// heuristics run first; a small model call settles the rest.
type TaskClassifier struct {
	client *http.Client
	keys   KeySource
	opts   ClassifierOptions
	log    zerolog.Logger
}

func NewTaskClassifier(client *http.Client, keys KeySource, opts ClassifierOptions, log zerolog.Logger) *TaskClassifier {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = "gpt-4.1-mini"
	}
	if opts.KeyEnv == "" {
		opts.KeyEnv = "OPENAI_API_KEY"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 500
	}
	return &TaskClassifier{client: client, keys: keys, opts: opts, log: log}
}

// Classify never fails; anything undecidable is chat.
func (c *TaskClassifier) Classify(ctx context.Context, messages []orchestrator.Message) registry.TaskCategory {
	cat, source := c.classify(ctx, messages)
	metrics.Classifications.WithLabelValues(string(cat), source).Inc()
	return cat
}

func (c *TaskClassifier) classify(ctx context.Context, messages []orchestrator.Message) (registry.TaskCategory, string) {
	var last *orchestrator.Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = &messages[i]
			break
		}
	}
	if last == nil {
		return registry.CategoryChat, "default"
	}

	if parts, ok := last.Content.([]any); ok {
		for _, p := range parts {
			if isImagePart(p) {
				return registry.CategoryVision, "heuristic"
			}
		}
	}
	text := extractText(last.Content)
	if strings.Contains(text, "[IMAGE:") {
		return registry.CategoryVision, "heuristic"
	}
	if strings.Contains(text, "[FILE:") {
		return registry.CategoryReasoning, "heuristic"
	}

	lower := strings.ToLower(strings.TrimSpace(text))
	n := utf8.RuneCountInString(lower)
	switch {
	case n < 20 && greetingPattern.MatchString(lower):
		return registry.CategoryChat, "heuristic"
	case n < 50 && factualPattern.MatchString(lower):
		return registry.CategoryQuick, "heuristic"
	case architecturePattern.MatchString(lower):
		return registry.CategoryCodingHard, "heuristic"
	case n < 320 && programmingPattern.MatchString(lower):
		return registry.CategoryCodingSimple, "heuristic"
	}

	if cat, ok := c.ask(ctx, text); ok {
		return cat, "llm"
	}
	return registry.CategoryChat, "default"
}

func (c *TaskClassifier) ask(ctx context.Context, text string) (registry.TaskCategory, bool) {
	if c.keys == nil {
		return "", false
	}
	key, ok := c.keys.Next(c.opts.KeyEnv)
	if !ok {
		return "", false
	}
	if utf8.RuneCountInString(text) > c.opts.MaxChars {
		text = string([]rune(text)[:c.opts.MaxChars])
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	payload := map[string]any{
		"model": c.opts.Model,
		"messages": []map[string]string{
			{"role": "system", "content": classifierPrompt},
			{"role": "user", "content": text},
		},
		"max_tokens":  10,
		"temperature": 0,
	}
	resp, err := postJSON(ctx, c.client, "classifier", c.opts.BaseURL+"/chat/completions",
		map[string]string{"authorization": "Bearer " + key}, payload)
	if err != nil {
		c.log.Debug().Err(err).Msg("classifier call failed")
		return "", false
	}
	defer resp.Body.Close()

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || json.Unmarshal(raw, &out) != nil || len(out.Choices) == 0 {
		return "", false
	}
	label := strings.Trim(out.Choices[0].Message.Content, " \t\r\n.\"'`")
	return registry.ParseCategory(label)
}
