package registry

import "strings"

// TaskCategory is the closed set of labels the classifier may produce.
type TaskCategory string

const (
	CategoryCodingHard   TaskCategory = "coding-hard"
	CategoryCodingSimple TaskCategory = "coding-simple"
	CategoryReasoning    TaskCategory = "reasoning"
	CategoryMath         TaskCategory = "math"
	CategoryCreative     TaskCategory = "creative"
	CategoryChat         TaskCategory = "chat"
	CategoryQuick        TaskCategory = "quick"
	CategoryVision       TaskCategory = "vision"
)

var allCategories = []TaskCategory{
	CategoryCodingHard,
	CategoryCodingSimple,
	CategoryReasoning,
	CategoryMath,
	CategoryCreative,
	CategoryChat,
	CategoryQuick,
	CategoryVision,
}

// Categories returns every category in declaration order.
func Categories() []TaskCategory {
	return append([]TaskCategory(nil), allCategories...)
}

// ParseCategory accepts a label case-insensitively, rejecting anything
// outside the closed set.
func ParseCategory(raw string) (TaskCategory, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, c := range allCategories {
		if string(c) == raw {
			return c, true
		}
	}
	return "", false
}

// DefaultRoutes is the preferred model order per category.
func DefaultRoutes() map[TaskCategory][]string {
	return map[TaskCategory][]string{
		CategoryCodingHard:   {"gpt-4.1", "claude-sonnet-4", "gemini-2.5-pro"},
		CategoryCodingSimple: {"kimi-k2", "gpt-4.1-mini", "deepseek-chat"},
		CategoryReasoning:    {"gemini-2.5-pro", "deepseek-r1", "gpt-4.1"},
		CategoryMath:         {"deepseek-r1", "gemini-2.5-pro", "gpt-4.1"},
		CategoryCreative:     {"gpt-4.1", "claude-sonnet-4", "gemini-2.5-pro"},
		CategoryChat:         {"kimi-k2", "gemini-2.5-flash", "deepseek-chat"},
		CategoryQuick:        {"kimi-k2", "gemini-2.5-flash", "gpt-4.1-mini"},
		CategoryVision:       {"gemini-2.5-flash", "gemini-2.5-pro", "claude-sonnet-4"},
	}
}
