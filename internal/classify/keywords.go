package classify

import "github.com/ShayCichocki/switchyard/pkg/models"

// Keywords is the single source of truth for text classification.
type Keywords struct {
	// Types maps a task type to the words that suggest it. Types are
	// checked in TypeOrder; the first match wins.
	Types map[models.TaskType][]string `yaml:"types"`
	// TypeOrder is the precedence of type matching.
	TypeOrder []models.TaskType `yaml:"type_order"`
	// Complex words each push complexity up one level.
	Complex []string `yaml:"complex"`
	// Simple words each pull complexity down one level.
	Simple []string `yaml:"simple"`
	// Tools maps a tool name to the words that imply it is needed.
	Tools map[string][]string `yaml:"tools"`
	// Urgent words mark the task as high urgency.
	Urgent []string `yaml:"urgent"`
	// Deferrable words mark the task as low urgency.
	Deferrable []string `yaml:"deferrable"`
}

// DefaultKeywords returns the built-in keyword tables.
func DefaultKeywords() Keywords {
	return Keywords{
		Types: map[models.TaskType][]string{
			models.TaskTypeReview:   {"review", "audit", "critique", "look over"},
			models.TaskTypeDocs:     {"document", "docs", "readme", "docstring", "changelog", "comment"},
			models.TaskTypeTest:     {"test", "coverage", "spec", "benchmark"},
			models.TaskTypeRefactor: {"refactor", "rename", "restructure", "clean up", "extract"},
			models.TaskTypeResearch: {"research", "investigate", "compare", "survey", "explore", "find out", "evaluate"},
			models.TaskTypeCode:     {"implement", "add", "fix", "build", "create", "write", "bug", "feature", "endpoint"},
		},
		TypeOrder: []models.TaskType{
			models.TaskTypeReview,
			models.TaskTypeDocs,
			models.TaskTypeTest,
			models.TaskTypeRefactor,
			models.TaskTypeResearch,
			models.TaskTypeCode,
		},
		Complex: []string{
			"architecture", "migration", "distributed", "concurrency", "security",
			"performance", "across", "entire", "system", "redesign", "protocol",
		},
		Simple: []string{"typo", "small", "simple", "quick", "minor", "one-line", "trivial"},
		Tools: map[string][]string{
			"web_search": {"search the web", "look up", "latest", "online"},
			"web_fetch":  {"http://", "https://", "fetch", "download"},
			"browser":    {"browser", "screenshot", "click"},
			"git":        {"commit", "branch", "rebase", "pull request", "git "},
			"shell":      {"run the", "execute", "install", "deploy"},
		},
		Urgent:     []string{"urgent", "asap", "immediately", "hotfix", "production down", "outage"},
		Deferrable: []string{"eventually", "when possible", "low priority", "someday", "nice to have"},
	}
}
