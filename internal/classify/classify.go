// Package classify infers task type, complexity, tools and urgency from
// free text. It is table-driven and independent of routing logic.
package classify

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Classifier fills in task fields the caller left empty.
type Classifier interface {
	Classify(task models.Task) models.Task
}

// Result is what the keyword tables infer from a description.
type Result struct {
	Type       models.TaskType
	Complexity int
	Tools      []string
	Urgency    models.Urgency
}

// KeywordClassifier matches descriptions against keyword tables.
type KeywordClassifier struct {
	kw Keywords
	mu sync.RWMutex
}

// New returns a classifier over the default keyword tables.
func New() *KeywordClassifier {
	return &KeywordClassifier{kw: DefaultKeywords()}
}

// rulesFile is the on-disk shape of a keyword override file.
type rulesFile struct {
	Classifier Keywords `yaml:"classifier"`
}

// LoadRules merges keyword overrides from a YAML file. Type, tool and word
// lists in the file are appended to the defaults.
func (c *KeywordClassifier) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read classifier rules: %w", err)
	}

	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parse classifier rules: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for typ, words := range rf.Classifier.Types {
		if !typ.Valid() {
			return fmt.Errorf("classifier rules: unknown task type %q", typ)
		}
		c.kw.Types[typ] = append(c.kw.Types[typ], words...)
	}
	if len(rf.Classifier.TypeOrder) > 0 {
		c.kw.TypeOrder = rf.Classifier.TypeOrder
	}
	for tool, words := range rf.Classifier.Tools {
		c.kw.Tools[tool] = append(c.kw.Tools[tool], words...)
	}
	c.kw.Complex = append(c.kw.Complex, rf.Classifier.Complex...)
	c.kw.Simple = append(c.kw.Simple, rf.Classifier.Simple...)
	c.kw.Urgent = append(c.kw.Urgent, rf.Classifier.Urgent...)
	c.kw.Deferrable = append(c.kw.Deferrable, rf.Classifier.Deferrable...)
	return nil
}

// Infer analyzes a description.
func (c *KeywordClassifier) Infer(description string, fileCount int) Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lower := strings.ToLower(description)
	res := Result{Type: models.TaskTypeGeneral, Urgency: models.UrgencyNormal}

	for _, typ := range c.kw.TypeOrder {
		if containsAny(lower, c.kw.Types[typ]) {
			res.Type = typ
			break
		}
	}

	complexity := models.DefaultComplexity
	complexity += countMatches(lower, c.kw.Complex)
	complexity -= countMatches(lower, c.kw.Simple)
	switch {
	case fileCount > 5:
		complexity += 2
	case fileCount > 1:
		complexity++
	}
	if len(description) > 600 {
		complexity++
	}
	if complexity < models.MinComplexity {
		complexity = models.MinComplexity
	}
	if complexity > models.MaxComplexity {
		complexity = models.MaxComplexity
	}
	res.Complexity = complexity

	for tool, words := range c.kw.Tools {
		if containsAny(lower, words) {
			res.Tools = append(res.Tools, tool)
		}
	}
	sort.Strings(res.Tools)

	switch {
	case containsAny(lower, c.kw.Urgent):
		res.Urgency = models.UrgencyHigh
	case containsAny(lower, c.kw.Deferrable):
		res.Urgency = models.UrgencyLow
	}
	return res
}

// Classify fills Type, Complexity, ToolsNeeded and Urgency where the caller
// left them at their zero value. Caller-supplied values always win.
func (c *KeywordClassifier) Classify(task models.Task) models.Task {
	out := task.Clone()
	res := c.Infer(task.Description, len(task.Files))
	if out.Type == "" {
		out.Type = res.Type
	}
	if out.Complexity == 0 {
		out.Complexity = res.Complexity
	}
	if len(out.ToolsNeeded) == 0 {
		out.ToolsNeeded = res.Tools
	}
	if out.Urgency == "" {
		out.Urgency = res.Urgency
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if matchWord(s, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func countMatches(s string, words []string) int {
	n := 0
	for _, w := range words {
		if matchWord(s, strings.ToLower(w)) {
			n++
		}
	}
	return n
}

// inflections may follow a keyword without breaking the match, so "test"
// still finds "tests" and "commit" finds "committed".
var inflections = []string{
	"s", "es", "d", "ed", "ing", "er", "ers", "ly", "ment", "ments",
	"ation", "ations", "ted", "ting", "ged", "ging",
}

// eDropped follow a keyword whose final "e" is dropped: "write" -> "writing".
var eDropped = []string{"ing", "ion", "ions"}

// matchWord reports whether w occurs in s as a whole word or an inflected
// form of one. Keywords that start or end in punctuation or a space, like
// "http://" or "git ", only need a boundary on their alphanumeric side.
func matchWord(s, w string) bool {
	if w == "" {
		return false
	}
	if findWord(s, w, inflections, true) {
		return true
	}
	if len(w) > 2 && strings.HasSuffix(w, "e") {
		return findWord(s, w[:len(w)-1], eDropped, false)
	}
	return false
}

// findWord looks for stem at a word start followed by a boundary, or by one
// of suffixes and then a boundary. A bare stem counts only when bare is set.
func findWord(s, stem string, suffixes []string, bare bool) bool {
	for off := 0; off < len(s); {
		i := strings.Index(s[off:], stem)
		if i < 0 {
			return false
		}
		start := off + i
		off = start + 1
		if isWordByte(stem[0]) && start > 0 && isWordByte(s[start-1]) {
			continue
		}
		end := start + len(stem)
		if !isWordByte(stem[len(stem)-1]) {
			return true
		}
		if bare && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		for _, suf := range suffixes {
			if !strings.HasPrefix(s[end:], suf) {
				continue
			}
			if after := end + len(suf); after == len(s) || !isWordByte(s[after]) {
				return true
			}
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b >= 0x80
}

var _ Classifier = (*KeywordClassifier)(nil)
