// Package router classifies a prompt into a task category and
// resolves that category to an ordered list of candidate models.
package router

import (
	"encoding/json"
	"strings"

	"github.com/itskum47/modelrouter/internal/store"
)

// Classification is the outcome of classifying a prompt.
type Classification struct {
	Category   store.Category
	Confidence float64
	Reason     string
}

// Classifier maps a prompt to a category.
type Classifier interface {
	Classify(prompt string) Classification
}

const fallbackCategory = store.CategoryQuick

// categoryOrder fixes the tie-break and total-count order used by the
// keyword classifier; it must list every category exactly once.
var categoryOrder = []store.Category{
	store.CategoryPlanning,
	store.CategoryReasoning,
	store.CategoryCoding,
	store.CategoryReview,
	store.CategoryQuick,
	store.CategoryVision,
	store.CategoryImageGen,
}

var keywordTable = map[store.Category][]string{
	store.CategoryPlanning:  {"plan", "roadmap", "strategy", "milestone", "schedule"},
	store.CategoryReasoning: {"why", "analyze", "reason", "explain", "compare"},
	store.CategoryCoding:    {"code", "function", "bug", "refactor", "implement", "compile"},
	store.CategoryReview:    {"review", "pr", "diff", "feedback", "critique"},
	store.CategoryQuick:     {"hi", "hello", "quick", "ping", "thanks"},
	store.CategoryVision:    {"image", "photo", "picture", "screenshot", "diagram"},
	store.CategoryImageGen:  {"draw", "generate image", "paint", "illustration", "render"},
}

// KeywordClassifier scores categories by lowercased keyword matches
// over a static, closed table. Ties are broken by category
// declaration order.
type KeywordClassifier struct{}

// NewKeyword constructs the default keyword-table classifier.
func NewKeyword() *KeywordClassifier { return &KeywordClassifier{} }

// Classify scores the prompt against every category's keyword list
// and returns the argmax, falling back to a designated category when
// nothing matches.
func (KeywordClassifier) Classify(prompt string) Classification {
	lower := strings.ToLower(prompt)
	scores := make(map[store.Category]int, len(categoryOrder))
	total := 0
	for _, cat := range categoryOrder {
		count := 0
		for _, kw := range keywordTable[cat] {
			count += strings.Count(lower, kw)
		}
		scores[cat] = count
		total += count
	}

	if total == 0 {
		return Classification{
			Category:   fallbackCategory,
			Confidence: 1.0 / float64(len(categoryOrder)),
			Reason:     "no keyword matched; defaulted to fallback category",
		}
	}

	best := categoryOrder[0]
	bestScore := -1
	for _, cat := range categoryOrder {
		if scores[cat] > bestScore {
			bestScore = scores[cat]
			best = cat
		}
	}
	return Classification{
		Category:   best,
		Confidence: float64(bestScore) / float64(total),
		Reason:     "keyword match",
	}
}

// modelAssistedResult is the structured JSON a small local model is
// expected to return.
type modelAssistedResult struct {
	Category  string `json:"category"`
	Complexity string `json:"complexity"`
	Reasoning string `json:"reasoning"`
}

// LocalModel invokes a small local classification model, returning its
// raw JSON response.
type LocalModel interface {
	Classify(prompt string) (string, error)
}

// ModelAssistedClassifier prefers a small local model's structured
// output, falling back to the keyword classifier on any parse error
// or unrecognized category.
type ModelAssistedClassifier struct {
	model    LocalModel
	fallback Classifier
}

// NewModelAssisted constructs a classifier that tries model first,
// falling back to the keyword classifier.
func NewModelAssisted(model LocalModel) *ModelAssistedClassifier {
	return &ModelAssistedClassifier{model: model, fallback: NewKeyword()}
}

func validCategory(c string) bool {
	for _, cat := range categoryOrder {
		if string(cat) == c {
			return true
		}
	}
	return false
}

// Classify tries the local model first; any JSON error or unknown
// category falls back to the keyword classifier.
func (m *ModelAssistedClassifier) Classify(prompt string) Classification {
	raw, err := m.model.Classify(prompt)
	if err != nil {
		return m.fallback.Classify(prompt)
	}
	var parsed modelAssistedResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return m.fallback.Classify(prompt)
	}
	if !validCategory(parsed.Category) {
		return m.fallback.Classify(prompt)
	}
	return Classification{
		Category:   store.Category(parsed.Category),
		Confidence: 1.0,
		Reason:     parsed.Reasoning,
	}
}

// CandidateTable maps a category to its static, ordered list of
// candidate model keys.
type CandidateTable map[store.Category][]string

// Router resolves a prompt to an ordered list of candidate models.
type Router struct {
	classifier Classifier
	candidates CandidateTable
}

// New constructs a Router over a classifier and candidate table.
func New(classifier Classifier, candidates CandidateTable) *Router {
	return &Router{classifier: classifier, candidates: candidates}
}

// Route classifies the prompt and returns the ordered candidate
// model list, prepending preferredModel (deduplicated) when set.
func (r *Router) Route(prompt, preferredModel string) (Classification, []string) {
	cls := r.classifier.Classify(prompt)
	base := r.candidates[cls.Category]

	if preferredModel == "" {
		return cls, append([]string(nil), base...)
	}

	out := make([]string, 0, len(base)+1)
	out = append(out, preferredModel)
	for _, m := range base {
		if m != preferredModel {
			out = append(out, m)
		}
	}
	return cls, out
}

// CandidatesFor returns the ordered candidate model list for an
// already-known category, prepending preferredModel (deduplicated)
// when set. Used by the scheduler, which resolves candidates from a
// task's stored category rather than reclassifying its prompt.
func (r *Router) CandidatesFor(category store.Category, preferredModel string) []string {
	base := r.candidates[category]
	if preferredModel == "" {
		return append([]string(nil), base...)
	}
	out := make([]string, 0, len(base)+1)
	out = append(out, preferredModel)
	for _, m := range base {
		if m != preferredModel {
			out = append(out, m)
		}
	}
	return out
}
