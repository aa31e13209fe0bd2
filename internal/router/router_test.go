package router

import (
	"testing"

	"github.com/itskum47/modelrouter/internal/store"
)

func TestKeywordClassifyPicksArgmax(t *testing.T) {
	c := NewKeyword()
	got := c.Classify("Please review this PR and give feedback")
	if got.Category != store.CategoryReview {
		t.Fatalf("expected review, got %s (%+v)", got.Category, got)
	}
}

func TestKeywordClassifyFallsBackWhenNoMatch(t *testing.T) {
	c := NewKeyword()
	got := c.Classify("asdkjasdkj qweoiqwe")
	if got.Category != fallbackCategory {
		t.Fatalf("expected fallback category, got %s", got.Category)
	}
	if got.Confidence <= 0 {
		t.Fatalf("expected positive fallback confidence, got %f", got.Confidence)
	}
}

type stubModel struct {
	resp string
	err  error
}

func (s stubModel) Classify(string) (string, error) { return s.resp, s.err }

func TestModelAssistedFallsBackOnBadJSON(t *testing.T) {
	m := NewModelAssisted(stubModel{resp: "not json"})
	got := m.Classify("review this diff")
	if got.Category != store.CategoryReview {
		t.Fatalf("expected fallback to keyword classifier, got %s", got.Category)
	}
}

func TestModelAssistedFallsBackOnUnknownCategory(t *testing.T) {
	m := NewModelAssisted(stubModel{resp: `{"category":"nonsense"}`})
	got := m.Classify("write a function")
	if got.Category != store.CategoryCoding {
		t.Fatalf("expected fallback to keyword classifier, got %s", got.Category)
	}
}

func TestModelAssistedUsesModelOutput(t *testing.T) {
	m := NewModelAssisted(stubModel{resp: `{"category":"planning","reasoning":"roadmap request"}`})
	got := m.Classify("whatever")
	if got.Category != store.CategoryPlanning || got.Confidence != 1.0 {
		t.Fatalf("expected model-provided planning category, got %+v", got)
	}
}

func TestRoutePrependsPreferredModelDeduplicated(t *testing.T) {
	table := CandidateTable{store.CategoryCoding: {"a/x", "b/y"}}
	r := New(NewKeyword(), table)
	_, candidates := r.Route("implement this function", "b/y")
	if len(candidates) != 2 || candidates[0] != "b/y" || candidates[1] != "a/x" {
		t.Fatalf("unexpected candidate order: %v", candidates)
	}
}

func TestRouteWithoutPreferredModel(t *testing.T) {
	table := CandidateTable{store.CategoryCoding: {"a/x", "b/y"}}
	r := New(NewKeyword(), table)
	_, candidates := r.Route("implement this function", "")
	if len(candidates) != 2 || candidates[0] != "a/x" {
		t.Fatalf("unexpected candidates: %v", candidates)
	}
}
