package passages

import (
	"context"
	"encoding/json"
	"fmt"
)

// Passage is a single search result: an identifier and its passage text.
type Passage struct {
	ID      string `json:"id"`
	Passage string `json:"passage"`
}

// Searcher is implemented by anything that can answer a query with an
// ordered set of passages.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Passage, error)
}

// UnmarshalJSON accepts non-string scalars for both fields and renders them
// as their literal JSON text. Missing or null fields decode to "".
func (p *Passage) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      json.RawMessage `json:"id"`
		Passage json.RawMessage `json:"passage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode passage: %w", err)
	}
	p.ID = coerce(raw.ID)
	p.Passage = coerce(raw.Passage)
	return nil
}

func coerce(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

var fallback = []Passage{
	{ID: "0", Passage: "This is a dummy passage. Backend is unreachable."},
	{ID: "1", Passage: "Here is another dummy passage for your query."},
	{ID: "2", Passage: "Dummy data helps simulate results during failures."},
}

// Fallback returns a fresh copy of the placeholder result set shown when
// live results are unavailable.
func Fallback() []Passage {
	out := make([]Passage, len(fallback))
	copy(out, fallback)
	return out
}
