package submit

import (
	"context"

	"github.com/cwoolley/passage-search/internal/passages"
	"github.com/rs/zerolog"
)

// Notices shown to the user.
const (
	EmptyQueryNotice = "Please enter a search query!"
	FallbackNotice   = "Failed to fetch results. Displaying dummy data instead."
)

// Outcome reports which path a submission took.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeLive
	OutcomeFallback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeLive:
		return "live"
	case OutcomeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Renderer replaces the visible results with a new set.
type Renderer interface {
	Render(results []passages.Passage) error
}

// Notifier shows a message to the user.
type Notifier interface {
	Notify(msg string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(msg string)

func (f NotifierFunc) Notify(msg string) { f(msg) }

// Submitter runs one request/response cycle per call to Submit.
// Concurrent calls are not coordinated: each renders independently and
// the last one to finish determines what is visible.
type Submitter struct {
	searcher passages.Searcher
	renderer Renderer
	notifier Notifier
	log      zerolog.Logger
}

func New(searcher passages.Searcher, renderer Renderer, notifier Notifier, log zerolog.Logger) *Submitter {
	return &Submitter{searcher: searcher, renderer: renderer, notifier: notifier, log: log}
}

// Submit validates query, searches once and renders either the live
// results or the fallback set. The returned error is only ever a
// rendering failure; search failures are recovered here.
func (s *Submitter) Submit(ctx context.Context, query string) (Outcome, error) {
	if query == "" {
		s.notifier.Notify(EmptyQueryNotice)
		return OutcomeRejected, nil
	}

	results, err := s.searcher.Search(ctx, query)
	if err != nil {
		s.log.Error().Err(err).Str("query", query).Msg("search failed, rendering fallback results")
		s.notifier.Notify(FallbackNotice)
		return OutcomeFallback, s.renderer.Render(passages.Fallback())
	}

	s.log.Debug().Str("query", query).Int("results", len(results)).Msg("rendering search results")
	return OutcomeLive, s.renderer.Render(results)
}
