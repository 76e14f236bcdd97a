package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cwoolley/passage-search/internal/passages"
	"github.com/rs/zerolog"
)

// DefaultTopK is how many passages the backend returns per query.
const DefaultTopK = 3

// ErrEmptyQuery is returned by Engine.Search for an empty query.
var ErrEmptyQuery = errors.New("missing required field: query")

// Index is the ranked passage store the engine reads from.
type Index interface {
	Search(ctx context.Context, query string, limit int) ([]passages.Passage, error)
}

// Engine answers queries with the top-k passages of an index.
type Engine struct {
	index Index
	topK  int
}

// New creates an engine. A topK below 1 falls back to DefaultTopK.
func New(index Index, topK int) *Engine {
	if topK < 1 {
		topK = DefaultTopK
	}
	return &Engine{index: index, topK: topK}
}

// Search returns the best matches for query, never a nil slice.
func (e *Engine) Search(ctx context.Context, query string) ([]passages.Passage, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	results, err := e.index.Search(ctx, query, e.topK)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}
	if results == nil {
		results = []passages.Passage{}
	}
	return results, nil
}

type request struct {
	Query string `json:"query"`
}

// Handler serves POST /search with a {"query": ...} body and responds with
// a JSON array of {"id", "passage"} objects.
func Handler(engine *Engine, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodPost:
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		results, err := engine.Search(r.Context(), req.Query)
		if errors.Is(err, ErrEmptyQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			log.Error().Err(err).Str("query", req.Query).Msg("search failed")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		log.Info().Str("query", req.Query).Int("results", len(results)).Msg("search served")
		writeJSON(w, http.StatusOK, results)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
