package web

import (
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"

	"github.com/cwoolley/passage-search/internal/passages"
	"github.com/cwoolley/passage-search/internal/render"
	"github.com/cwoolley/passage-search/internal/submit"
	"github.com/rs/zerolog"
)

//go:embed static
var staticFS embed.FS

// Handler returns an http.Handler that serves the embedded web UI.
// The static/ prefix is stripped so index.html is served at /.
func Handler() http.Handler {
	sub, _ := fs.Sub(staticFS, "static")
	return http.FileServer(http.FS(sub))
}

type queryRequest struct {
	Query string `json:"query"`
}

// QueryResponse is what the page receives for one button press.
type QueryResponse struct {
	Outcome string `json:"outcome"`
	HTML    string `json:"html,omitempty"`
	Notice  string `json:"notice,omitempty"`
}

// QueryHandler runs one submission per POST and returns the rendered
// results container. The page replaces its container with HTML unless the
// outcome is "rejected", and alerts Notice when present.
func QueryHandler(searcher passages.Searcher, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		container := render.NewContainer(render.HTML{})
		var resp QueryResponse
		notify := submit.NotifierFunc(func(msg string) { resp.Notice = msg })

		reqLog := log
		if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
			reqLog = *l
		}

		outcome, err := submit.New(searcher, container, notify, reqLog).Submit(r.Context(), req.Query)
		if err != nil {
			reqLog.Error().Err(err).Msg("render results")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "render failed"})
			return
		}

		resp.Outcome = outcome.String()
		if outcome != submit.OutcomeRejected {
			resp.HTML = container.Content()
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
