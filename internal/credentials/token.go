package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned by LoadToken when no token file exists.
var ErrNoToken = errors.New("no token stored")

// SaveToken writes a bearer token to a file as JSON.
// It creates the parent directory if it does not exist.
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	return encodeAndClose(f, token)
}

// encodeAndClose writes a token as JSON and closes the writer,
// surfacing both encode and close errors.
func encodeAndClose(wc io.WriteCloser, token *oauth2.Token) error {
	err := json.NewEncoder(wc).Encode(token)
	if closeErr := wc.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("save token file: %w", err)
	}
	return nil
}

// LoadToken reads a bearer token from a JSON file.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()

	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("decode token: %s has no access_token", path)
	}

	return &tok, nil
}

// HTTPClient returns the client used to reach the search endpoint. With a
// token source every request carries its token as a bearer credential. A
// zero timeout means no timeout.
func HTTPClient(ctx context.Context, ts oauth2.TokenSource, timeout time.Duration) *http.Client {
	if ts == nil {
		return &http.Client{Timeout: timeout}
	}
	c := oauth2.NewClient(ctx, ts)
	c.Timeout = timeout
	return c
}

// TokenSource picks how a stored token is presented. Without an OAuth2
// provider the token is sent as is. With one, an expired token is
// refreshed and the new token is written back to path.
func TokenSource(ctx context.Context, cfg *oauth2.Config, path string, tok *oauth2.Token, log zerolog.Logger) oauth2.TokenSource {
	if tok == nil {
		return nil
	}
	if cfg == nil || tok.RefreshToken == "" {
		return oauth2.StaticTokenSource(tok)
	}
	return &savingSource{
		src:  cfg.TokenSource(ctx, tok),
		path: path,
		last: tok.AccessToken,
		log:  log,
	}
}

// savingSource persists each token that differs from the last one seen.
type savingSource struct {
	src  oauth2.TokenSource
	path string
	log  zerolog.Logger

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	s.last = tok.AccessToken
	if err := SaveToken(s.path, tok); err != nil {
		// The refreshed token is still usable for this process.
		s.log.Warn().Err(err).Str("path", s.path).Msg("could not save refreshed token")
		return tok, nil
	}
	s.log.Debug().Time("expiry", tok.Expiry).Msg("refreshed token saved")
	return tok, nil
}
