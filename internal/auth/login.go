// Package auth obtains a bearer token for the search endpoint through an
// OAuth2 authorization code flow in the user's browser.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// BrowserOpener opens a URL in the default browser.
type BrowserOpener func(url string) error

// ErrStateMismatch is returned when the callback carries a state value
// that was not issued by this login.
var ErrStateMismatch = errors.New("state mismatch in callback")

// Login performs an interactive OAuth2 authorization code flow. A
// callback server on loopback receives the code, which is exchanged for
// a token.
type Login struct {
	Config  *oauth2.Config
	OpenURL BrowserOpener

	// ListenAddr defaults to "127.0.0.1:0".
	ListenAddr string

	Log zerolog.Logger
}

// Run blocks until the user completes authorization or ctx is done.
func (l *Login) Run(ctx context.Context) (*oauth2.Token, error) {
	state := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			sendErr(errCh, ErrStateMismatch)
			http.Error(w, "Authorization failed: unexpected state", http.StatusBadRequest)
			return
		}
		if msg := q.Get("error"); msg != "" {
			sendErr(errCh, fmt.Errorf("authorization denied: %s", msg))
			http.Error(w, "Authorization failed: "+msg, http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			sendErr(errCh, errors.New("no code in callback"))
			http.Error(w, "Authorization failed: no code received", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "Authorization successful! You can close this tab and return to psearch.")
		select {
		case codeCh <- code:
		default:
		}
	})

	addr := l.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("start callback server: %w", err)
	}

	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	cfg := *l.Config
	cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
	l.Log.Debug().Str("redirect_url", cfg.RedirectURL).Msg("waiting for authorization callback")
	if err := l.OpenURL(authURL); err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	l.Log.Info().Time("expiry", token.Expiry).Msg("authorization complete")
	return token, nil
}

func sendErr(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// OpenBrowser opens url with the platform's URL handler.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// Scopes splits a comma-separated scope list, dropping blanks.
func Scopes(list string) []string {
	var scopes []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
