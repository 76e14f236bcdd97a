package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cwoolley/passage-search/internal/config"
	"github.com/cwoolley/passage-search/internal/credentials"
	"github.com/cwoolley/passage-search/internal/passages"
	"github.com/cwoolley/passage-search/internal/submit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// syncBuffer is a thread-safe bytes.Buffer for use in concurrent tests.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.Write(p)
}

func (sb *syncBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.String()
}

func (sb *syncBuffer) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.Len()
}

// ensure syncBuffer satisfies io.Writer.
var _ io.Writer = (*syncBuffer)(nil)

func noopSearch(_ context.Context, _ string) ([]passages.Passage, error) {
	return nil, nil
}

// withConfig makes every loadConfig call return cfg.
func withConfig(t *testing.T, cfg *config.Config) {
	t.Helper()
	orig := loadConfig
	loadConfig = func() (*config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = orig })
}

func testConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Endpoint:    endpoint,
		ServerAddr:  ":8080",
		BackendAddr: "127.0.0.1:0",
		IndexPath:   filepath.Join(dir, "index.db"),
		TokenPath:   filepath.Join(dir, "token.json"),
		TopK:        3,
		Format:      "plain",
		LogLevel:    "info",
	}
}

func TestRun_ReturnsNilOnSuccess(t *testing.T) {
	err := run([]string{}, noopSearch)
	assert.NoError(t, err)
}

func TestSearchCommand_PrintsResults(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	var gotQuery string
	mockSearch := func(_ context.Context, query string) ([]passages.Passage, error) {
		gotQuery = query
		return []passages.Passage{{ID: "7", Passage: "world"}, {ID: "8", Passage: "again"}}, nil
	}

	var buf bytes.Buffer
	err := runWithOutput([]string{"search", "hello", "there"}, mockSearch, &buf)

	require.NoError(t, err)
	assert.Equal(t, "hello there", gotQuery)
	assert.Equal(t, "Passage ID: 7\nworld\n\nPassage ID: 8\nagain\n", buf.String())
}

func TestSearchCommand_NoQuery_NoticeWithoutSearch(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	called := false
	mockSearch := func(context.Context, string) ([]passages.Passage, error) {
		called = true
		return nil, nil
	}

	var buf bytes.Buffer
	err := runWithOutput([]string{"search"}, mockSearch, &buf)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Contains(t, buf.String(), submit.EmptyQueryNotice)
	assert.NotContains(t, buf.String(), "Passage ID")
}

func TestSearchCommand_NoResults(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	mockSearch := func(context.Context, string) ([]passages.Passage, error) {
		return []passages.Passage{}, nil
	}
	var buf bytes.Buffer
	err := runWithOutput([]string{"search", "empty"}, mockSearch, &buf)
	require.NoError(t, err)
	assert.Equal(t, "No results found.\n", buf.String())
}

func TestSearchCommand_FailureShowsFallback(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	mockSearch := func(context.Context, string) ([]passages.Passage, error) {
		return nil, fmt.Errorf("connection failed")
	}
	var out, errOut syncBuffer
	err := runWithIO([]string{"search", "test"}, mockSearch, &out, &errOut)
	require.NoError(t, err, "a failed search is recovered, not fatal")

	assert.Contains(t, out.String(), "Passage ID: 0\nThis is a dummy passage. Backend is unreachable.")
	assert.Contains(t, out.String(), "Passage ID: 2\nDummy data helps simulate results during failures.")
	assert.Contains(t, errOut.String(), "! "+submit.FallbackNotice)
	assert.Contains(t, errOut.String(), "connection failed", "diagnostic log must carry the error")
}

func TestSearchCommand_MarkdownFormat(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	mockSearch := func(context.Context, string) ([]passages.Passage, error) {
		return []passages.Passage{{ID: "7", Passage: "world"}}, nil
	}
	var buf bytes.Buffer
	err := runWithOutput([]string{"search", "--format", "markdown", "hello"}, mockSearch, &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Passage ID: 7")
	assert.Contains(t, buf.String(), "world")
}

func TestSearchCommand_UnknownFormat(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	var buf bytes.Buffer
	err := runWithOutput([]string{"search", "--format", "xml", "hello"}, noopSearch, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestBuildSearchFn_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"query":"hello"}`, string(body))
		_, _ = w.Write([]byte(`[{"id":"7","passage":"world"}]`))
	}))
	defer srv.Close()
	withConfig(t, testConfig(t, srv.URL+"/search"))

	var buf bytes.Buffer
	err := runWithOutput([]string{"search", "hello"}, buildSearchFn(), &buf)
	require.NoError(t, err)
	assert.Equal(t, "Passage ID: 7\nworld\n", buf.String())
}

func TestBuildSearchFn_SendsStoredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	withConfig(t, cfg)

	var buf bytes.Buffer
	require.NoError(t, runWithOutput([]string{"auth", "--token", "s3cret"}, noopSearch, &buf))
	assert.Contains(t, buf.String(), "Token saved to "+cfg.TokenPath)

	results, err := buildSearchFn()(context.Background(), "q")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBuildSearchFn_ConfigLoadError(t *testing.T) {
	orig := loadConfig
	loadConfig = func() (*config.Config, error) {
		return nil, fmt.Errorf("config error")
	}
	t.Cleanup(func() { loadConfig = orig })

	_, err := buildSearchFn()(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestBuildSearchFn_TokenLoadError(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/search")
	require.NoError(t, os.WriteFile(cfg.TokenPath, []byte("{"), 0600))
	withConfig(t, cfg)

	_, err := buildSearchFn()(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load token")
}

func TestAuthCommand_ReadsStdinAndClears(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/search")
	withConfig(t, cfg)

	var buf bytes.Buffer
	cmd := newRootCmd(noopSearch, &buf)
	cmd.SetArgs([]string{"auth"})
	cmd.SetIn(strings.NewReader("from-stdin\n"))
	require.NoError(t, cmd.Execute())

	tok, err := credentials.LoadToken(cfg.TokenPath)
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", tok.AccessToken)

	require.NoError(t, runWithOutput([]string{"auth", "--clear"}, noopSearch, &buf))
	_, err = credentials.LoadToken(cfg.TokenPath)
	assert.ErrorIs(t, err, credentials.ErrNoToken)
}

func TestAuthCommand_EmptyToken(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))

	cmd := newRootCmd(noopSearch, io.Discard)
	cmd.SetArgs([]string{"auth"})
	cmd.SetIn(strings.NewReader(""))
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token given")
}

func TestIndexImportCommand(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/search")
	withConfig(t, cfg)

	tsv := filepath.Join(t.TempDir(), "collection.tsv")
	require.NoError(t, os.WriteFile(tsv, []byte("1\tfirst passage\n2\tsecond passage\n"), 0644))

	var buf bytes.Buffer
	err := runWithOutput([]string{"index", "import", tsv}, noopSearch, &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Imported 2 passages into "+cfg.IndexPath)
}

func TestIndexImportCommand_RequiresFile(t *testing.T) {
	err := runWithOutput([]string{"index", "import"}, noopSearch, io.Discard)
	assert.Error(t, err)
}

func TestServeCommand_IsRegistered(t *testing.T) {
	var buf bytes.Buffer
	cmd := newRootCmd(noopSearch, &buf)

	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal(t, "serve", serveCmd.Name())

	f := serveCmd.Flags().Lookup("addr")
	require.NotNil(t, f)
	assert.Equal(t, ":8080", f.DefValue)
}

func TestBackendCommand_IsRegistered(t *testing.T) {
	cmd := newRootCmd(noopSearch, io.Discard)

	backendCmd, _, err := cmd.Find([]string{"backend"})
	require.NoError(t, err)
	assert.Equal(t, "backend", backendCmd.Name())
	assert.Equal(t, "127.0.0.1:5000", backendCmd.Flags().Lookup("addr").DefValue)
	assert.NotNil(t, backendCmd.Flags().Lookup("index"))
}

func TestInteractiveCommand_IsRegistered(t *testing.T) {
	var buf bytes.Buffer
	cmd := newRootCmd(noopSearch, &buf)

	interactiveCmd, _, err := cmd.Find([]string{"interactive"})
	require.NoError(t, err)
	assert.Equal(t, "interactive", interactiveCmd.Name())
	assert.Contains(t, interactiveCmd.Aliases, "tui")
}

// waitForListening polls out until the server reports its address.
func waitForListening(t *testing.T, out *syncBuffer, errCh chan error) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for server to start")
		case err := <-errCh:
			t.Fatalf("server exited early: %v", err)
		default:
		}
		for _, line := range strings.Split(out.String(), "\n") {
			if addr, ok := strings.CutPrefix(line, "Listening on "); ok {
				return addr
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func injectSignalCh(t *testing.T) chan os.Signal {
	t.Helper()
	testCh := make(chan os.Signal, 1)
	orig := makeSignalCh
	makeSignalCh = func() (chan os.Signal, func()) {
		return testCh, func() {}
	}
	t.Cleanup(func() { makeSignalCh = orig })
	return testCh
}

func TestServeCommand_QueryAndGracefulShutdown(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	testCh := injectSignalCh(t)

	var searches atomic.Int32
	searchFn := func(_ context.Context, q string) ([]passages.Passage, error) {
		searches.Add(1)
		return []passages.Passage{{ID: "7", Passage: "world"}}, nil
	}

	buf := &syncBuffer{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWithOutput([]string{"serve", "--addr", "127.0.0.1:0"}, searchFn, buf)
	}()
	addr := waitForListening(t, buf, errCh)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post("http://"+addr+"/query", "application/json", strings.NewReader(`{"query":"hello"}`))
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "live", body["outcome"])
	assert.Contains(t, body["html"], "Passage ID: 7")
	assert.Equal(t, int32(1), searches.Load())

	testCh <- syscall.SIGINT

	select {
	case err := <-errCh:
		assert.NoError(t, err, "serve should shut down cleanly on SIGINT")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for serve to shut down")
	}
	assert.Contains(t, buf.String(), "shutting down")
}

func TestBackendCommand_ServesIndex(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/search")
	withConfig(t, cfg)
	testCh := injectSignalCh(t)

	tsv := filepath.Join(t.TempDir(), "collection.tsv")
	require.NoError(t, os.WriteFile(tsv, []byte("7\thello world\n8\tunrelated\n"), 0644))
	require.NoError(t, runWithOutput([]string{"index", "import", tsv}, noopSearch, io.Discard))

	buf := &syncBuffer{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWithOutput([]string{"backend", "--addr", "127.0.0.1:0"}, noopSearch, buf)
	}()
	addr := waitForListening(t, buf, errCh)

	// The client side of the tool talks to the backend over HTTP.
	cfg.Endpoint = "http://" + addr + "/search"
	results, err := buildSearchFn()(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []passages.Passage{{ID: "7", Passage: "hello world"}}, results)

	testCh <- syscall.SIGTERM
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for backend to shut down")
	}
}

func TestVersionCommand_PrintsVersion(t *testing.T) {
	var buf bytes.Buffer
	err := runWithOutput([]string{"version"}, noopSearch, &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "psearch version")
	assert.Contains(t, buf.String(), version)
}

func TestVersionCommand_WorksWithInvalidConfig(t *testing.T) {
	orig := loadConfig
	loadConfig = func() (*config.Config, error) { return nil, fmt.Errorf("bad env") }
	t.Cleanup(func() { loadConfig = orig })

	var buf bytes.Buffer
	require.NoError(t, runWithOutput([]string{"version"}, noopSearch, &buf))
	assert.Contains(t, buf.String(), "psearch version")
}

// mockTeaRunner implements teaRunner for testing.
type mockTeaRunner struct {
	err error
}

func (m *mockTeaRunner) Run() (tea.Model, error) {
	return nil, m.err
}

func TestInteractiveCommand_RunsProgram(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	orig := newTeaProgram
	newTeaProgram = func(_ tea.Model) teaRunner {
		return &mockTeaRunner{}
	}
	t.Cleanup(func() { newTeaProgram = orig })

	var buf bytes.Buffer
	err := runWithOutput([]string{"interactive"}, noopSearch, &buf)
	assert.NoError(t, err)
}

func TestInteractiveCommand_Error(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	orig := newTeaProgram
	newTeaProgram = func(_ tea.Model) teaRunner {
		return &mockTeaRunner{err: fmt.Errorf("terminal error")}
	}
	t.Cleanup(func() { newTeaProgram = orig })

	var buf bytes.Buffer
	err := runWithOutput([]string{"interactive"}, noopSearch, &buf)
	assert.Error(t, err)
}

func TestSetupLogger_LogFile(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/search")
	cfg.LogFile = filepath.Join(t.TempDir(), "psearch.log")
	cfg.LogLevel = "debug"
	withConfig(t, cfg)

	c := &cli{}
	log, err := c.setupLogger(io.Discard)
	require.NoError(t, err)
	assert.True(t, c.logToFile)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	log.Info().Msg("to the file")
	require.NoError(t, c.closeLog())

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to the file")
}

// mockHTTPServer implements httpServer for testing serveLoop.
type mockHTTPServer struct {
	serveFunc   func() error
	shutdownErr error
	addr        string
}

func (m *mockHTTPServer) Serve() error                     { return m.serveFunc() }
func (m *mockHTTPServer) Addr() string                     { return m.addr }
func (m *mockHTTPServer) Shutdown(_ context.Context) error { return m.shutdownErr }

func TestServeLoop_ErrServerClosed(t *testing.T) {
	injectSignalCh(t)

	mock := &mockHTTPServer{
		serveFunc: func() error { return http.ErrServerClosed },
	}
	var buf syncBuffer
	err := serveLoop(mock, &buf)
	assert.NoError(t, err)
}

func TestServeLoop_ServerError(t *testing.T) {
	injectSignalCh(t)

	mock := &mockHTTPServer{
		serveFunc: func() error { return fmt.Errorf("bind error") },
	}
	var buf syncBuffer
	err := serveLoop(mock, &buf)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bind error")
}

func TestServeLoop_ShutdownError(t *testing.T) {
	testCh := injectSignalCh(t)

	serveDone := make(chan struct{})
	mock := &mockHTTPServer{
		serveFunc:   func() error { <-serveDone; return http.ErrServerClosed },
		shutdownErr: fmt.Errorf("shutdown failed"),
	}

	buf := &syncBuffer{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- serveLoop(mock, buf)
	}()

	testCh <- syscall.SIGINT

	select {
	case err := <-errCh:
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for serveLoop to return")
	}
	close(serveDone)
}

func TestServeCommand_ListenError(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var buf bytes.Buffer
	err = runWithOutput([]string{"serve", "--addr", ln.Addr().String()}, noopSearch, &buf)
	assert.Error(t, err)
}

func TestAuthCommand_Login(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"from-idp","token_type":"Bearer"}`)
	}))
	defer tokenSrv.Close()

	cfg := testConfig(t, "http://127.0.0.1:1/search")
	cfg.OAuthClientID = "client"
	cfg.OAuthAuthURL = "http://idp.example.com/authorize"
	cfg.OAuthTokenURL = tokenSrv.URL
	withConfig(t, cfg)

	orig := openBrowser
	openBrowser = func(rawURL string) error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return err
		}
		callback := u.Query().Get("redirect_uri") + "?code=abc&state=" + url.QueryEscape(u.Query().Get("state"))
		go func() {
			resp, err := http.Get(callback)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
	t.Cleanup(func() { openBrowser = orig })

	var buf bytes.Buffer
	require.NoError(t, runWithOutput([]string{"auth", "--login"}, noopSearch, &buf))
	assert.Contains(t, buf.String(), "Opening browser for authorization")
	assert.Contains(t, buf.String(), "Token saved to "+cfg.TokenPath)

	tok, err := credentials.LoadToken(cfg.TokenPath)
	require.NoError(t, err)
	assert.Equal(t, "from-idp", tok.AccessToken)
}

func TestAuthCommand_LoginRequiresProvider(t *testing.T) {
	withConfig(t, testConfig(t, "http://127.0.0.1:1/search"))

	err := runWithOutput([]string{"auth", "--login"}, noopSearch, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PSEARCH_OAUTH_CLIENT_ID")
}

func TestBuildSearchFn_RefreshesExpiredLoginToken(t *testing.T) {
	var refreshes atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh","token_type":"Bearer","refresh_token":"refresh","expires_in":3600}`)
	}))
	defer idp.Close()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"7","passage":"world"}]`))
	}))
	defer api.Close()

	cfg := testConfig(t, api.URL+"/search")
	cfg.OAuthClientID = "client"
	cfg.OAuthAuthURL = "http://idp.example.com/authorize"
	cfg.OAuthTokenURL = idp.URL
	withConfig(t, cfg)
	require.NoError(t, credentials.SaveToken(cfg.TokenPath, &oauth2.Token{
		AccessToken:  "old",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Hour),
	}))

	results, err := buildSearchFn()(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []passages.Passage{{ID: "7", Passage: "world"}}, results)
	assert.Equal(t, int32(1), refreshes.Load())

	saved, err := credentials.LoadToken(cfg.TokenPath)
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
}

type countFunc func(ctx context.Context) (int, error)

func (f countFunc) Count(ctx context.Context) (int, error) { return f(ctx) }

func TestLogIndexSize(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	logIndexSize(context.Background(), countFunc(func(context.Context) (int, error) { return 42, nil }), log)
	assert.Contains(t, buf.String(), `"level":"info"`)
	assert.Contains(t, buf.String(), `"passages":42`)

	buf.Reset()
	logIndexSize(context.Background(), countFunc(func(context.Context) (int, error) {
		return 0, fmt.Errorf("database is locked")
	}), log)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "database is locked")
	assert.NotContains(t, buf.String(), "index opened")
}
