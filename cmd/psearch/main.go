package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cwoolley/passage-search/internal/apiclient"
	"github.com/cwoolley/passage-search/internal/auth"
	"github.com/cwoolley/passage-search/internal/config"
	"github.com/cwoolley/passage-search/internal/credentials"
	"github.com/cwoolley/passage-search/internal/index"
	"github.com/cwoolley/passage-search/internal/passages"
	"github.com/cwoolley/passage-search/internal/render"
	"github.com/cwoolley/passage-search/internal/search"
	"github.com/cwoolley/passage-search/internal/server"
	"github.com/cwoolley/passage-search/internal/submit"
	"github.com/cwoolley/passage-search/internal/tui"
	"github.com/cwoolley/passage-search/internal/web"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/term"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// SearchFunc abstracts the search operation for testability.
type SearchFunc func(ctx context.Context, query string) ([]passages.Passage, error)

func (f SearchFunc) Search(ctx context.Context, query string) ([]passages.Passage, error) {
	return f(ctx, query)
}

// loadConfig is overridden in tests.
var loadConfig = config.Load

// openBrowser is overridden in tests.
var openBrowser auth.BrowserOpener = auth.OpenBrowser

// teaRunner is the part of *tea.Program the interactive command needs.
type teaRunner interface {
	Run() (tea.Model, error)
}

var newTeaProgram = func(m tea.Model) teaRunner {
	return tea.NewProgram(m, tea.WithAltScreen())
}

// makeSignalCh returns a channel notified on SIGINT/SIGTERM and a func
// that stops notification. Overridden in tests.
var makeSignalCh = func() (chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// httpServer is the subset of *server.Server used by serveLoop.
type httpServer interface {
	Serve() error
	Addr() string
	Shutdown(ctx context.Context) error
}

type cli struct {
	searchFn  SearchFunc
	out       io.Writer
	logToFile bool
	closeLog  func() error
}

func newRootCmd(searchFn SearchFunc, out io.Writer) *cobra.Command {
	c := &cli{searchFn: searchFn, out: out}

	root := &cobra.Command{
		Use:           "psearch",
		Short:         "Query a passage retrieval service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log, err := c.setupLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cmd.SetContext(log.WithContext(cmd.Context()))
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.closeLog != nil {
				return c.closeLog()
			}
			return nil
		},
	}

	root.AddCommand(
		c.searchCmd(),
		c.interactiveCmd(),
		c.serveCmd(),
		c.backendCmd(),
		c.indexCmd(),
		c.authCmd(),
		c.versionCmd(),
	)
	return root
}

// setupLogger builds the console logger from configuration. An invalid
// configuration still yields a logger so help and version keep working;
// commands that need the configuration report the error themselves.
func (c *cli) setupLogger(stderr io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	var w io.Writer = stderr
	noColor := true
	if f, ok := stderr.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}

	if cfg, err := loadConfig(); err == nil {
		level = cfg.Level()
		if cfg.LogFile != "" {
			f, err := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
			if err != nil {
				return zerolog.Logger{}, fmt.Errorf("open log file: %w", err)
			}
			w, noColor, c.logToFile, c.closeLog = f, true, true, f.Close
		}
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: noColor, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger(), nil
}

func (c *cli) searchCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "search [query...]",
		Short: "Search passages and print the results",
		Long: "Search passages and print the results.\n\n" +
			"When the search service cannot be reached, placeholder passages are shown instead.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			if format == "" {
				format = "plain"
				if cfg, err := loadConfig(); err == nil {
					format = cfg.Format
				}
			}
			f, err := formatter(format, c.out)
			if err != nil {
				return err
			}

			notify := submit.NotifierFunc(func(msg string) {
				fmt.Fprintln(cmd.ErrOrStderr(), "! "+msg)
			})
			s := submit.New(c.searchFn, render.NewWriter(c.out, f), notify, *zerolog.Ctx(cmd.Context()))
			_, err = s.Submit(cmd.Context(), query)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "output format: plain or markdown (default from PSEARCH_FORMAT)")
	return cmd
}

func formatter(name string, out io.Writer) (render.Formatter, error) {
	switch name {
	case "plain":
		return render.Plain{}, nil
	case "markdown":
		width := 0
		if f, ok := out.(*os.File); ok {
			if w, _, err := term.GetSize(int(f.Fd())); err == nil {
				width = w
			}
		}
		return render.Markdown{Width: width}, nil
	default:
		return nil, fmt.Errorf("unknown format %q (want plain or markdown)", name)
	}
}

func (c *cli) interactiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "interactive",
		Aliases: []string{"tui"},
		Short:   "Search passages in an interactive terminal UI",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The UI owns the terminal; only a log file may receive output.
			log := zerolog.Nop()
			if c.logToFile {
				log = *zerolog.Ctx(cmd.Context())
			}
			searchFn := func(ctx context.Context, query string) ([]passages.Passage, error) {
				return c.searchFn(log.WithContext(ctx), query)
			}

			if _, err := newTeaProgram(tui.NewModel(searchFn, log)).Run(); err != nil {
				return fmt.Errorf("interactive: %w", err)
			}
			return nil
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the passage search web UI",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := *zerolog.Ctx(cmd.Context())
			if !cmd.Flags().Changed("addr") {
				if cfg, err := loadConfig(); err == nil {
					addr = cfg.ServerAddr
				}
			}

			srv := server.New(addr, log)
			srv.Handle("GET /", web.Handler())
			srv.Handle("POST /query", web.QueryHandler(c.searchFn, log))
			if err := srv.Listen(); err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			return serveLoop(srv, c.out)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	return cmd
}

func (c *cli) backendCmd() *cobra.Command {
	var addr, indexPath string
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve the /search endpoint over a local passage index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cmd.Flags().Changed("addr") {
				addr = cfg.BackendAddr
			}
			if indexPath == "" {
				indexPath = cfg.IndexPath
			}
			log := zerolog.Ctx(cmd.Context()).With().Str("index", indexPath).Logger()

			ix, err := index.Open(indexPath)
			if err != nil {
				return err
			}
			defer ix.Close()

			logIndexSize(cmd.Context(), ix, log)

			srv := server.New(addr, log)
			srv.Handle("/search", search.Handler(search.New(ix, cfg.TopK), log))
			if err := srv.Listen(); err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			return serveLoop(srv, c.out)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5000", "address to listen on")
	cmd.Flags().StringVar(&indexPath, "index", "", "index database (default from PSEARCH_INDEX_PATH)")
	return cmd
}

type passageCounter interface {
	Count(ctx context.Context) (int, error)
}

func logIndexSize(ctx context.Context, ix passageCounter, log zerolog.Logger) {
	n, err := ix.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not count indexed passages")
		return
	}
	log.Info().Int("passages", n).Msg("index opened")
}

func (c *cli) indexCmd() *cobra.Command {
	var indexPath string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the local passage index",
	}
	importCmd := &cobra.Command{
		Use:   "import <collection.tsv>",
		Short: "Import id<TAB>text passages into the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if indexPath == "" {
				cfg, err := loadConfig()
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				indexPath = cfg.IndexPath
			}
			ix, err := index.Open(indexPath)
			if err != nil {
				return err
			}
			defer ix.Close()

			n, err := ix.ImportFile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Fprintf(c.out, "Imported %d passages into %s\n", n, indexPath)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&indexPath, "index", "", "index database (default from PSEARCH_INDEX_PATH)")
	cmd.AddCommand(importCmd)
	return cmd
}

func (c *cli) authCmd() *cobra.Command {
	var token string
	var remove, login bool
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Store the bearer token sent to the search endpoint",
		Long: "Store the bearer token sent to the search endpoint as an OAuth2 Authorization header.\n\n" +
			"The token is read from --token or, when omitted, from the first line of stdin.\n" +
			"With --login the token is obtained through the OAuth2 provider configured by\n" +
			"PSEARCH_OAUTH_CLIENT_ID, PSEARCH_OAUTH_AUTH_URL and PSEARCH_OAUTH_TOKEN_URL.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if remove {
				if err := os.Remove(cfg.TokenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("remove token: %w", err)
				}
				fmt.Fprintf(c.out, "Token removed from %s\n", cfg.TokenPath)
				return nil
			}
			if login {
				tok, err := c.browserLogin(cmd, cfg)
				if err != nil {
					return err
				}
				if err := credentials.SaveToken(cfg.TokenPath, tok); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Token saved to %s\n", cfg.TokenPath)
				return nil
			}
			if token == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			if token == "" {
				return errors.New("no token given: pass --token or pipe it on stdin")
			}
			if err := credentials.SaveToken(cfg.TokenPath, &oauth2.Token{AccessToken: token, TokenType: "Bearer"}); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Token saved to %s\n", cfg.TokenPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().BoolVar(&remove, "clear", false, "remove the stored token")
	cmd.Flags().BoolVar(&login, "login", false, "obtain the token through the OAuth2 provider in a browser")
	cmd.MarkFlagsMutuallyExclusive("token", "clear", "login")
	return cmd
}

func (c *cli) browserLogin(cmd *cobra.Command, cfg *config.Config) (*oauth2.Token, error) {
	if err := cfg.CheckOAuth(); err != nil {
		return nil, err
	}
	l := &auth.Login{
		Config: oauthConfig(cfg),
		OpenURL: func(url string) error {
			fmt.Fprintf(c.out, "Opening browser for authorization:\n%s\n", url)
			return openBrowser(url)
		},
		Log: *zerolog.Ctx(cmd.Context()),
	}
	tok, err := l.Run(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return tok, nil
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(c.out, "psearch version %s\n", version)
		},
	}
}

// serveLoop runs srv until it fails or a shutdown signal arrives.
func serveLoop(srv httpServer, out io.Writer) error {
	sigCh, stop := makeSignalCh()
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	fmt.Fprintf(out, "Listening on %s\n", srv.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-sigCh:
		fmt.Fprintln(out, "shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func runWithIO(args []string, searchFn SearchFunc, out, errOut io.Writer) error {
	cmd := newRootCmd(searchFn, out)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.Execute()
}

func runWithOutput(args []string, searchFn SearchFunc, out io.Writer) error {
	return runWithIO(args, searchFn, out, out)
}

func run(args []string, searchFn SearchFunc) error {
	return runWithIO(args, searchFn, os.Stdout, os.Stderr)
}

// buildSearchFn returns a search function that posts to the configured
// endpoint, authenticating with the stored token when there is one.
func buildSearchFn() SearchFunc {
	return func(ctx context.Context, query string) ([]passages.Passage, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}

		tok, err := credentials.LoadToken(cfg.TokenPath)
		if err != nil && !errors.Is(err, credentials.ErrNoToken) {
			return nil, fmt.Errorf("failed to load token from %s: %w", cfg.TokenPath, err)
		}

		log := *zerolog.Ctx(ctx)
		var provider *oauth2.Config
		if cfg.CheckOAuth() == nil {
			provider = oauthConfig(cfg)
		}
		ts := credentials.TokenSource(ctx, provider, cfg.TokenPath, tok, log)

		client := apiclient.New(cfg.Endpoint, credentials.HTTPClient(ctx, ts, cfg.Timeout), log)
		return client.Search(ctx, query)
	}
}

// oauthConfig describes the OAuth2 provider used to log in and to refresh
// stored tokens.
func oauthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: cfg.OAuthAuthURL, TokenURL: cfg.OAuthTokenURL},
		Scopes:       auth.Scopes(cfg.OAuthScopes),
	}
}

func main() {
	if err := run(os.Args[1:], buildSearchFn()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
