package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cwoolley/passage-search/internal/passages"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnavailable is matched by every error Search returns.
var ErrUnavailable = errors.New("live results unavailable")

// FailureKind classifies why a search could not produce live results.
type FailureKind int

const (
	FailureTransport FailureKind = iota + 1
	FailureStatus
	FailureDecode
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureStatus:
		return "status"
	case FailureDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is the single failure type returned by Client.Search.
type Error struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == FailureStatus {
		return fmt.Sprintf("search %s failure: server returned %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("search %s failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrUnavailable }

// Client posts queries to a passage search endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates a Client targeting the given endpoint URL.
func New(endpoint string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, httpClient: httpClient, log: log}
}

type searchRequest struct {
	Query string `json:"query"`
}

// Search sends {"query": query} to the endpoint and decodes the returned
// array of passages. Any failure is returned as *Error.
func (c *Client) Search(ctx context.Context, query string) ([]passages.Passage, error) {
	body, err := json.Marshal(searchRequest{Query: query})
	if err != nil {
		return nil, &Error{Kind: FailureTransport, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: FailureTransport, Err: fmt.Errorf("create request: %w", err)}
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)

	log := c.log.With().Str("request_id", reqID).Str("endpoint", c.endpoint).Logger()
	log.Debug().Str("query", query).Msg("sending search request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: FailureTransport, Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	log.Debug().Int("status", resp.StatusCode).Msg("search response received")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: FailureStatus, StatusCode: resp.StatusCode}
	}

	// A pointer distinguishes a JSON null body from an empty array.
	var results *[]passages.Passage
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&results); err != nil {
		return nil, &Error{Kind: FailureDecode, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	// The body must hold exactly one JSON value.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &Error{Kind: FailureDecode, StatusCode: resp.StatusCode, Err: errors.New("decode response: trailing data after JSON value")}
	}
	if results == nil {
		return nil, &Error{Kind: FailureDecode, StatusCode: resp.StatusCode, Err: errors.New("decode response: body is null")}
	}
	return *results, nil
}
