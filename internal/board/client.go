// Package board talks to the work-management board over its GraphQL API.
package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"activationdesk/internal/domain"
	"activationdesk/internal/logging"
)

const (
	DefaultEndpoint   = "https://api.monday.com/v2"
	DefaultAPIVersion = "2023-10"
	DefaultPageSize   = 100
	DefaultPageDelay  = 200 * time.Millisecond
	DefaultTimeout    = 20 * time.Second
)

// Config configures a Client. Zero values take the defaults above, except
// PageDelay where zero disables pacing.
type Config struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	PageSize   int
	PageDelay  time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a board API client. It is safe for concurrent use.
type Client struct {
	endpoint   string
	apiKey     string
	apiVersion string
	pageSize   int
	pageDelay  time.Duration
	http       *http.Client
	log        *zap.Logger
}

// New creates a client with sane defaults.
func New(cfg Config) *Client {
	c := &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		pageSize:   cfg.PageSize,
		pageDelay:  cfg.PageDelay,
		http:       cfg.HTTPClient,
		log:        logging.OrNop(cfg.Logger).Named("board"),
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
	}
	if c.apiVersion == "" {
		c.apiVersion = DefaultAPIVersion
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	return c
}

type request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName"`
}

type gqlError struct {
	Message string `json:"message"`
}

type envelope struct {
	Data         json.RawMessage `json:"data"`
	Errors       []gqlError      `json:"errors"`
	ErrorMessage string          `json:"error_message"`
	ErrorCode    string          `json:"error_code"`
}

func (e envelope) messages() []string {
	var out []string
	for _, ge := range e.Errors {
		if ge.Message != "" {
			out = append(out, ge.Message)
		}
	}
	if e.ErrorMessage != "" {
		msg := e.ErrorMessage
		if e.ErrorCode != "" {
			msg = e.ErrorCode + ": " + msg
		}
		out = append(out, msg)
	}
	return out
}

// do posts one operation and decodes its data member into out.
func (c *Client) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(request{Query: query, Variables: vars, OperationName: op})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("API-Version", c.apiVersion)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	c.log.Debug("board request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msgs := env.messages()
		if decodeErr != nil || len(msgs) == 0 {
			msgs = []string{snippet(raw)}
		}
		return &domain.RemoteError{Op: op, StatusCode: resp.StatusCode, Messages: msgs}
	}
	if decodeErr != nil {
		return &domain.DecodeError{Op: op, Detail: "invalid JSON", Err: decodeErr}
	}
	if msgs := env.messages(); len(msgs) > 0 {
		return &domain.RemoteError{Op: op, Messages: msgs}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &domain.DecodeError{Op: op, Detail: "missing data"}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &domain.DecodeError{Op: op, Detail: "unexpected data shape", Err: err}
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}

// flexID accepts ids serialized as strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id %s: %w", s, err)
	}
	*f = flexID(n.String())
	return nil
}

// jsonValue is a column value: GraphQL JSON scalars arrive as a string holding
// JSON, or occasionally inline.
type jsonValue []byte

func (v *jsonValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = jsonValue(s)
		return nil
	}
	if string(b) == "null" {
		*v = nil
		return nil
	}
	*v = append((*v)[:0], b...)
	return nil
}
