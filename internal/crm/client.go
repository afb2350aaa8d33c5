// Package crm is a client for the sales CRM REST API: deal owners and deal
// notes.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"activationdesk/internal/domain"
	"activationdesk/internal/logging"
)

const (
	DefaultEndpoint = "https://api.getbase.com"
	DefaultTimeout  = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	Endpoint   string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a CRM client. It is safe for concurrent use.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	log      *zap.Logger
}

// New creates a client with sane defaults.
func New(cfg Config) *Client {
	c := &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		http:     cfg.HTTPClient,
		log:      logging.OrNop(cfg.Logger).Named("crm"),
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
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

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Errors []struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"error"`
	} `json:"errors"`
}

func (e errorEnvelope) messages() []string {
	var out []string
	for _, item := range e.Errors {
		msg := item.Error.Message
		if item.Error.Details != "" {
			msg += " (" + item.Error.Details + ")"
		}
		if item.Error.Code != "" {
			msg = item.Error.Code + ": " + msg
		}
		out = append(out, msg)
	}
	return out
}

// notFound builds the error for a 404 on op.
type notFound func() *domain.NotFoundError

// do sends one request and decodes the data member into out. It returns the
// HTTP status of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, path string, body any, out any, nf notFound) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(map[string]any{"data": body}); err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, &buf)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &domain.TransportError{Op: op, Err: err}
	}
	c.log.Debug("crm request",
		zap.String("op", op),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode == http.StatusNotFound && nf != nil {
		return 0, nf()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env errorEnvelope
		msgs := []string{strings.TrimSpace(string(raw))}
		if err := json.Unmarshal(raw, &env); err == nil && len(env.Errors) > 0 {
			msgs = env.messages()
		}
		if msgs[0] == "" {
			msgs = []string{http.StatusText(resp.StatusCode)}
		}
		return 0, &domain.RemoteError{Op: op, StatusCode: resp.StatusCode, Messages: msgs}
	}
	if out != nil {
		var env dataEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return 0, &domain.DecodeError{Op: op, Detail: "invalid JSON", Err: err}
		}
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return 0, &domain.DecodeError{Op: op, Detail: "missing data"}
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return 0, &domain.DecodeError{Op: op, Detail: "unexpected data shape", Err: err}
		}
	}
	return resp.StatusCode, nil
}

type dealPayload struct {
	ID      json.Number  `json:"id"`
	OwnerID *json.Number `json:"owner_id"`
}

type userPayload struct {
	ID    json.Number `json:"id"`
	Email string      `json:"email"`
}

// Deal fetches a deal.
func (c *Client) Deal(ctx context.Context, dealID string) (domain.Deal, error) {
	id, err := domain.ParseDealID(dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	var p dealPayload
	_, err = c.do(ctx, "GetDeal", http.MethodGet, "/v2/deals/"+url.PathEscape(id), nil, &p,
		func() *domain.NotFoundError { return &domain.NotFoundError{Entity: "deal", ID: id} })
	if err != nil {
		return domain.Deal{}, err
	}
	d := domain.Deal{ID: p.ID.String()}
	if d.ID == "" {
		d.ID = id
	}
	if p.OwnerID != nil {
		d.OwnerID = p.OwnerID.String()
	}
	return d, nil
}

// User fetches a CRM user.
func (c *Client) User(ctx context.Context, userID string) (domain.Owner, error) {
	var p userPayload
	_, err := c.do(ctx, "GetUser", http.MethodGet, "/v2/users/"+url.PathEscape(userID), nil, &p,
		func() *domain.NotFoundError { return &domain.NotFoundError{Entity: "user", ID: userID} })
	if err != nil {
		return domain.Owner{}, err
	}
	return domain.Owner{ID: userID, Email: strings.ToLower(strings.TrimSpace(p.Email))}, nil
}

// OwnerEmail resolves the lower-cased email of the deal's owner.
func (c *Client) OwnerEmail(ctx context.Context, dealID string) (string, error) {
	deal, err := c.Deal(ctx, dealID)
	if err != nil {
		return "", err
	}
	if deal.OwnerID == "" || deal.OwnerID == "0" {
		return "", &domain.NotFoundError{Entity: "owner", ID: "of deal " + deal.ID, Detail: "deal has no owner_id"}
	}
	owner, err := c.User(ctx, deal.OwnerID)
	if err != nil {
		return "", err
	}
	if owner.Email == "" {
		return "", &domain.NotFoundError{Entity: "owner email", ID: "for user " + owner.ID}
	}
	return owner.Email, nil
}

// CreateNote attaches a note to the deal and returns the note id.
func (c *Client) CreateNote(ctx context.Context, dealID, content string) (string, error) {
	id, err := domain.ParseDealID(dealID)
	if err != nil {
		return "", err
	}
	n, _ := strconv.ParseInt(id, 10, 64)
	body := map[string]any{
		"resource_type": "deal",
		"resource_id":   n,
		"content":       content,
	}
	var p struct {
		ID json.Number `json:"id"`
	}
	_, err = c.do(ctx, "CreateNote", http.MethodPost, "/v2/notes", body, &p,
		func() *domain.NotFoundError { return &domain.NotFoundError{Entity: "deal", ID: id} })
	if err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", &domain.DecodeError{Op: "CreateNote", Detail: "note id missing"}
	}
	return p.ID.String(), nil
}

// TagNote replaces the note's tags. Only a 200 response counts as success.
func (c *Client) TagNote(ctx context.Context, noteID string, tags []string) error {
	status, err := c.do(ctx, "TagNote", http.MethodPut, "/v2/notes/"+url.PathEscape(noteID),
		map[string]any{"tags": tags}, nil,
		func() *domain.NotFoundError { return &domain.NotFoundError{Entity: "note", ID: noteID} })
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &domain.RemoteError{Op: "TagNote", StatusCode: status, Messages: []string{"expected status 200"}}
	}
	return nil
}
