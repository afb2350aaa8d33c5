package adesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal activation desk HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     60 * time.Second,
	}
}

// Group is a board group offered for selection.
type Group struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	DisplayName string `json:"display_name"`
	Label       string `json:"label"`
}

// ItemResult is the per-item outcome of a run.
type ItemResult struct {
	ItemID        string `json:"item_id"`
	Code          string `json:"code"`
	DisplayName   string `json:"display_name"`
	StatusUpdated bool   `json:"status_updated"`
	StatusError   string `json:"status_error,omitempty"`
	OwnerAssigned bool   `json:"owner_assigned"`
	AssignSkipped bool   `json:"assign_skipped,omitempty"`
	AssignError   string `json:"assign_error,omitempty"`
}

// Outcome is the result of one delivery run.
type Outcome struct {
	RunID         string       `json:"run_id"`
	DealID        string       `json:"deal_id"`
	Success       bool         `json:"success"`
	Message       string       `json:"message"`
	Phase         string       `json:"phase"`
	OwnerEmail    string       `json:"owner_email,omitempty"`
	NoteID        string       `json:"note_id,omitempty"`
	NoteTagged    bool         `json:"note_tagged"`
	Items         []ItemResult `json:"items"`
	StatusUpdated int          `json:"status_updated"`
	OwnerAssigned int          `json:"owner_assigned"`
	Warnings      []string     `json:"warnings"`
}

// State is a wizard session state.
type State struct {
	Step       string   `json:"step"`
	DealID     string   `json:"deal_id,omitempty"`
	OwnerEmail string   `json:"owner_email,omitempty"`
	Groups     []Group  `json:"groups,omitempty"`
	Selected   []string `json:"selected,omitempty"`
	Processing bool     `json:"processing"`
	Outcome    *Outcome `json:"outcome,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Session pairs a session id with its state.
type Session struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

// Run is a journaled run.
type Run struct {
	ID         string   `json:"id"`
	DealID     string   `json:"deal_id"`
	ActorID    string   `json:"actor_id"`
	GroupIDs   []string `json:"group_ids"`
	StartedAt  string   `json:"started_at"`
	FinishedAt *string  `json:"finished_at,omitempty"`
	Success    *bool    `json:"success,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// Event represents a journal entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	ActorID string         `json:"actor_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// PaginatedRuns wraps run listings with a cursor.
type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled when the
// body carries the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSession starts a wizard session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", nil, &resp)
	return resp, err
}

// GetSession returns a session's state.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, ""), nil, &resp)
	return resp, err
}

// SubmitDeal submits the deal id of a session.
func (c *Client) SubmitDeal(ctx context.Context, sessionID, dealID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "deal"), map[string]any{"deal_id": dealID}, &resp)
	return resp, err
}

// SubmitSelection delivers codes for the selected groups of a session.
func (c *Client) SubmitSelection(ctx context.Context, sessionID string, groupIDs []string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "selection"), map[string]any{"group_ids": groupIDs}, &resp)
	return resp, err
}

// ResetSession returns a session to deal entry.
func (c *Client) ResetSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "reset"), nil, &resp)
	return resp, err
}

// Groups lists the board groups.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	var resp struct {
		Items []Group `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/groups", nil, &resp)
	return resp.Items, err
}

// Activate runs a one-shot delivery.
func (c *Client) Activate(ctx context.Context, dealID string, groupIDs []string) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "v0/activations", map[string]any{"deal_id": dealID, "group_ids": groupIDs}, &resp)
	return resp, err
}

// ListRuns lists journaled runs, newest first.
func (c *Client) ListRuns(ctx context.Context, dealID string, limit int, cursor string) (PaginatedRuns, error) {
	q := url.Values{}
	if dealID != "" {
		q.Set("deal_id", dealID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunEvents returns the journal events of one run.
func (c *Client) RunEvents(ctx context.Context, runID string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID)+"/events", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(id, action string) string {
	p := "v0/sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
