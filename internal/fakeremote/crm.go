package fakeremote

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// DefaultCRMToken is the bearer token the fake CRM accepts.
const DefaultCRMToken = "crm-token"

// Note is a note stored by the fake CRM.
type Note struct {
	ID           int64
	ResourceType string
	ResourceID   int64
	Content      string
	Tags         []string
}

// CRM simulates the CRM REST endpoints used for deals, users and notes.
type CRM struct {
	URL   string
	Token string

	mu          sync.Mutex
	deals       map[string]int64
	users       map[int64]string
	notes       []*Note
	calls       map[string]int
	createFails int
	tagStatus   int
	dealStatus  int
}

// NewCRM starts a fake CRM closed at test cleanup.
func NewCRM(t testing.TB) *CRM {
	t.Helper()
	c := &CRM{
		Token: DefaultCRMToken,
		deals: map[string]int64{},
		users: map[int64]string{},
		calls: map[string]int{},
	}
	r := chi.NewRouter()
	r.Use(c.auth)
	r.Get("/v2/deals/{id}", c.getDeal)
	r.Get("/v2/users/{id}", c.getUser)
	r.Post("/v2/notes", c.createNote)
	r.Put("/v2/notes/{id}", c.updateNote)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c.URL = srv.URL
	return c
}

// AddDeal registers a deal owned by ownerID (0 means no owner).
func (c *CRM) AddDeal(dealID string, ownerID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deals[dealID] = ownerID
}

// AddUser registers a CRM user.
func (c *CRM) AddUser(id int64, email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[id] = email
}

// FailCreate makes note creation answer with HTTP status.
func (c *CRM) FailCreate(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createFails = status
}

// TagStatus sets the status note updates answer with.
func (c *CRM) TagStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagStatus = status
}

// FailDeals makes deal lookups answer with HTTP status.
func (c *CRM) FailDeals(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dealStatus = status
}

// Notes returns copies of the stored notes.
func (c *CRM) Notes() []Note {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Note, 0, len(c.notes))
	for _, n := range c.notes {
		cp := *n
		cp.Tags = append([]string(nil), n.Tags...)
		out = append(out, cp)
	}
	return out
}

// Calls returns how many requests hit route, e.g. "GET /v2/deals/{id}".
func (c *CRM) Calls(route string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[route]
}

func (c *CRM) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+c.Token {
			crmError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *CRM) count(r *http.Request) {
	route := r.Method + " " + chi.RouteContext(r.Context()).RoutePattern()
	c.calls[route]++
}

func (c *CRM) getDeal(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count(r)
	if c.dealStatus != 0 {
		crmError(w, c.dealStatus, "server_error", "simulated failure")
		return
	}
	id := chi.URLParam(r, "id")
	owner, ok := c.deals[id]
	if !ok {
		crmError(w, http.StatusNotFound, "not_found", "deal not found")
		return
	}
	n, _ := strconv.ParseInt(id, 10, 64)
	deal := map[string]any{"id": n, "name": "Deal " + id, "owner_id": nil}
	if owner != 0 {
		deal["owner_id"] = owner
	}
	crmData(w, http.StatusOK, "deal", deal)
}

func (c *CRM) getUser(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	email, ok := c.users[id]
	if err != nil || !ok {
		crmError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	crmData(w, http.StatusOK, "user", map[string]any{"id": id, "name": "User", "email": email})
}

func (c *CRM) createNote(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count(r)
	if c.createFails != 0 {
		crmError(w, c.createFails, "server_error", "simulated failure")
		return
	}
	var body struct {
		Data struct {
			ResourceType string `json:"resource_type"`
			ResourceID   int64  `json:"resource_id"`
			Content      string `json:"content"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		crmError(w, http.StatusUnprocessableEntity, "invalid", err.Error())
		return
	}
	if body.Data.ResourceType != "deal" {
		crmError(w, http.StatusUnprocessableEntity, "invalid", "resource_type must be deal")
		return
	}
	if _, ok := c.deals[strconv.FormatInt(body.Data.ResourceID, 10)]; !ok {
		crmError(w, http.StatusNotFound, "not_found", "deal not found")
		return
	}
	n := &Note{
		ID:           int64(1000 + len(c.notes)),
		ResourceType: body.Data.ResourceType,
		ResourceID:   body.Data.ResourceID,
		Content:      body.Data.Content,
	}
	c.notes = append(c.notes, n)
	crmData(w, http.StatusOK, "note", map[string]any{"id": n.ID, "content": n.Content, "tags": []string{}})
}

func (c *CRM) updateNote(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count(r)
	if c.tagStatus != 0 && c.tagStatus != http.StatusOK {
		if c.tagStatus >= 300 {
			crmError(w, c.tagStatus, "server_error", "simulated failure")
		} else {
			w.WriteHeader(c.tagStatus)
		}
		return
	}
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var note *Note
	for _, n := range c.notes {
		if n.ID == id {
			note = n
		}
	}
	if note == nil {
		crmError(w, http.StatusNotFound, "not_found", "note not found")
		return
	}
	var body struct {
		Data struct {
			Tags []string `json:"tags"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		crmError(w, http.StatusUnprocessableEntity, "invalid", err.Error())
		return
	}
	note.Tags = body.Data.Tags
	crmData(w, http.StatusOK, "note", map[string]any{"id": note.ID, "tags": note.Tags})
}

func crmData(w http.ResponseWriter, status int, kind string, data any) {
	writeJSON(w, status, map[string]any{"data": data, "meta": map[string]any{"type": kind}})
}

func crmError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]any{{"error": map[string]any{"code": code, "message": msg}}},
		"meta":   map[string]any{"type": "errors"},
	})
}
