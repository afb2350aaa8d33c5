// Package fakeremote runs in-process HTTP fakes of the board and CRM services
// for tests.
package fakeremote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"activationdesk/internal/domain"
)

// Column ids and labels served by default.
const (
	StatusColumn    = "status"
	MacColumn       = "mac_dowload_link0"
	WinColumn       = "win_download_link"
	PersonColumn    = "person"
	LabelAvailable  = "Not used"
	LabelDelivered  = "Sent & put in B2B CRM"
	DefaultBoardID  = int64(1242580452)
	DefaultAPIToken = "board-token"
)

// BoardItem is a board row.
type BoardItem struct {
	ID      string
	Name    string
	Status  string
	MacText string
	MacURL  string
	WinText string
	WinURL  string
	People  []int64
}

// BoardGroup is a board group; Items are in board (oldest first) order.
type BoardGroup struct {
	ID    string
	Title string
	Items []*BoardItem
}

// Board simulates the board GraphQL endpoint. Operations are dispatched on
// operationName.
type Board struct {
	URL     string
	BoardID int64
	Token   string

	mu         sync.Mutex
	labels     map[int]string
	groups     []*BoardGroup
	users      []domain.BoardUser
	calls      map[string]int
	failOps    map[string]string
	failGroups map[string]int
	omitID     bool
}

// NewBoard starts a fake board closed at test cleanup.
func NewBoard(t testing.TB) *Board {
	t.Helper()
	b := &Board{
		BoardID: DefaultBoardID,
		Token:   DefaultAPIToken,
		labels: map[int]string{
			0:  "Working on it",
			1:  LabelDelivered,
			5:  LabelAvailable,
			11: "Expired",
		},
		calls:      map[string]int{},
		failOps:    map[string]string{},
		failGroups: map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	b.URL = srv.URL
	return b
}

// AddGroup appends a group with items.
func (b *Board) AddGroup(id, title string, items ...*BoardItem) *BoardGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := &BoardGroup{ID: id, Title: title, Items: items}
	b.groups = append(b.groups, g)
	return g
}

// SetLabels replaces the status column labels.
func (b *Board) SetLabels(labels map[int]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.labels = labels
}

// SetUsers replaces the account users.
func (b *Board) SetUsers(users ...domain.BoardUser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = users
}

// FailOp makes operation op answer with a GraphQL error carrying msg.
func (b *Board) FailOp(op, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOps[op] = msg
}

// FailGroup makes item listing for groupID answer with HTTP status.
func (b *Board) FailGroup(groupID string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failGroups[groupID] = status
}

// OmitMutationID makes mutations succeed without returning the item id.
func (b *Board) OmitMutationID() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.omitID = true
}

// Calls returns how many times op was requested.
func (b *Board) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// TotalCalls counts every request received.
func (b *Board) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

// Item returns a snapshot of the item with id.
func (b *Board) Item(id string) (BoardItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if it := b.findItem(id); it != nil {
		cp := *it
		cp.People = append([]int64(nil), it.People...)
		return cp, true
	}
	return BoardItem{}, false
}

func (b *Board) findItem(id string) *BoardItem {
	for _, g := range b.groups {
		for _, it := range g.Items {
			if it.ID == id {
				return it
			}
		}
	}
	return nil
}

type gqlRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName"`
}

func (b *Board) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error_message": "POST only"})
		return
	}
	if b.Token != "" && r.Header.Get("Authorization") != b.Token {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error_message": "Not Authenticated", "status_code": 401})
		return
	}
	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error_message": "invalid body"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[req.OperationName]++
	if msg, ok := b.failOps[req.OperationName]; ok {
		writeJSON(w, http.StatusOK, map[string]any{"errors": []map[string]any{{"message": msg}}})
		return
	}

	var data any
	var status int
	switch req.OperationName {
	case "Groups":
		data, status = b.opGroups(req.Variables)
	case "GroupItems":
		data, status = b.opGroupItems(req.Variables)
	case "StatusSettings":
		data, status = b.opStatusSettings(req.Variables)
	case "ChangeColumnValue":
		data, status = b.opChangeValue(req.Variables)
	case "Users":
		data, status = b.opUsers()
	default:
		writeJSON(w, http.StatusOK, map[string]any{"errors": []map[string]any{{"message": "unknown operation " + req.OperationName}}})
		return
	}
	if status != http.StatusOK {
		writeJSON(w, status, map[string]any{"error_message": fmt.Sprintf("simulated failure %d", status)})
		return
	}
	if e, ok := data.(gqlFailure); ok {
		writeJSON(w, http.StatusOK, map[string]any{"errors": []map[string]any{{"message": string(e)}}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "account_id": 1})
}

type gqlFailure string

func (b *Board) boardMatches(vars map[string]any) bool {
	return str(vars["boardId"]) == strconv.FormatInt(b.BoardID, 10)
}

func (b *Board) opGroups(vars map[string]any) (any, int) {
	if !b.boardMatches(vars) {
		return map[string]any{"boards": []any{}}, http.StatusOK
	}
	groups := make([]map[string]any, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, map[string]any{"id": g.ID, "title": g.Title})
	}
	return map[string]any{"boards": []any{map[string]any{"groups": groups}}}, http.StatusOK
}

func (b *Board) opGroupItems(vars map[string]any) (any, int) {
	if !b.boardMatches(vars) {
		return map[string]any{"boards": []any{}}, http.StatusOK
	}
	groupID := str(vars["groupId"])
	if s, ok := b.failGroups[groupID]; ok {
		return nil, s
	}
	var group *BoardGroup
	for _, g := range b.groups {
		if g.ID == groupID {
			group = g
		}
	}
	if group == nil {
		return map[string]any{"boards": []any{map[string]any{"groups": []any{}}}}, http.StatusOK
	}
	limit := 100
	if f, ok := vars["limit"].(float64); ok && f > 0 {
		limit = int(f)
	}
	offset := 0
	if c := str(vars["cursor"]); c != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(c, "page-"))
		if err != nil {
			return gqlFailure("invalid cursor"), http.StatusOK
		}
		offset = n
	}
	end := offset + limit
	if end > len(group.Items) {
		end = len(group.Items)
	}
	var cursor any
	if end < len(group.Items) {
		cursor = fmt.Sprintf("page-%d", end)
	}
	wanted := map[string]bool{}
	if ids, ok := vars["columnIds"].([]any); ok {
		for _, id := range ids {
			wanted[str(id)] = true
		}
	}
	items := make([]map[string]any, 0, end-offset)
	for _, it := range group.Items[offset:end] {
		items = append(items, map[string]any{
			"id":            it.ID,
			"name":          it.Name,
			"column_values": b.columnValues(it, wanted),
		})
	}
	page := map[string]any{"cursor": cursor, "items": items}
	return map[string]any{"boards": []any{map[string]any{"groups": []any{map[string]any{"items_page": page}}}}}, http.StatusOK
}

func (b *Board) columnValues(it *BoardItem, wanted map[string]bool) []map[string]any {
	var out []map[string]any
	add := func(id string, text string, value any) {
		if !wanted[id] {
			return
		}
		out = append(out, map[string]any{"id": id, "text": text, "value": value})
	}
	add(StatusColumn, it.Status, b.statusValue(it.Status))
	add(MacColumn, it.MacText, linkValue(it.MacURL, it.MacText))
	add(WinColumn, it.WinText, linkValue(it.WinURL, it.WinText))
	return out
}

func (b *Board) statusValue(label string) any {
	for i, l := range b.labels {
		if l == label {
			raw, _ := json.Marshal(map[string]int{"index": i})
			return string(raw)
		}
	}
	return nil
}

func linkValue(url, text string) any {
	if url == "" {
		return nil
	}
	raw, _ := json.Marshal(map[string]string{"url": url, "text": text})
	return string(raw)
}

func (b *Board) opStatusSettings(vars map[string]any) (any, int) {
	if !b.boardMatches(vars) {
		return map[string]any{"boards": []any{}}, http.StatusOK
	}
	if str(vars["columnId"]) != StatusColumn {
		return map[string]any{"boards": []any{map[string]any{"columns": []any{}}}}, http.StatusOK
	}
	labels := map[string]string{}
	for i, l := range b.labels {
		labels[strconv.Itoa(i)] = l
	}
	settings, _ := json.Marshal(map[string]any{"labels": labels, "done_colors": []int{1}})
	col := map[string]any{"id": StatusColumn, "settings_str": string(settings)}
	return map[string]any{"boards": []any{map[string]any{"columns": []any{col}}}}, http.StatusOK
}

func (b *Board) opChangeValue(vars map[string]any) (any, int) {
	if !b.boardMatches(vars) {
		return gqlFailure("board not found"), http.StatusOK
	}
	it := b.findItem(str(vars["itemId"]))
	if it == nil {
		return gqlFailure("item not found"), http.StatusOK
	}
	raw := str(vars["value"])
	switch str(vars["columnId"]) {
	case StatusColumn:
		var v struct {
			Index *int `json:"index"`
		}
		if err := json.Unmarshal([]byte(raw), &v); err != nil || v.Index == nil {
			return gqlFailure("invalid status value"), http.StatusOK
		}
		label, ok := b.labels[*v.Index]
		if !ok {
			return gqlFailure("unknown status index"), http.StatusOK
		}
		it.Status = label
	case PersonColumn:
		var v struct {
			PersonsAndTeams []struct {
				ID   int64  `json:"id"`
				Kind string `json:"kind"`
			} `json:"personsAndTeams"`
		}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return gqlFailure("invalid people value"), http.StatusOK
		}
		it.People = it.People[:0]
		for _, p := range v.PersonsAndTeams {
			if p.Kind == "person" {
				it.People = append(it.People, p.ID)
			}
		}
	default:
		return gqlFailure("unknown column"), http.StatusOK
	}
	if b.omitID {
		return map[string]any{"change_column_value": nil}, http.StatusOK
	}
	return map[string]any{"change_column_value": map[string]any{"id": it.ID}}, http.StatusOK
}

func (b *Board) opUsers() (any, int) {
	users := make([]map[string]any, 0, len(b.users))
	for _, u := range b.users {
		users = append(users, map[string]any{
			"id":           strconv.FormatInt(u.ID, 10),
			"name":         u.Name,
			"email":        u.Email,
			"is_guest":     u.IsGuest,
			"is_pending":   u.IsPending,
			"is_view_only": u.IsViewOnly,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i]["name"].(string) < users[j]["name"].(string) })
	return map[string]any{"users": users}, http.StatusOK
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
