package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"activationdesk/internal/domain"
)

const groupsQuery = `query Groups($boardId: ID!) {
  boards(ids: [$boardId]) {
    groups { id title }
  }
}`

// Groups lists the board's groups in board order.
func (c *Client) Groups(ctx context.Context, boardID int64) ([]domain.Group, error) {
	var data struct {
		Boards []struct {
			Groups []struct {
				ID    flexID `json:"id"`
				Title string `json:"title"`
			} `json:"groups"`
		} `json:"boards"`
	}
	vars := map[string]any{"boardId": idString(boardID)}
	if err := c.do(ctx, "Groups", groupsQuery, vars, &data); err != nil {
		return nil, err
	}
	if len(data.Boards) == 0 {
		return nil, &domain.NotFoundError{Entity: "board", ID: idString(boardID)}
	}
	groups := make([]domain.Group, 0, len(data.Boards[0].Groups))
	for _, g := range data.Boards[0].Groups {
		groups = append(groups, domain.Group{ID: string(g.ID), Title: g.Title})
	}
	return groups, nil
}

const itemsQuery = `query GroupItems($boardId: ID!, $groupId: String!, $columnIds: [String!]!, $limit: Int!, $cursor: String) {
  boards(ids: [$boardId]) {
    groups(ids: [$groupId]) {
      items_page(limit: $limit, cursor: $cursor) {
        cursor
        items {
          id
          name
          column_values(ids: $columnIds) { id text value }
        }
      }
    }
  }
}`

// ItemQuery selects the group and the columns AvailableItem reads.
type ItemQuery struct {
	BoardID        int64
	GroupID        string
	StatusColumn   string
	MacColumn      string
	WinColumn      string
	AvailableLabel string
}

type columnValue struct {
	ID    string    `json:"id"`
	Text  *string   `json:"text"`
	Value jsonValue `json:"value"`
}

type rawItem struct {
	ID           flexID        `json:"id"`
	Name         string        `json:"name"`
	ColumnValues []columnValue `json:"column_values"`
}

// AvailableItem returns the newest item of the group whose status text equals
// q.AvailableLabel, or nil when there is none. Every page is fetched before
// scanning.
func (c *Client) AvailableItem(ctx context.Context, q ItemQuery) (*domain.Item, error) {
	items, err := c.groupItems(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := len(items) - 1; i >= 0; i-- {
		it := toItem(items[i], q)
		if it.StatusText == q.AvailableLabel {
			return &it, nil
		}
	}
	return nil, nil
}

func (c *Client) groupItems(ctx context.Context, q ItemQuery) ([]rawItem, error) {
	var pacer *rate.Limiter
	if c.pageDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(c.pageDelay), 1)
	}
	var all []rawItem
	cursor := ""
	for page := 0; ; page++ {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return nil, &domain.TransportError{Op: "GroupItems", Err: err}
			}
		}
		vars := map[string]any{
			"boardId":   idString(q.BoardID),
			"groupId":   q.GroupID,
			"columnIds": []string{q.StatusColumn, q.MacColumn, q.WinColumn},
			"limit":     c.pageSize,
		}
		if cursor != "" {
			vars["cursor"] = cursor
		}
		var data struct {
			Boards []struct {
				Groups []struct {
					ItemsPage *struct {
						Cursor *string   `json:"cursor"`
						Items  []rawItem `json:"items"`
					} `json:"items_page"`
				} `json:"groups"`
			} `json:"boards"`
		}
		if err := c.do(ctx, "GroupItems", itemsQuery, vars, &data); err != nil {
			return nil, err
		}
		if len(data.Boards) == 0 {
			return nil, &domain.NotFoundError{Entity: "board", ID: idString(q.BoardID)}
		}
		if len(data.Boards[0].Groups) == 0 {
			return nil, &domain.NotFoundError{Entity: "group", ID: q.GroupID}
		}
		ip := data.Boards[0].Groups[0].ItemsPage
		if ip == nil {
			return nil, &domain.DecodeError{Op: "GroupItems", Detail: "missing items_page"}
		}
		all = append(all, ip.Items...)
		c.log.Debug("items page",
			zap.String("group", q.GroupID),
			zap.Int("page", page),
			zap.Int("items", len(ip.Items)))
		if ip.Cursor == nil || *ip.Cursor == "" {
			return all, nil
		}
		cursor = *ip.Cursor
	}
}

func toItem(r rawItem, q ItemQuery) domain.Item {
	it := domain.Item{
		ID:      string(r.ID),
		Name:    r.Name,
		MacLink: domain.NotAvailable,
		WinLink: domain.NotAvailable,
	}
	for _, cv := range r.ColumnValues {
		switch cv.ID {
		case q.StatusColumn:
			if cv.Text != nil {
				it.StatusText = *cv.Text
			}
		case q.MacColumn:
			it.MacLink = linkOf(cv)
		case q.WinColumn:
			it.WinLink = linkOf(cv)
		}
	}
	return it
}

// linkOf prefers the display text, then the url of the value payload.
func linkOf(cv columnValue) string {
	if cv.Text != nil && strings.TrimSpace(*cv.Text) != "" {
		return *cv.Text
	}
	if len(cv.Value) > 0 {
		var v struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(cv.Value, &v); err == nil && v.URL != "" {
			return v.URL
		}
	}
	return domain.NotAvailable
}

const statusSettingsQuery = `query StatusSettings($boardId: ID!, $columnId: String!) {
  boards(ids: [$boardId]) {
    columns(ids: [$columnId]) { id settings_str }
  }
}`

// StatusIndex resolves a status label to its numeric index on the column. When
// several indexes carry the label the lowest wins.
func (c *Client) StatusIndex(ctx context.Context, boardID int64, columnID, label string) (int, error) {
	labels, err := c.StatusLabels(ctx, boardID, columnID)
	if err != nil {
		return 0, err
	}
	idx := -1
	for i, l := range labels {
		if l == label && (idx < 0 || i < idx) {
			idx = i
		}
	}
	if idx < 0 {
		return 0, &domain.NotFoundError{Entity: "status label", ID: strconv.Quote(label), Detail: "column " + columnID}
	}
	return idx, nil
}

// StatusLabels returns the index to label map configured on a status column.
func (c *Client) StatusLabels(ctx context.Context, boardID int64, columnID string) (map[int]string, error) {
	var data struct {
		Boards []struct {
			Columns []struct {
				ID          string `json:"id"`
				SettingsStr string `json:"settings_str"`
			} `json:"columns"`
		} `json:"boards"`
	}
	vars := map[string]any{"boardId": idString(boardID), "columnId": columnID}
	if err := c.do(ctx, "StatusSettings", statusSettingsQuery, vars, &data); err != nil {
		return nil, err
	}
	if len(data.Boards) == 0 {
		return nil, &domain.NotFoundError{Entity: "board", ID: idString(boardID)}
	}
	if len(data.Boards[0].Columns) == 0 {
		return nil, &domain.NotFoundError{Entity: "column", ID: columnID}
	}
	var settings struct {
		Labels map[string]string `json:"labels"`
	}
	if err := json.Unmarshal([]byte(data.Boards[0].Columns[0].SettingsStr), &settings); err != nil {
		return nil, &domain.DecodeError{Op: "StatusSettings", Detail: "settings_str", Err: err}
	}
	out := make(map[int]string, len(settings.Labels))
	for k, v := range settings.Labels {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, &domain.DecodeError{Op: "StatusSettings", Detail: "label index " + strconv.Quote(k), Err: err}
		}
		out[i] = v
	}
	return out, nil
}

const changeValueMutation = `mutation ChangeColumnValue($itemId: ID!, $boardId: ID!, $columnId: String!, $value: JSON!) {
  change_column_value(item_id: $itemId, board_id: $boardId, column_id: $columnId, value: $value) { id }
}`

// SetStatus moves an item to the status label.
func (c *Client) SetStatus(ctx context.Context, boardID int64, itemID, columnID, label string) error {
	idx, err := c.StatusIndex(ctx, boardID, columnID, label)
	if err != nil {
		return err
	}
	value, _ := json.Marshal(map[string]int{"index": idx})
	return c.changeValue(ctx, "SetStatus", boardID, itemID, columnID, string(value))
}

// AssignOwner sets a people column to the single board user.
func (c *Client) AssignOwner(ctx context.Context, boardID int64, itemID, columnID string, userID int64) error {
	value, _ := json.Marshal(map[string]any{
		"personsAndTeams": []map[string]any{{"id": userID, "kind": "person"}},
	})
	return c.changeValue(ctx, "AssignOwner", boardID, itemID, columnID, string(value))
}

func (c *Client) changeValue(ctx context.Context, op string, boardID int64, itemID, columnID, value string) error {
	var data struct {
		ChangeColumnValue *struct {
			ID flexID `json:"id"`
		} `json:"change_column_value"`
	}
	vars := map[string]any{
		"itemId":   itemID,
		"boardId":  idString(boardID),
		"columnId": columnID,
		"value":    value,
	}
	if err := c.do(ctx, "ChangeColumnValue", changeValueMutation, vars, &data); err != nil {
		return relabel(err, op)
	}
	if data.ChangeColumnValue == nil || data.ChangeColumnValue.ID == "" {
		return &domain.DecodeError{Op: op, Detail: "change_column_value.id missing"}
	}
	return nil
}

// relabel names the caller-facing operation on client errors.
func relabel(err error, op string) error {
	switch e := err.(type) {
	case *domain.TransportError:
		e.Op = op
	case *domain.RemoteError:
		e.Op = op
	case *domain.DecodeError:
		e.Op = op
	}
	return err
}

const usersQuery = `query Users {
  users(kind: all) { id name email is_guest is_pending is_view_only }
}`

// Users lists every user visible to the API key, sorted by id.
func (c *Client) Users(ctx context.Context) ([]domain.BoardUser, error) {
	var data struct {
		Users []struct {
			ID         flexID `json:"id"`
			Name       string `json:"name"`
			Email      string `json:"email"`
			IsGuest    bool   `json:"is_guest"`
			IsPending  bool   `json:"is_pending"`
			IsViewOnly bool   `json:"is_view_only"`
		} `json:"users"`
	}
	if err := c.do(ctx, "Users", usersQuery, nil, &data); err != nil {
		return nil, err
	}
	users := make([]domain.BoardUser, 0, len(data.Users))
	for _, u := range data.Users {
		id, err := strconv.ParseInt(string(u.ID), 10, 64)
		if err != nil {
			return nil, &domain.DecodeError{Op: "Users", Detail: fmt.Sprintf("user id %q", u.ID), Err: err}
		}
		users = append(users, domain.BoardUser{
			ID:         id,
			Name:       u.Name,
			Email:      strings.ToLower(u.Email),
			IsGuest:    u.IsGuest,
			IsPending:  u.IsPending,
			IsViewOnly: u.IsViewOnly,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
