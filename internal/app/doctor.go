package app

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"activationdesk/internal/domain"
)

// Check is one doctor finding.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Doctor checks the configuration against the live board: the status column
// must carry both labels and every assignee id must be an active board user.
func (a *App) Doctor(ctx context.Context) []Check {
	var checks []Check
	labels, err := a.Board.StatusLabels(ctx, a.Config.Board.BoardID, a.Config.Board.Columns.Status)
	if err != nil {
		checks = append(checks, Check{Name: "status column", Detail: err.Error()})
	} else {
		for _, want := range []string{a.Config.Board.Labels.Available, a.Config.Board.Labels.Target} {
			c := Check{Name: "status label " + strconv.Quote(want)}
			for i, l := range labels {
				if l == want {
					c.OK = true
					c.Detail = fmt.Sprintf("index %d", i)
				}
			}
			if !c.OK {
				c.Detail = "missing on column " + a.Config.Board.Columns.Status
			}
			checks = append(checks, c)
		}
	}

	users, err := a.Board.Users(ctx)
	if err != nil {
		return append(checks, Check{Name: "board users", Detail: err.Error()})
	}
	byID := make(map[int64]domain.BoardUser, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	emails := make([]string, 0, len(a.Config.Assignees))
	for email := range a.Config.Assignees {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	for _, email := range emails {
		id := a.Config.Assignees[email]
		c := Check{Name: "assignee " + email}
		u, ok := byID[id]
		switch {
		case !ok:
			c.Detail = fmt.Sprintf("board user %d not found", id)
		case u.IsPending || u.IsViewOnly:
			c.Detail = fmt.Sprintf("board user %d (%s) cannot be assigned", id, u.Email)
		default:
			c.OK = true
			c.Detail = fmt.Sprintf("board user %d (%s)", id, u.Email)
		}
		checks = append(checks, c)
	}
	return checks
}
