package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"activationdesk/internal/board"
	"activationdesk/internal/catalog"
	"activationdesk/internal/domain"
)

// Run phases, in execution order.
const (
	PhaseResolveOwner  = "resolve_owner"
	PhaseResolveGroups = "resolve_groups"
	PhaseComposeNote   = "compose_note"
	PhaseWriteNote     = "write_note"
	PhaseTagNote       = "tag_note"
	PhaseUpdateStatus  = "update_status"
	PhaseAssignOwner   = "assign_owner"
	PhaseSummarize     = "summarize"
)

// Board is the subset of the board client the engine drives.
type Board interface {
	Groups(ctx context.Context, boardID int64) ([]domain.Group, error)
	AvailableItem(ctx context.Context, q board.ItemQuery) (*domain.Item, error)
	SetStatus(ctx context.Context, boardID int64, itemID, columnID, label string) error
	AssignOwner(ctx context.Context, boardID int64, itemID, columnID string, userID int64) error
}

// CRM is the subset of the CRM client the engine drives.
type CRM interface {
	OwnerEmail(ctx context.Context, dealID string) (string, error)
	CreateNote(ctx context.Context, dealID, content string) (string, error)
	TagNote(ctx context.Context, noteID string, tags []string) error
}

// Journal records runs for audit. It is never read back by the engine.
type Journal interface {
	StartRun(ctx context.Context, run domain.Run) error
	Record(ctx context.Context, runID, evtType, actorID string, payload map[string]any) error
	FinishRun(ctx context.Context, runID string, outcome domain.RunOutcome, finishedAt time.Time) error
}

// Settings are the board columns, labels and lookups a run uses.
type Settings struct {
	BoardID        int64
	StatusColumn   string
	MacColumn      string
	WinColumn      string
	PersonColumn   string
	AvailableLabel string
	TargetLabel    string
	NoteTag        string
	Assignees      domain.AssignmentTable
}

type Engine struct {
	Board    Board
	CRM      CRM
	Mapper   *catalog.Mapper
	Ordering catalog.Ordering
	Settings Settings
	Journal  Journal
	Log      *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

func New(b Board, c CRM, s Settings, m *catalog.Mapper, o catalog.Ordering) Engine {
	return Engine{
		Board:    b,
		CRM:      c,
		Mapper:   m,
		Ordering: o,
		Settings: s,
		Log:      zap.NewNop(),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// GroupOption is a board group as offered for selection.
type GroupOption struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	DisplayName string `json:"display_name"`
	Label       string `json:"label"`
}

// Preparation is the result of the deal entry step.
type Preparation struct {
	DealID     string        `json:"deal_id"`
	OwnerEmail string        `json:"owner_email"`
	Groups     []GroupOption `json:"groups"`
}

// Groups lists the board groups with their display names, in board order.
func (e Engine) Groups(ctx context.Context) ([]GroupOption, error) {
	groups, err := e.Board.Groups(ctx, e.Settings.BoardID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]GroupOption, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupOption{
			ID:          g.ID,
			Title:       g.Title,
			DisplayName: e.Mapper.DisplayName(g.Title),
			Label:       e.Mapper.Label(g.Title),
		})
	}
	return out, nil
}

// Prepare validates the deal id, resolves its owner and lists the groups to
// choose from.
func (e Engine) Prepare(ctx context.Context, rawDealID string) (Preparation, error) {
	dealID, err := domain.ParseDealID(rawDealID)
	if err != nil {
		return Preparation{}, err
	}
	email, err := e.CRM.OwnerEmail(ctx, dealID)
	if err != nil {
		return Preparation{}, fmt.Errorf("resolve owner of deal %s: %w", dealID, err)
	}
	if email == "" {
		return Preparation{}, &domain.NotFoundError{Entity: "owner email", ID: "of deal " + dealID}
	}
	groups, err := e.Groups(ctx)
	if err != nil {
		return Preparation{}, err
	}
	return Preparation{DealID: dealID, OwnerEmail: email, Groups: groups}, nil
}
