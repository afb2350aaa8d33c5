package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"activationdesk/internal/board"
	"activationdesk/internal/domain"
)

// runState accumulates one run's outcome and mirrors progress to the journal.
type runState struct {
	e       Engine
	ctx     context.Context
	actorID string
	out     domain.RunOutcome
	log     *zap.Logger
}

func (r *runState) enter(phase string, payload map[string]any) {
	r.out.Phase = phase
	r.record("phase."+phase, payload)
}

func (r *runState) warn(msg string) {
	r.out.Warnings = append(r.out.Warnings, msg)
	r.log.Warn("run warning", zap.String("phase", r.out.Phase), zap.String("warning", msg))
}

func (r *runState) fail(msg string) domain.RunOutcome {
	r.out.Success = false
	r.out.Message = msg
	r.log.Warn("run failed", zap.String("phase", r.out.Phase), zap.String("reason", msg))
	r.finish()
	return r.out
}

func (r *runState) record(evtType string, payload map[string]any) {
	if r.e.Journal == nil {
		return
	}
	if err := r.e.Journal.Record(r.ctx, r.out.RunID, evtType, r.actorID, payload); err != nil {
		r.log.Error("journal record", zap.String("type", evtType), zap.Error(err))
	}
}

func (r *runState) finish() {
	if r.out.Items == nil {
		r.out.Items = []domain.ItemResult{}
	}
	if r.out.Warnings == nil {
		r.out.Warnings = []string{}
	}
	if r.e.Journal == nil {
		return
	}
	r.record("run.finished", map[string]any{"success": r.out.Success, "phase": r.out.Phase})
	if err := r.e.Journal.FinishRun(r.ctx, r.out.RunID, r.out, r.e.now()); err != nil {
		r.log.Error("journal finish", zap.Error(err))
	}
}

// Activate delivers one available activation code per selected group to the
// deal: it writes the codes as a CRM note, tags it, then marks each board item
// as delivered and assigns it to the deal owner.
//
// Only invalid input yields an error. Remote failures are reported in the
// outcome. The run ignores cancellation of ctx once it has started.
func (e Engine) Activate(ctx context.Context, req domain.SelectionRequest) (domain.RunOutcome, error) {
	dealID, err := domain.ParseDealID(req.DealID)
	if err != nil {
		return domain.RunOutcome{}, err
	}
	groupIDs := dedupe(req.GroupIDs)
	if len(groupIDs) == 0 {
		return domain.RunOutcome{}, &domain.ValidationError{Field: "group_ids", Reason: "select at least one group"}
	}
	ctx = context.WithoutCancel(ctx)

	r := &runState{
		e:       e,
		ctx:     ctx,
		actorID: req.ActorID,
		out:     domain.RunOutcome{RunID: e.newID(), DealID: dealID},
	}
	r.log = e.log().With(zap.String("run", r.out.RunID), zap.String("deal", dealID))
	if e.Journal != nil {
		run := domain.Run{
			ID:        r.out.RunID,
			DealID:    dealID,
			ActorID:   req.ActorID,
			GroupIDs:  groupIDs,
			StartedAt: e.now().UTC().Format(timeLayout),
		}
		if err := e.Journal.StartRun(ctx, run); err != nil {
			r.log.Error("journal start", zap.Error(err))
		}
	}
	r.log.Info("run started", zap.Strings("groups", groupIDs))

	// Owner first: nothing touches the board until the deal is known to exist.
	r.enter(PhaseResolveOwner, nil)
	email, err := e.CRM.OwnerEmail(ctx, dealID)
	if err == nil && email == "" {
		err = &domain.NotFoundError{Entity: "owner email", ID: "of deal " + dealID}
	}
	if err != nil {
		return r.fail(fmt.Sprintf("Could not resolve the owner of deal %s: %v", dealID, err)), nil
	}
	r.out.OwnerEmail = email

	r.enter(PhaseResolveGroups, map[string]any{"groups": groupIDs})
	titles := e.titles(r, groupIDs, req.Titles)
	var found []domain.FoundItem
	var groupErrs []string
	for _, gid := range groupIDs {
		title := titles[gid]
		item, err := e.Board.AvailableItem(ctx, board.ItemQuery{
			BoardID:        e.Settings.BoardID,
			GroupID:        gid,
			StatusColumn:   e.Settings.StatusColumn,
			MacColumn:      e.Settings.MacColumn,
			WinColumn:      e.Settings.WinColumn,
			AvailableLabel: e.Settings.AvailableLabel,
		})
		if err != nil {
			msg := fmt.Sprintf("Group %q: %v", title, err)
			groupErrs = append(groupErrs, msg)
			r.warn(msg)
			continue
		}
		if item == nil {
			r.log.Debug("no available item", zap.String("group", gid))
			continue
		}
		found = append(found, domain.FoundItem{
			GroupID:     gid,
			GroupTitle:  title,
			DisplayName: e.Mapper.DisplayName(title),
			Item:        *item,
		})
	}
	if len(found) == 0 {
		msg := fmt.Sprintf("No '%s' activation codes found in the selected groups for deal %s.", e.Settings.AvailableLabel, dealID)
		if len(groupErrs) > 0 {
			msg += " Errors: " + strings.Join(groupErrs, "; ")
		}
		return r.fail(msg), nil
	}
	e.Ordering.SortFound(found)

	r.enter(PhaseComposeNote, map[string]any{"items": len(found)})
	content := ComposeNote(found)

	r.enter(PhaseWriteNote, nil)
	noteID, err := e.CRM.CreateNote(ctx, dealID, content)
	if err != nil {
		return r.fail(fmt.Sprintf("Failed to write the note to deal %s: %v", dealID, err)), nil
	}
	r.out.NoteID = noteID

	if tag := e.Settings.NoteTag; tag != "" {
		r.enter(PhaseTagNote, map[string]any{"note_id": noteID, "tag": tag})
		if err := e.CRM.TagNote(ctx, noteID, []string{tag}); err != nil {
			r.warn(fmt.Sprintf("Failed to tag note %s with %q: %v", noteID, tag, err))
		} else {
			r.out.NoteTagged = true
		}
	}

	assigneeID, mapped := e.Settings.Assignees.Lookup(email)
	if !mapped {
		r.warn(fmt.Sprintf("Owner %s has no board user mapping; items were not assigned.", email))
	}
	r.enter(PhaseUpdateStatus, map[string]any{"label": e.Settings.TargetLabel})
	for _, f := range found {
		res := domain.ItemResult{ItemID: f.Item.ID, Code: f.Item.Name, DisplayName: f.DisplayName}
		if err := e.Board.SetStatus(ctx, e.Settings.BoardID, f.Item.ID, e.Settings.StatusColumn, e.Settings.TargetLabel); err != nil {
			res.StatusError = err.Error()
			r.warn(fmt.Sprintf("Item %s (%s): status update failed: %v", f.Item.ID, f.DisplayName, err))
			r.out.Items = append(r.out.Items, res)
			continue
		}
		res.StatusUpdated = true
		r.out.StatusUpdated++
		if !mapped {
			res.AssignSkipped = true
			r.out.Items = append(r.out.Items, res)
			continue
		}
		r.out.Phase = PhaseAssignOwner
		if err := e.Board.AssignOwner(ctx, e.Settings.BoardID, f.Item.ID, e.Settings.PersonColumn, assigneeID); err != nil {
			res.AssignError = err.Error()
			r.warn(fmt.Sprintf("Item %s (%s): owner assignment failed: %v", f.Item.ID, f.DisplayName, err))
		} else {
			res.OwnerAssigned = true
			r.out.OwnerAssigned++
		}
		r.out.Items = append(r.out.Items, res)
		r.out.Phase = PhaseUpdateStatus
	}
	r.record("items.updated", map[string]any{
		"status_updated": r.out.StatusUpdated,
		"owner_assigned": r.out.OwnerAssigned,
		"items":          len(found),
	})

	r.enter(PhaseSummarize, nil)
	r.out.Success = true
	r.out.Message = Summarize(r.out, e.Settings)
	r.log.Info("run finished",
		zap.Int("items", len(found)),
		zap.Int("status_updated", r.out.StatusUpdated),
		zap.Int("owner_assigned", r.out.OwnerAssigned),
		zap.Int("warnings", len(r.out.Warnings)))
	r.finish()
	return r.out, nil
}

// titles resolves group titles, asking the board only for ids the caller did
// not name. Unknown ids fall back to "Group ID <id>".
func (e Engine) titles(r *runState, ids []string, known map[string]string) map[string]string {
	out := make(map[string]string, len(ids))
	var missing bool
	for _, id := range ids {
		if t, ok := known[id]; ok && t != "" {
			out[id] = t
		} else {
			missing = true
		}
	}
	if missing {
		groups, err := e.Board.Groups(r.ctx, e.Settings.BoardID)
		if err != nil {
			r.warn(fmt.Sprintf("Could not fetch group titles: %v", err))
		}
		for _, g := range groups {
			if _, ok := out[g.ID]; !ok {
				out[g.ID] = g.Title
			}
		}
	}
	for _, id := range ids {
		if out[id] == "" {
			out[id] = "Group ID " + id
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
