package wizard

import (
	"context"
	"fmt"

	"activationdesk/internal/domain"
	"activationdesk/internal/engine"
)

// Runner is the engine surface the wizard drives.
type Runner interface {
	Prepare(ctx context.Context, rawDealID string) (engine.Preparation, error)
	Activate(ctx context.Context, req domain.SelectionRequest) (domain.RunOutcome, error)
}

// Flow drives sessions in a Store through a Runner.
type Flow struct {
	Store  *Store
	Runner Runner
}

// SubmitDeal runs the deal entry step. Lookup errors are kept in the session
// and also returned.
func (f Flow) SubmitDeal(ctx context.Context, sessionID, dealID string) (State, error) {
	if _, err := f.Store.Begin(sessionID, DealSubmitted{DealID: dealID}); err != nil {
		return State{}, err
	}
	prep, err := f.Runner.Prepare(ctx, dealID)
	if err != nil {
		st, applyErr := f.Store.Apply(sessionID, DealFailed{Err: err})
		if applyErr != nil {
			return State{}, applyErr
		}
		return st, err
	}
	return f.Store.Apply(sessionID, DealResolved{Prep: prep})
}

// SubmitSelection runs the orchestrator for the selected groups. A failed
// run is not an error; it is reported in the returned state.
func (f Flow) SubmitSelection(ctx context.Context, sessionID string, groupIDs []string, actorID string) (State, error) {
	st, err := f.Store.Begin(sessionID, RunStarted{GroupIDs: groupIDs})
	if err != nil {
		return st, err
	}
	titles := make(map[string]string, len(st.Groups))
	for _, g := range st.Groups {
		titles[g.ID] = g.Title
	}
	for _, id := range groupIDs {
		if _, ok := titles[id]; !ok {
			return f.reject(sessionID, &domain.ValidationError{Field: "group_ids", Reason: fmt.Sprintf("group %s is not on the board", id)})
		}
	}
	out, err := f.Runner.Activate(ctx, domain.SelectionRequest{
		DealID:   st.DealID,
		GroupIDs: groupIDs,
		Titles:   titles,
		ActorID:  actorID,
	})
	if err != nil {
		return f.reject(sessionID, err)
	}
	return f.Store.Apply(sessionID, RunFinished{Outcome: out})
}

func (f Flow) reject(sessionID string, err error) (State, error) {
	st, applyErr := f.Store.Apply(sessionID, RunRejected{Err: err})
	if applyErr != nil {
		return State{}, applyErr
	}
	return st, err
}
