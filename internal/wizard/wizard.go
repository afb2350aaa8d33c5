// Package wizard holds the three-step operator workflow: enter a deal,
// select product groups, view the result.
//
// State is a plain value; Reduce is the only way to move it forward.
package wizard

import (
	"activationdesk/internal/domain"
	"activationdesk/internal/engine"
)

type Step string

const (
	StepDeal      Step = "deal"
	StepSelection Step = "selection"
	StepResult    Step = "result"
)

// State is a wizard session as shown to the operator.
type State struct {
	Step       Step                 `json:"step"`
	DealID     string               `json:"deal_id,omitempty"`
	OwnerEmail string               `json:"owner_email,omitempty"`
	Groups     []engine.GroupOption `json:"groups,omitempty"`
	Selected   []string             `json:"selected,omitempty"`
	Processing bool                 `json:"processing"`
	Outcome    *domain.RunOutcome   `json:"outcome,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Initial is the state of a new session.
func Initial() State {
	return State{Step: StepDeal}
}

// Event moves the wizard. Implementations are the types below.
type Event interface {
	event()
}

// DealSubmitted is sent when the operator submits a deal id.
type DealSubmitted struct{ DealID string }

// DealResolved carries the deal entry step result.
type DealResolved struct{ Prep engine.Preparation }

// DealFailed carries a deal entry error.
type DealFailed struct{ Err error }

// RunStarted is sent when the operator submits a selection.
type RunStarted struct{ GroupIDs []string }

// RunFinished carries the run outcome.
type RunFinished struct{ Outcome domain.RunOutcome }

// RunRejected carries an error raised before a run could start.
type RunRejected struct{ Err error }

// Reset returns to deal entry.
type Reset struct{}

func (DealSubmitted) event() {}
func (DealResolved) event()  {}
func (DealFailed) event()    {}
func (RunStarted) event()    {}
func (RunFinished) event()   {}
func (RunRejected) event()   {}
func (Reset) event()         {}

// Reduce returns the state after ev. Events that do not apply to the current
// step leave the state unchanged.
func Reduce(s State, ev Event) State {
	switch ev := ev.(type) {
	case Reset:
		// An in-flight request must be able to land its result.
		if s.Processing {
			return s
		}
		return Initial()

	case DealSubmitted:
		if s.Step != StepDeal || s.Processing {
			return s
		}
		return State{Step: StepDeal, DealID: ev.DealID, Processing: true}

	case DealResolved:
		if s.Step != StepDeal || !s.Processing {
			return s
		}
		return State{
			Step:       StepSelection,
			DealID:     ev.Prep.DealID,
			OwnerEmail: ev.Prep.OwnerEmail,
			Groups:     ev.Prep.Groups,
		}

	case DealFailed:
		if s.Step != StepDeal {
			return s
		}
		s.Processing = false
		s.Error = errText(ev.Err)
		return s

	case RunStarted:
		if s.Step != StepSelection || s.Processing {
			return s
		}
		s.Selected = append([]string(nil), ev.GroupIDs...)
		s.Processing = true
		s.Error = ""
		s.Outcome = nil
		return s

	case RunRejected:
		if s.Step != StepSelection {
			return s
		}
		s.Processing = false
		s.Error = errText(ev.Err)
		return s

	case RunFinished:
		if s.Step != StepSelection || !s.Processing {
			return s
		}
		out := ev.Outcome
		s.Processing = false
		s.Outcome = &out
		switch {
		case out.Success:
			s.Step = StepResult
			s.Error = ""
		case out.Phase == engine.PhaseResolveOwner:
			// The deal itself is unusable; start over from deal entry.
			return State{Step: StepDeal, DealID: s.DealID, Outcome: &out, Error: out.Message}
		default:
			s.Error = out.Message
		}
		return s
	}
	return s
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
