package server

import (
	"encoding/json"

	"activationdesk/internal/domain"
	"activationdesk/internal/engine"
	"activationdesk/internal/wizard"
)

type SubmitDealRequest struct {
	DealID string `json:"deal_id" minLength:"1" example:"123456"`
}

type SubmitSelectionRequest struct {
	GroupIDs []string `json:"group_ids" minItems:"1"`
}

type ActivationRequest struct {
	DealID   string   `json:"deal_id" minLength:"1" example:"123456"`
	GroupIDs []string `json:"group_ids" minItems:"1"`
}

// SessionResponse is a wizard session and its current state.
type SessionResponse struct {
	ID    string       `json:"id"`
	State wizard.State `json:"state"`
}

type GroupsResponse struct {
	Items []engine.GroupOption `json:"items"`
}

type paginatedRuns struct {
	Items      []domain.Run `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	ActorID string         `json:"actor_id,omitempty"`
	Payload map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type EventsResponse struct {
	Items []EventResponse `json:"items"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		payload := map[string]any{}
		if e.Payload != "" {
			_ = json.Unmarshal([]byte(e.Payload), &payload)
		}
		res = append(res, EventResponse{
			ID:      e.ID,
			TS:      e.TS,
			Type:    e.Type,
			RunID:   e.RunID,
			ActorID: e.ActorID,
			Payload: payload,
		})
	}
	return res
}
