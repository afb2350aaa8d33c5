package domain

// NotAvailable marks a download link that the board did not provide.
const NotAvailable = "N/A"

type Deal struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
}

type Owner struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Group is a product line on the board.
type Group struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Item is one activation code record. Name holds the code itself.
type Item struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	StatusText string `json:"status_text"`
	MacLink    string `json:"mac_link"`
	WinLink    string `json:"win_link"`
}

// BoardUser is a member of the board service account.
type BoardUser struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	IsGuest    bool   `json:"is_guest"`
	IsPending  bool   `json:"is_pending"`
	IsViewOnly bool   `json:"is_view_only"`
}

// AssignmentTable maps a lower-cased deal owner email to a board user id.
type AssignmentTable map[string]int64

// Lookup returns the board user for email, if any.
func (t AssignmentTable) Lookup(email string) (int64, bool) {
	id, ok := t[email]
	return id, ok && id != 0
}

// SelectionRequest is one orchestrator run input. Titles is optional; ids
// missing from it are resolved against the board.
type SelectionRequest struct {
	DealID   string            `json:"deal_id"`
	GroupIDs []string          `json:"group_ids"`
	Titles   map[string]string `json:"titles,omitempty"`
	ActorID  string            `json:"actor_id,omitempty"`
}

// FoundItem is the available item picked for one selected group.
type FoundItem struct {
	GroupID     string `json:"group_id"`
	GroupTitle  string `json:"group_title"`
	DisplayName string `json:"display_name"`
	Item        Item   `json:"item"`
}

// ItemResult is the per-item outcome of the board updates.
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

// RunOutcome is produced once per orchestrator run.
type RunOutcome struct {
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

// Run is the journal row for one orchestrator invocation.
type Run struct {
	ID         string   `json:"id"`
	DealID     string   `json:"deal_id"`
	ActorID    string   `json:"actor_id"`
	GroupIDs   []string `json:"group_ids"`
	StartedAt  string   `json:"started_at" format:"date-time"`
	FinishedAt *string  `json:"finished_at,omitempty" format:"date-time"`
	Success    *bool    `json:"success,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Message    string   `json:"message,omitempty"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}
