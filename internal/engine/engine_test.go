package engine_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"activationdesk/internal/board"
	"activationdesk/internal/catalog"
	"activationdesk/internal/crm"
	"activationdesk/internal/domain"
	"activationdesk/internal/engine"
	"activationdesk/internal/fakeremote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memBoard struct {
	mu        sync.Mutex
	groups    []domain.Group
	items     map[string]*domain.Item
	groupErr  map[string]error
	groupsErr error
	statusErr map[string]error
	assignErr map[string]error
	calls     map[string]int
	status    map[string]string
	assigned  map[string]int64
}

func newMemBoard(groups ...domain.Group) *memBoard {
	return &memBoard{
		groups:    groups,
		items:     map[string]*domain.Item{},
		groupErr:  map[string]error{},
		statusErr: map[string]error{},
		assignErr: map[string]error{},
		calls:     map[string]int{},
		status:    map[string]string{},
		assigned:  map[string]int64{},
	}
}

func (b *memBoard) Groups(ctx context.Context, boardID int64) ([]domain.Group, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["Groups"]++
	if b.groupsErr != nil {
		return nil, b.groupsErr
	}
	return append([]domain.Group(nil), b.groups...), nil
}

func (b *memBoard) AvailableItem(ctx context.Context, q board.ItemQuery) (*domain.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["AvailableItem"]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.groupErr[q.GroupID]; err != nil {
		return nil, err
	}
	it, ok := b.items[q.GroupID]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (b *memBoard) SetStatus(ctx context.Context, boardID int64, itemID, columnID, label string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SetStatus"]++
	if err := b.statusErr[itemID]; err != nil {
		return err
	}
	b.status[itemID] = label
	return nil
}

func (b *memBoard) AssignOwner(ctx context.Context, boardID int64, itemID, columnID string, userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["AssignOwner"]++
	if err := b.assignErr[itemID]; err != nil {
		return err
	}
	b.assigned[itemID] = userID
	return nil
}

func (b *memBoard) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

type memCRM struct {
	email    string
	ownerErr error
	noteErr  error
	tagErr   error
	notes    []string
	tags     [][]string
}

func (c *memCRM) OwnerEmail(ctx context.Context, dealID string) (string, error) {
	return c.email, c.ownerErr
}

func (c *memCRM) CreateNote(ctx context.Context, dealID, content string) (string, error) {
	if c.noteErr != nil {
		return "", c.noteErr
	}
	c.notes = append(c.notes, content)
	return "n-1", nil
}

func (c *memCRM) TagNote(ctx context.Context, noteID string, tags []string) error {
	if c.tagErr != nil {
		return c.tagErr
	}
	c.tags = append(c.tags, tags)
	return nil
}

type memJournal struct {
	mu       sync.Mutex
	runs     []domain.Run
	events   []string
	finished []domain.RunOutcome
}

func (j *memJournal) StartRun(ctx context.Context, run domain.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, run)
	return nil
}

func (j *memJournal) Record(ctx context.Context, runID, evtType, actorID string, payload map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evtType)
	return nil
}

func (j *memJournal) FinishRun(ctx context.Context, runID string, outcome domain.RunOutcome, finishedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, outcome)
	return nil
}

func settings() engine.Settings {
	return engine.Settings{
		BoardID:        fakeremote.DefaultBoardID,
		StatusColumn:   fakeremote.StatusColumn,
		MacColumn:      fakeremote.MacColumn,
		WinColumn:      fakeremote.WinColumn,
		PersonColumn:   fakeremote.PersonColumn,
		AvailableLabel: fakeremote.LabelAvailable,
		TargetLabel:    fakeremote.LabelDelivered,
		NoteTag:        "LICENCE",
		Assignees:      domain.AssignmentTable{"kdare@dxo.com": 68681569},
	}
}

func newEngine(t *testing.T, b engine.Board, c engine.CRM) engine.Engine {
	t.Helper()
	m, err := catalog.NewMapper(catalog.DefaultRules)
	require.NoError(t, err)
	e := engine.New(b, c, settings(), m, catalog.NewOrdering(catalog.DefaultPriorities, 0))
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	e.NewID = func() string { return "run-1" }
	return e
}

func standardBoard() *memBoard {
	b := newMemBoard(
		domain.Group{ID: "g1", Title: "PL8"},
		domain.Group{ID: "g2", Title: "FP-6"},
		domain.Group{ID: "g3", Title: "Misc"},
	)
	b.items["g1"] = &domain.Item{ID: "a", Name: "PL-AAA", StatusText: "Not used", MacLink: "https://m", WinLink: domain.NotAvailable}
	b.items["g2"] = &domain.Item{ID: "b", Name: "FP-BBB", StatusText: "Not used", MacLink: domain.NotAvailable, WinLink: domain.NotAvailable}
	return b
}

func TestActivateHappyPath(t *testing.T) {
	b := standardBoard()
	c := &memCRM{email: "kdare@dxo.com"}
	j := &memJournal{}
	e := newEngine(t, b, c)
	e.Journal = j

	out, err := e.Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g2", "g1", "g3"}, ActorID: "op"})
	require.NoError(t, err)
	require.True(t, out.Success, out.Message)

	wantNote := "Activation Codes\n\n" +
		"Product Name: PhotoLab 8 || Activation Code: PL-AAA || [MAC Download Link](https://m) || WIN Download Link: N/A" +
		"\n\n-----------\n\n" +
		"Product Name: FilmPack 6 || Activation Code: FP-BBB || MAC Download Link: N/A || WIN Download Link: N/A"
	require.Len(t, c.notes, 1)
	if diff := cmp.Diff(wantNote, c.notes[0]); diff != "" {
		t.Fatalf("note mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, [][]string{{"LICENCE"}}, c.tags)
	assert.True(t, out.NoteTagged)
	assert.Equal(t, "n-1", out.NoteID)
	assert.Equal(t, 2, out.StatusUpdated)
	assert.Equal(t, 2, out.OwnerAssigned)
	assert.Empty(t, out.Warnings)
	assert.Equal(t, engine.PhaseSummarize, out.Phase)
	assert.Equal(t, map[string]string{"a": fakeremote.LabelDelivered, "b": fakeremote.LabelDelivered}, b.status)
	assert.Equal(t, map[string]int64{"a": 68681569, "b": 68681569}, b.assigned)
	assert.Contains(t, out.Message, "Added note n-1 to deal 123 with 2 activation code(s).")
	assert.Contains(t, out.Message, "Assigned owner (kdare@dxo.com) for 2 of 2 item(s).")
	assert.NotContains(t, out.Message, "Issues:")

	require.Len(t, j.runs, 1)
	assert.Equal(t, "op", j.runs[0].ActorID)
	assert.Equal(t, []string{"g2", "g1", "g3"}, j.runs[0].GroupIDs)
	wantEvents := []string{
		"phase.resolve_owner", "phase.resolve_groups", "phase.compose_note", "phase.write_note",
		"phase.tag_note", "phase.update_status", "items.updated", "phase.summarize", "run.finished",
	}
	if diff := cmp.Diff(wantEvents, j.events); diff != "" {
		t.Fatalf("journal events mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, j.finished, 1)
	assert.True(t, j.finished[0].Success)
}

func TestActivateOwnerFailureTouchesNoBoard(t *testing.T) {
	b := standardBoard()
	c := &memCRM{ownerErr: &domain.NotFoundError{Entity: "deal", ID: "123"}}
	out, err := newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1"}})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, engine.PhaseResolveOwner, out.Phase)
	assert.Contains(t, out.Message, "deal 123 not found")
	assert.Equal(t, 0, b.total())
	assert.Empty(t, c.notes)

	c = &memCRM{email: ""}
	out, err = newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1"}})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 0, b.total())
}

func TestActivateZeroItemsFails(t *testing.T) {
	b := standardBoard()
	c := &memCRM{email: "kdare@dxo.com"}
	out, err := newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g3"}})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "No 'Not used' activation codes found in the selected groups for deal 123.", out.Message)
	assert.Empty(t, c.notes)
	assert.Equal(t, 0, b.calls["SetStatus"])
}

func TestActivateZeroItemsReportsGroupErrors(t *testing.T) {
	b := standardBoard()
	b.groupErr["g1"] = errors.New("boom")
	c := &memCRM{email: "kdare@dxo.com"}
	out, err := newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1", "g3"}})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.True(t, strings.HasPrefix(out.Message, "No 'Not used' activation codes found"))
	assert.Contains(t, out.Message, `Group "PL8": boom`)
}

func TestActivatePartialGroupsSucceed(t *testing.T) {
	b := standardBoard()
	b.groupErr["g1"] = errors.New("timeout")
	c := &memCRM{email: "kdare@dxo.com"}
	out, err := newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1", "g2"}})
	require.NoError(t, err)
	require.True(t, out.Success, out.Message)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "b", out.Items[0].ItemID)
	assert.Equal(t, []string{`Group "PL8": timeout`}, out.Warnings)
	assert.Contains(t, out.Message, "Issues:\n- Group \"PL8\": timeout")
}

func TestActivateTagFailureStillSucceeds(t *testing.T) {
	b := standardBoard()
	c := &memCRM{email: "kdare@dxo.com", tagErr: errors.New("status 500")}
	out, err := newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1"}})
	require.NoError(t, err)
	require.True(t, out.Success, out.Message)
	assert.False(t, out.NoteTagged)
	assert.Contains(t, out.Message, "Note was not tagged with 'LICENCE'.")
	assert.Contains(t, out.Message, "Failed to tag note n-1")
	assert.Equal(t, 1, out.StatusUpdated)
}

func TestActivateNoteFailureIsFatal(t *testing.T) {
	b := standardBoard()
	c := &memCRM{email: "kdare@dxo.com", noteErr: errors.New("crm down")}
	out, err := newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1"}})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, engine.PhaseWriteNote, out.Phase)
	assert.Contains(t, out.Message, "crm down")
	assert.Equal(t, 0, b.calls["SetStatus"])
}

func TestActivateStatusFailureSkipsAssignment(t *testing.T) {
	b := standardBoard()
	b.statusErr["a"] = errors.New("label missing")
	c := &memCRM{email: "kdare@dxo.com"}
	out, err := newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1", "g2"}})
	require.NoError(t, err)
	require.True(t, out.Success, out.Message)

	want := []domain.ItemResult{
		{ItemID: "a", Code: "PL-AAA", DisplayName: "PhotoLab 8", StatusError: "label missing"},
		{ItemID: "b", Code: "FP-BBB", DisplayName: "FilmPack 6", StatusUpdated: true, OwnerAssigned: true},
	}
	if diff := cmp.Diff(want, out.Items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, b.calls["AssignOwner"])
	assert.Contains(t, out.Message, "Updated status to 'Sent & put in B2B CRM' for 1 of 2 item(s).")
}

func TestActivateAssignFailureIsWarning(t *testing.T) {
	b := standardBoard()
	b.assignErr["a"] = errors.New("no such user")
	c := &memCRM{email: "kdare@dxo.com"}
	out, err := newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1"}})
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, 0, out.OwnerAssigned)
	assert.Equal(t, "no such user", out.Items[0].AssignError)
	assert.Len(t, out.Warnings, 1)
}

func TestActivateUnmappedOwnerWarnsOnce(t *testing.T) {
	b := standardBoard()
	c := &memCRM{email: "someone@dxo.com"}
	out, err := newEngine(t, b, c).Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1", "g2"}})
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, 0, b.calls["AssignOwner"])
	assert.Equal(t, 2, out.StatusUpdated)
	assert.Len(t, out.Warnings, 1)
	for _, it := range out.Items {
		assert.True(t, it.AssignSkipped)
	}
	assert.Contains(t, out.Message, "Owner assignment skipped: someone@dxo.com has no board user mapping.")
}

func TestActivateRejectsBadInput(t *testing.T) {
	b := standardBoard()
	e := newEngine(t, b, &memCRM{email: "kdare@dxo.com"})

	_, err := e.Activate(context.Background(), domain.SelectionRequest{DealID: "12x", GroupIDs: []string{"g1"}})
	assert.True(t, domain.IsValidation(err), "got %v", err)
	_, err = e.Activate(context.Background(), domain.SelectionRequest{DealID: "12", GroupIDs: []string{" ", ""}})
	assert.True(t, domain.IsValidation(err), "got %v", err)
	assert.Equal(t, 0, b.total())
}

func TestActivateGroupTitles(t *testing.T) {
	b := standardBoard()
	c := &memCRM{email: "kdare@dxo.com"}
	e := newEngine(t, b, c)

	out, err := e.Activate(context.Background(), domain.SelectionRequest{
		DealID:   "123",
		GroupIDs: []string{"g1"},
		Titles:   map[string]string{"g1": "PL7"},
	})
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, 0, b.calls["Groups"])
	assert.Equal(t, "PhotoLab 7", out.Items[0].DisplayName)

	b.groupsErr = errors.New("groups down")
	out, err = e.Activate(context.Background(), domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1"}})
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, "Group ID g1", out.Items[0].DisplayName)
	assert.Contains(t, out.Warnings[0], "groups down")
}

func TestActivateIgnoresCancellation(t *testing.T) {
	b := standardBoard()
	c := &memCRM{email: "kdare@dxo.com"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := newEngine(t, b, c).Activate(ctx, domain.SelectionRequest{DealID: "123", GroupIDs: []string{"g1"}})
	require.NoError(t, err)
	assert.True(t, out.Success, out.Message)
}

func TestPrepare(t *testing.T) {
	b := standardBoard()
	e := newEngine(t, b, &memCRM{email: "kdare@dxo.com"})
	prep, err := e.Prepare(context.Background(), " 123 ")
	require.NoError(t, err)
	assert.Equal(t, "123", prep.DealID)
	assert.Equal(t, "kdare@dxo.com", prep.OwnerEmail)
	want := []engine.GroupOption{
		{ID: "g1", Title: "PL8", DisplayName: "PhotoLab 8", Label: "PL8 (PhotoLab 8)"},
		{ID: "g2", Title: "FP-6", DisplayName: "FilmPack 6", Label: "FP-6 (FilmPack 6)"},
		{ID: "g3", Title: "Misc", DisplayName: "Misc", Label: "Misc"},
	}
	if diff := cmp.Diff(want, prep.Groups); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}

	_, err = newEngine(t, b, &memCRM{ownerErr: &domain.NotFoundError{Entity: "deal", ID: "9"}}).Prepare(context.Background(), "9")
	assert.True(t, domain.IsNotFound(err))
	_, err = e.Prepare(context.Background(), "nine")
	assert.True(t, domain.IsValidation(err))
}

func TestComposeNoteSingleEntry(t *testing.T) {
	got := engine.ComposeNote([]domain.FoundItem{{
		DisplayName: "Nik Collection 7",
		Item:        domain.Item{Name: "NIK-1", MacLink: "https://mac", WinLink: "https://win"},
	}})
	assert.Equal(t, "Activation Codes\n\nProduct Name: Nik Collection 7 || Activation Code: NIK-1 || [MAC Download Link](https://mac) || [WIN Download Link](https://win)", got)
}

func TestActivateAgainstSimulatedServices(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.AddGroup("g1", "PL8",
		&fakeremote.BoardItem{ID: "i1", Name: "OLD", Status: fakeremote.LabelAvailable},
		&fakeremote.BoardItem{ID: "i2", Name: "NEW", Status: fakeremote.LabelAvailable, MacURL: "https://m"},
	)
	fb.AddGroup("g2", "NIK 7", &fakeremote.BoardItem{ID: "i3", Name: "USED", Status: fakeremote.LabelDelivered})
	fc := fakeremote.NewCRM(t)
	fc.AddDeal("555", 9)
	fc.AddUser(9, "KDare@dxo.com")

	tr := &http.Transport{}
	t.Cleanup(tr.CloseIdleConnections)
	hc := &http.Client{Transport: tr, Timeout: 5 * time.Second}
	bc := board.New(board.Config{Endpoint: fb.URL, APIKey: fb.Token, HTTPClient: hc})
	cc := crm.New(crm.Config{Endpoint: fc.URL, Token: fc.Token, HTTPClient: hc})

	out, err := newEngine(t, bc, cc).Activate(context.Background(), domain.SelectionRequest{DealID: "555", GroupIDs: []string{"g1", "g2"}})
	require.NoError(t, err)
	require.True(t, out.Success, out.Message)

	i2, _ := fb.Item("i2")
	assert.Equal(t, fakeremote.LabelDelivered, i2.Status)
	assert.Equal(t, []int64{68681569}, i2.People)
	i1, _ := fb.Item("i1")
	assert.Equal(t, fakeremote.LabelAvailable, i1.Status)

	notes := fc.Notes()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Content, "Activation Code: NEW || [MAC Download Link](https://m)")
	assert.Equal(t, []string{"LICENCE"}, notes[0].Tags)
}
