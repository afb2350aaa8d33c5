package board_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activationdesk/internal/board"
	"activationdesk/internal/domain"
	"activationdesk/internal/fakeremote"
)

func newClient(fb *fakeremote.Board, pageSize int) *board.Client {
	return board.New(board.Config{
		Endpoint: fb.URL,
		APIKey:   fb.Token,
		PageSize: pageSize,
	})
}

func query(groupID string) board.ItemQuery {
	return board.ItemQuery{
		BoardID:        fakeremote.DefaultBoardID,
		GroupID:        groupID,
		StatusColumn:   fakeremote.StatusColumn,
		MacColumn:      fakeremote.MacColumn,
		WinColumn:      fakeremote.WinColumn,
		AvailableLabel: fakeremote.LabelAvailable,
	}
}

func TestGroups(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.AddGroup("g1", "PL8")
	fb.AddGroup("g2", "Misc")
	c := newClient(fb, 0)

	groups, err := c.Groups(context.Background(), fakeremote.DefaultBoardID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Group{{ID: "g1", Title: "PL8"}, {ID: "g2", Title: "Misc"}}, groups)

	_, err = c.Groups(context.Background(), 7)
	assert.True(t, domain.IsNotFound(err), "got %v", err)
}

func TestGroupsEmptyBoard(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	groups, err := newClient(fb, 0).Groups(context.Background(), fakeremote.DefaultBoardID)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestAvailableItemScansNewestFirstAcrossPages(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	var items []*fakeremote.BoardItem
	for i := 1; i <= 7; i++ {
		status := fakeremote.LabelDelivered
		if i == 2 || i == 5 {
			status = fakeremote.LabelAvailable
		}
		items = append(items, &fakeremote.BoardItem{
			ID:     fmt.Sprintf("it%d", i),
			Name:   fmt.Sprintf("CODE-%d", i),
			Status: status,
		})
	}
	items[4].MacText = "https://dl/mac"
	items[4].WinURL = "https://dl/win"
	fb.AddGroup("g1", "PL8", items...)

	it, err := newClient(fb, 3).AvailableItem(context.Background(), query("g1"))
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "it5", it.ID)
	assert.Equal(t, "CODE-5", it.Name)
	assert.Equal(t, "https://dl/mac", it.MacLink)
	assert.Equal(t, "https://dl/win", it.WinLink)
	assert.Equal(t, 3, fb.Calls("GroupItems"))
}

func TestAvailableItemNoneAvailable(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.AddGroup("g1", "PL8", &fakeremote.BoardItem{ID: "a", Name: "X", Status: fakeremote.LabelDelivered})
	fb.AddGroup("g2", "Empty")
	c := newClient(fb, 0)

	it, err := c.AvailableItem(context.Background(), query("g1"))
	require.NoError(t, err)
	assert.Nil(t, it)

	it, err = c.AvailableItem(context.Background(), query("g2"))
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestAvailableItemMissingLinks(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.AddGroup("g1", "PL8", &fakeremote.BoardItem{ID: "a", Name: "X", Status: fakeremote.LabelAvailable})
	it, err := newClient(fb, 0).AvailableItem(context.Background(), query("g1"))
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, domain.NotAvailable, it.MacLink)
	assert.Equal(t, domain.NotAvailable, it.WinLink)
}

func TestAvailableItemErrors(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.AddGroup("g1", "PL8")
	fb.FailGroup("g1", http.StatusInternalServerError)
	c := newClient(fb, 0)

	_, err := c.AvailableItem(context.Background(), query("g1"))
	var re *domain.RemoteError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, re.StatusCode)

	_, err = c.AvailableItem(context.Background(), query("missing"))
	assert.True(t, domain.IsNotFound(err), "got %v", err)
}

func TestStatusRoundTrip(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.AddGroup("g1", "PL8", &fakeremote.BoardItem{ID: "a", Name: "X", Status: fakeremote.LabelAvailable})
	c := newClient(fb, 0)
	ctx := context.Background()

	idx, err := c.StatusIndex(ctx, fakeremote.DefaultBoardID, fakeremote.StatusColumn, fakeremote.LabelDelivered)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	require.NoError(t, c.SetStatus(ctx, fakeremote.DefaultBoardID, "a", fakeremote.StatusColumn, fakeremote.LabelDelivered))
	got, ok := fb.Item("a")
	require.True(t, ok)
	assert.Equal(t, fakeremote.LabelDelivered, got.Status)

	it, err := c.AvailableItem(ctx, query("g1"))
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestStatusIndexUnknownLabel(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	c := newClient(fb, 0)
	_, err := c.StatusIndex(context.Background(), fakeremote.DefaultBoardID, fakeremote.StatusColumn, "Nope")
	assert.True(t, domain.IsNotFound(err), "got %v", err)

	_, err = c.StatusIndex(context.Background(), fakeremote.DefaultBoardID, "other", fakeremote.LabelDelivered)
	assert.True(t, domain.IsNotFound(err), "got %v", err)
}

func TestMutationWithoutIDIsDecodeError(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.AddGroup("g1", "PL8", &fakeremote.BoardItem{ID: "a", Name: "X"})
	fb.OmitMutationID()
	c := newClient(fb, 0)

	err := c.AssignOwner(context.Background(), fakeremote.DefaultBoardID, "a", fakeremote.PersonColumn, 42)
	var de *domain.DecodeError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, "AssignOwner", de.Op)
}

func TestAssignOwner(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.AddGroup("g1", "PL8", &fakeremote.BoardItem{ID: "a", Name: "X"})
	c := newClient(fb, 0)
	require.NoError(t, c.AssignOwner(context.Background(), fakeremote.DefaultBoardID, "a", fakeremote.PersonColumn, 68681569))
	got, _ := fb.Item("a")
	assert.Equal(t, []int64{68681569}, got.People)
}

func TestGraphQLErrorsAreRemoteErrors(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.FailOp("Groups", "Complexity budget exhausted")
	_, err := newClient(fb, 0).Groups(context.Background(), fakeremote.DefaultBoardID)
	var re *domain.RemoteError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Contains(t, re.Error(), "Complexity budget exhausted")
}

func TestUnauthorized(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	c := board.New(board.Config{Endpoint: fb.URL, APIKey: "wrong"})
	_, err := c.Groups(context.Background(), fakeremote.DefaultBoardID)
	var re *domain.RemoteError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, re.StatusCode)
}

func TestTransportError(t *testing.T) {
	c := board.New(board.Config{Endpoint: "http://127.0.0.1:1"})
	_, err := c.Groups(context.Background(), 1)
	var te *domain.TransportError
	assert.True(t, errors.As(err, &te), "got %v", err)
}

func TestUsers(t *testing.T) {
	fb := fakeremote.NewBoard(t)
	fb.SetUsers(
		domain.BoardUser{ID: 45440204, Name: "B", Email: "JCinquin@dxo.com"},
		domain.BoardUser{ID: 41505346, Name: "A", Email: "nbeaumont@dxo.com", IsGuest: true},
	)
	users, err := newClient(fb, 0).Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, int64(41505346), users[0].ID)
	assert.True(t, users[0].IsGuest)
	assert.Equal(t, "jcinquin@dxo.com", users[1].Email)
}
