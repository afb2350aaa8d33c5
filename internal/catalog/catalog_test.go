package catalog

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activationdesk/internal/domain"
)

func TestDisplayName(t *testing.T) {
	m, err := NewMapper(DefaultRules)
	require.NoError(t, err)

	tests := []struct {
		title string
		want  string
	}{
		{"DFP-6", "FilmPack 6"},
		{"DFP 7 licences", "FilmPack 7"},
		{"FP7", "FilmPack 7"},
		{"DVP4", "ViewPoint 4"},
		{"VP4", "ViewPoint 4"},
		{"NIK 7", "Nik Collection 7"},
		{"nik-6 promo", "Nik Collection 6"},
		{"PL8 Elite", "PhotoLab 8"},
		{"PR4", "PureRaw 4"},
		{"PROMO 2", "PROMO 2"},
		{"Bundle PL7 + FP6", "PhotoLab 7"},
		{"RandomGroup", "RandomGroup"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, m.DisplayName(tt.title))
		})
	}
}

func TestDisplayNameRuleOrderMatters(t *testing.T) {
	// PR is listed before FP, so a title naming both maps to PureRaw.
	m, err := NewMapper(DefaultRules)
	require.NoError(t, err)
	assert.Equal(t, "PureRaw 3", m.DisplayName("FP6 with PR3"))

	swapped, err := NewMapper([]Rule{
		{Prefix: "FP", Base: "FilmPack"},
		{Prefix: "PR", Base: "PureRaw"},
	})
	require.NoError(t, err)
	assert.Equal(t, "FilmPack 6", swapped.DisplayName("FP6 with PR3"))
}

func TestCheckOrderRejectsShadowedPrefix(t *testing.T) {
	err := CheckOrder([]Rule{
		{Prefix: "FP", Base: "FilmPack"},
		{Prefix: "DFP", Base: "FilmPack"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DFP must be listed before FP")

	require.Error(t, CheckOrder([]Rule{{Prefix: "", Base: "x"}}))
	require.Error(t, CheckOrder([]Rule{{Prefix: "PL", Base: ""}}))
	require.Error(t, CheckOrder([]Rule{{Prefix: "PL", Base: "a"}, {Prefix: "pl", Base: "b"}}))
	require.NoError(t, CheckOrder(DefaultRules))
}

func TestLabel(t *testing.T) {
	m, err := NewMapper(DefaultRules)
	require.NoError(t, err)
	assert.Equal(t, "PL8 (PhotoLab 8)", m.Label("PL8"))
	assert.Equal(t, "Misc", m.Label("Misc"))
}

func TestPriority(t *testing.T) {
	o := NewOrdering(DefaultPriorities, 0)
	tests := map[string]int{
		"PhotoLab 8":       1,
		"Nik Collection 7": 2,
		"Nik Something 7":  2,
		"PureRaw 4":        3,
		"FilmPack 6":       4,
		"ViewPoint 4":      5,
		"RandomGroup":      DefaultPriority,
		"":                 DefaultPriority,
	}
	for name, want := range tests {
		assert.Equal(t, want, o.Priority(name), name)
	}
	assert.Equal(t, "Nik Collection", BaseName("Nik Collection 7 extra"))
}

func TestSortFoundIsStable(t *testing.T) {
	o := NewOrdering(DefaultPriorities, 0)
	items := []domain.FoundItem{
		{GroupID: "g1", DisplayName: "ViewPoint 4"},
		{GroupID: "g2", DisplayName: "Unknown A"},
		{GroupID: "g3", DisplayName: "PhotoLab 8"},
		{GroupID: "g4", DisplayName: "FilmPack 6"},
		{GroupID: "g5", DisplayName: "Unknown B"},
		{GroupID: "g6", DisplayName: "FilmPack 7"},
		{GroupID: "g7", DisplayName: "PhotoLab 7"},
	}
	o.SortFound(items)

	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, it.GroupID)
	}
	want := []string{"g3", "g7", "g4", "g6", "g1", "g2", "g5"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sort order mismatch (-want +got):\n%s", diff)
	}
}
