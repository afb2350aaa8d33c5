package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activationdesk/internal/catalog"
	"activationdesk/internal/domain"
)

func TestDefaultCarriesProductionConstants(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(1242580452), cfg.Board.BoardID)
	assert.Equal(t, "2023-10", cfg.Board.APIVersion)
	assert.Equal(t, 100, cfg.Board.PageSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Board.PageDelay)
	assert.Equal(t, 20*time.Second, cfg.Board.Timeout)
	assert.Equal(t, "mac_dowload_link0", cfg.Board.Columns.MacLink)
	assert.Equal(t, "Not used", cfg.Board.Labels.Available)
	assert.Equal(t, "Sent & put in B2B CRM", cfg.Board.Labels.Target)
	assert.Equal(t, "LICENCE", cfg.CRM.NoteTag)
	assert.Equal(t, catalog.DefaultRules, cfg.Catalog.Prefixes)
	assert.Equal(t, catalog.DefaultPriorities, cfg.Catalog.Priorities)
	assert.Len(t, cfg.Assignees, 10)

	id, ok := cfg.Assignees.Lookup("kdare@dxo.com")
	assert.True(t, ok)
	assert.Equal(t, int64(68681569), id)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
board:
  board_id: 42
  page_delay: 0s
catalog:
  prefixes:
    - {prefix: PL, base: PhotoLab}
`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.Board.BoardID)
	assert.Equal(t, time.Duration(0), cfg.Board.PageDelay)
	assert.Equal(t, "status", cfg.Board.Columns.Status)
	assert.Equal(t, []catalog.Rule{{Prefix: "PL", Base: "PhotoLab"}}, cfg.Catalog.Prefixes)
}

func TestFromYAMLTablesReplaceDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
assignees:
  only@example.com: 5
catalog:
  priorities:
    PhotoLab: 3
`))
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentTable{"only@example.com": 5}, cfg.Assignees)
	_, ok := cfg.Assignees.Lookup("asoni@dxo.com")
	assert.False(t, ok)
	assert.Equal(t, map[string]int{"PhotoLab": 3}, cfg.Catalog.Priorities)

	// Untouched tables keep their defaults.
	cfg, err = FromYAML([]byte("board:\n  board_id: 7\n"))
	require.NoError(t, err)
	assert.Len(t, cfg.Assignees, 10)
	assert.Equal(t, catalog.DefaultPriorities, cfg.Catalog.Priorities)

	cfg, err = FromYAML(nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Assignees, 10)
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"shadowed prefix": `
catalog:
  prefixes:
    - {prefix: VP, base: ViewPoint}
    - {prefix: DVP, base: ViewPoint}
`,
		"bad endpoint": `
board:
  endpoint: "not a url"
`,
		"upper-case assignee": `
assignees:
  Someone@dxo.com: 12
`,
		"same labels": `
board:
  labels: {available: Not used, target: Not used}
`,
		"zero timeout": `
crm:
  timeout: 0s
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int64(1242580452), cfg.Board.BoardID)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("crm:\n  note_tag: CODES\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "CODES", cfg.CRM.NoteTag)
}

func TestSecrets(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.RequireSecrets())

	cfg.Secrets.BoardAPIKey = "file-board"
	cfg.ApplySecrets("", ` "env-crm" `)
	assert.Equal(t, "file-board", cfg.Secrets.BoardAPIKey)
	assert.Equal(t, "env-crm", cfg.Secrets.CRMAPIKey)
	require.NoError(t, cfg.RequireSecrets())

	red := cfg.Redacted()
	assert.Equal(t, "***", red.Secrets.BoardAPIKey)
	assert.Equal(t, "file-board", cfg.Secrets.BoardAPIKey)
}
