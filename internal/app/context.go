package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"activationdesk/internal/board"
	"activationdesk/internal/catalog"
	"activationdesk/internal/config"
	"activationdesk/internal/crm"
	"activationdesk/internal/db"
	"activationdesk/internal/engine"
	"activationdesk/internal/logging"
	"activationdesk/internal/migrate"
	"activationdesk/internal/repo"
)

// App bundles the wired components for one workspace.
type App struct {
	Config  *config.Config
	Board   *board.Client
	CRM     *crm.Client
	Engine  engine.Engine
	Journal *repo.Repo
	DB      *sql.DB
	Log     *zap.Logger
}

// Build wires clients, engine and journal from cfg. Secrets must already be
// applied to cfg.
func Build(ctx context.Context, workspace string, cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	if err := cfg.RequireSecrets(); err != nil {
		return nil, err
	}
	mapper, err := catalog.NewMapper(cfg.Catalog.Prefixes)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	bc := board.New(board.Config{
		Endpoint:   cfg.Board.Endpoint,
		APIKey:     cfg.Secrets.BoardAPIKey,
		APIVersion: cfg.Board.APIVersion,
		PageSize:   cfg.Board.PageSize,
		PageDelay:  cfg.Board.PageDelay,
		Timeout:    cfg.Board.Timeout,
		Logger:     logger,
	})
	cc := crm.New(crm.Config{
		Endpoint: cfg.CRM.Endpoint,
		Token:    cfg.Secrets.CRMAPIKey,
		Timeout:  cfg.CRM.Timeout,
		Logger:   logger,
	})
	eng := engine.New(bc, cc, SettingsFrom(cfg), mapper, catalog.NewOrdering(cfg.Catalog.Priorities, cfg.Catalog.DefaultPriority))
	eng.Log = logger.Named("engine")

	a := &App{Config: cfg, Board: bc, CRM: cc, Engine: eng, Log: logger}
	if cfg.Journal.Enabled {
		conn, err := OpenJournal(ctx, workspace)
		if err != nil {
			return nil, err
		}
		j := repo.New(conn)
		a.DB = conn
		a.Journal = &j
		a.Engine.Journal = j
	}
	return a, nil
}

// OpenJournal opens and migrates the workspace journal.
func OpenJournal(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return conn, nil
}

// SettingsFrom maps config onto engine settings.
func SettingsFrom(cfg *config.Config) engine.Settings {
	return engine.Settings{
		BoardID:        cfg.Board.BoardID,
		StatusColumn:   cfg.Board.Columns.Status,
		MacColumn:      cfg.Board.Columns.MacLink,
		WinColumn:      cfg.Board.Columns.WinLink,
		PersonColumn:   cfg.Board.Columns.Person,
		AvailableLabel: cfg.Board.Labels.Available,
		TargetLabel:    cfg.Board.Labels.Target,
		NoteTag:        cfg.CRM.NoteTag,
		Assignees:      cfg.Assignees,
	}
}

// Close releases the journal.
func (a *App) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
