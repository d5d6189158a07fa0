package app

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"yieldline/internal/config"
	"yieldline/internal/db"
	"yieldline/internal/engine"
	"yieldline/internal/migrate"
	"yieldline/internal/repo"
)

// Workspace is an opened, migrated workspace with its config and engine.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Engine engine.Engine
}

// Open ensures the workspace exists, migrates its database and loads
// yieldline.yml, falling back to defaults when the file is absent.
// configPath overrides the workspace config file when set.
func Open(ctx context.Context, workspace, configPath string, log *zap.SugaredLogger) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrate workspace")
	}
	r := repo.Repo{DB: conn}
	return &Workspace{
		Path:   workspace,
		DB:     conn,
		Repo:   r,
		Config: cfg,
		Engine: engine.New(r, cfg, log),
	}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
