// Package store persists pipeline runs and their score tables.
package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/copresence/internal/config"
	"github.com/sells-group/copresence/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for pipeline runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, params model.RunParams) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error
	FailRun(ctx context.Context, runID string, summary *model.RunSummary, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Outputs
	SaveScores(ctx context.Context, runID string, rows []model.ScoreRow) error
	ListScores(ctx context.Context, runID string) ([]model.ScoreRow, error)
	SaveDyads(ctx context.Context, runID string, dyads []model.DyadSummary) error
	CountDyads(ctx context.Context, runID string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store selected by cfg.Driver and applies its migration.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "copresence.db"
		}
		s, err = NewSQLite(dsn)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

const (
	scoresTable = "run_scores"
	dyadsTable  = "run_dyads"
)

var scoreColumns = []string{
	"run_id", "device_id", "score", "neighbor_count", "total_contact_count",
	"visit_volume", "quintile", "outcome",
}

var dyadColumns = []string{"run_id", "device_i", "device_j", "shared_layer_count"}

func scoreValues(runID string, r model.ScoreRow) []any {
	return []any{
		runID, r.DeviceID, r.Score, r.NeighborCount, r.TotalContactCount,
		r.VisitVolume, optionalInt(r.Quintile), optionalInt(r.Outcome),
	}
}

func optionalInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
