package simulate

import (
	"fmt"
	"math/rand/v2"

	"github.com/rotisserie/eris"

	"github.com/sells-group/copresence/internal/model"
)

// TableConfig configures a synthetic score table.
type TableConfig struct {
	Seed         uint64       `json:"seed" yaml:"seed"`
	Rows         int          `json:"rows" yaml:"rows"`
	NumLayers    int          `json:"num_layers" yaml:"num_layers"`
	MaxNeighbors int          `json:"max_neighbors" yaml:"max_neighbors"`
	Outcome      OutcomeModel `json:"outcome" yaml:"outcome"`
}

// DefaultTableConfig returns a 2500 row table over four layers.
func DefaultTableConfig() TableConfig {
	return TableConfig{Seed: 1, Rows: 2500, NumLayers: 4, MaxNeighbors: 25, Outcome: DefaultOutcomeModel()}
}

// ScoreTable draws score rows directly, without visits. Each device gets n
// neighbors and a total contact count T in [n, L*n], so score = T/(L*n) and
// the counts stay consistent with the scoring formula.
func ScoreTable(cfg TableConfig) ([]model.ScoreRow, error) {
	if cfg.Rows < 1 || cfg.NumLayers < 1 || cfg.MaxNeighbors < 1 {
		return nil, eris.Errorf("simulate: table needs rows, layers and neighbors >= 1 (got %d, %d, %d)",
			cfg.Rows, cfg.NumLayers, cfg.MaxNeighbors)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, tableStream))
	L := cfg.NumLayers

	rows := make([]model.ScoreRow, cfg.Rows)
	for i := range rows {
		n := 1 + rng.IntN(cfg.MaxNeighbors)
		contacts := n + rng.IntN((L-1)*n+1)
		score := float64(contacts) / float64(L*n)
		outcome := cfg.Outcome.Draw(rng, score, float64(contacts))
		rows[i] = model.ScoreRow{
			SFBScore: model.SFBScore{
				DeviceID:          fmt.Sprintf("sim-%05d", i),
				Score:             score,
				NeighborCount:     n,
				TotalContactCount: contacts,
			},
			VisitVolume: float64(contacts),
			Outcome:     &outcome,
		}
	}
	return rows, nil
}

// PCG stream selectors keep the table and population generators independent
// for the same seed.
const (
	tableStream      = 0x7ab1e
	populationStream = 0x909
)
