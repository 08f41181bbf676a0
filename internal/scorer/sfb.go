// Package scorer turns per-pair shared-layer counts into a bounded
// functional bandwidth score per device.
package scorer

import (
	"cmp"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/copresence/internal/model"
)

// Score computes the functional bandwidth score of every device that has at
// least one cross-class neighbor:
//
//	score = sum_j(shared_layer_count_ij / L) / |neighbors_i|
//
// Every term lies in [1/L, 1], so the score does too. Devices without a
// neighbor get no entry at all rather than a zero or NaN. numLayers is L.
func Score(dyads []model.DyadSummary, numLayers int) ([]model.SFBScore, error) {
	if numLayers < 1 {
		return nil, eris.Errorf("scorer: layer count must be >= 1, got %d", numLayers)
	}

	type acc struct {
		numerator float64
		neighbors map[string]struct{}
		contacts  int
	}
	byDevice := make(map[string]*acc)

	for _, d := range dyads {
		if d.SharedLayerCount < 1 || d.SharedLayerCount > numLayers {
			return nil, eris.Errorf("scorer: pair %s->%s shares %d layers, outside [1, %d]",
				d.From, d.To, d.SharedLayerCount, numLayers)
		}
		a, ok := byDevice[d.From]
		if !ok {
			a = &acc{neighbors: make(map[string]struct{})}
			byDevice[d.From] = a
		}
		if _, dup := a.neighbors[d.To]; dup {
			return nil, eris.Errorf("scorer: duplicate dyad %s->%s", d.From, d.To)
		}
		a.neighbors[d.To] = struct{}{}
		a.numerator += float64(d.SharedLayerCount) / float64(numLayers)
		a.contacts += d.SharedLayerCount
	}

	scores := make([]model.SFBScore, 0, len(byDevice))
	for id, a := range byDevice {
		n := len(a.neighbors)
		if n == 0 {
			continue
		}
		scores = append(scores, model.SFBScore{
			DeviceID:          id,
			Score:             a.numerator / float64(n),
			NeighborCount:     n,
			TotalContactCount: a.contacts,
		})
	}
	slices.SortFunc(scores, func(a, b model.SFBScore) int {
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})

	zap.L().Debug("scorer: scores computed",
		zap.Int("dyads", len(dyads)),
		zap.Int("devices", len(scores)),
	)
	return scores, nil
}

// Bounds returns the closed interval [1/L, 1] every defined score lies in.
func Bounds(numLayers int) (lo, hi float64) {
	return 1 / float64(numLayers), 1
}
