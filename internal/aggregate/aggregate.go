// Package aggregate merges per-layer co-presence edge sets into per-pair
// shared-layer counts.
package aggregate

import (
	"cmp"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/copresence/internal/model"
)

// Dyads unions the per-layer edge sets and counts, for every ordered pair,
// the distinct layers it appears in. Presence in a layer is binary: repeated
// edges for a pair on the same layer count once. numLayers is L; an edge set
// spanning more than L distinct layers is rejected.
func Dyads(layerEdges [][]model.CoPresenceEdge, numLayers int) ([]model.DyadSummary, error) {
	if numLayers < 1 {
		return nil, eris.Errorf("aggregate: layer count must be >= 1, got %d", numLayers)
	}

	layersSeen := make(map[model.Layer]struct{})
	shared := make(map[model.Pair]map[model.Layer]struct{})
	for _, edges := range layerEdges {
		for _, e := range edges {
			if e.From == e.To {
				return nil, eris.Errorf("aggregate: self pair %s on layer %s", e.From, e.Layer)
			}
			layersSeen[e.Layer] = struct{}{}
			set, ok := shared[e.Pair()]
			if !ok {
				set = make(map[model.Layer]struct{}, 1)
				shared[e.Pair()] = set
			}
			set[e.Layer] = struct{}{}
		}
	}
	if len(layersSeen) > numLayers {
		return nil, eris.Errorf("aggregate: edges span %d layers, more than L=%d", len(layersSeen), numLayers)
	}

	out := make([]model.DyadSummary, 0, len(shared))
	for p, set := range shared {
		out = append(out, model.DyadSummary{From: p.From, To: p.To, SharedLayerCount: len(set)})
	}
	slices.SortFunc(out, func(a, b model.DyadSummary) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.To, b.To)
	})
	return out, nil
}

// LayerHistogram counts dyads by shared-layer count; index k holds the
// number of pairs sharing exactly k layers.
func LayerHistogram(dyads []model.DyadSummary, numLayers int) []int {
	hist := make([]int, numLayers+1)
	for _, d := range dyads {
		if d.SharedLayerCount >= 0 && d.SharedLayerCount <= numLayers {
			hist[d.SharedLayerCount]++
		}
	}
	return hist
}
