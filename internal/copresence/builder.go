// Package copresence builds per-layer directed co-presence edges from the
// visit store using a sort-and-sweep join per location.
package copresence

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/copresence/internal/config"
	"github.com/sells-group/copresence/internal/metrics"
	"github.com/sells-group/copresence/internal/model"
	"github.com/sells-group/copresence/internal/visits"
)

// LayerResult is the edge set of one layer plus location counts.
type LayerResult struct {
	Layer          model.Layer
	Edges          []model.CoPresenceEdge
	Locations      int
	MixedLocations int
}

// Builder constructs co-presence edge sets. It holds no mutable state, so a
// single Builder may serve concurrent layer builds.
type Builder struct {
	window  time.Duration
	workers int
}

// NewBuilder returns a Builder for a proximity window. workers bounds the
// per-location parallelism inside one layer; values below 1 mean 1.
func NewBuilder(window time.Duration, workers int) (*Builder, error) {
	if window <= 0 {
		return nil, eris.Wrapf(config.ErrInvalidConfiguration, "copresence: window must be > 0, got %s", window)
	}
	if workers < 1 {
		workers = 1
	}
	return &Builder{window: window, workers: workers}, nil
}

// Window returns the proximity window.
func (b *Builder) Window() time.Duration {
	return b.window
}

// Sweep emits every (low, high) device pair at one location whose visit
// timestamps differ by at most window. Both sides of p must be sorted by
// timestamp. The two high-side pointers only move forward, so the cost is
// linear in the partition size plus the number of qualifying visit pairs.
func Sweep(p visits.Partition, window time.Duration, emit func(low, high string)) {
	high := p.High
	lo, hi := 0, 0
	for _, l := range p.Low {
		start := l.Timestamp.Add(-window)
		end := l.Timestamp.Add(window)
		for lo < len(high) && high[lo].Timestamp.Before(start) {
			lo++
		}
		if hi < lo {
			hi = lo
		}
		for hi < len(high) && !high[hi].Timestamp.After(end) {
			hi++
		}
		for _, h := range high[lo:hi] {
			emit(l.DeviceID, h.DeviceID)
		}
	}
}

// BuildLayer returns the deduplicated, sorted edge set of one layer. A layer
// without visits yields an empty result, not an error.
func (b *Builder) BuildLayer(ctx context.Context, store *visits.Store, layer model.Layer) (*LayerResult, error) {
	parts := store.Partitions(layer)
	res := &LayerResult{Layer: layer, Locations: len(parts)}

	mixed := parts[:0:0]
	for _, p := range parts {
		if p.Mixed() {
			mixed = append(mixed, p)
		}
	}
	res.MixedLocations = len(mixed)
	if len(mixed) == 0 {
		zap.L().Debug("copresence: layer has no mixed-class location", zap.String("layer", string(layer)))
		res.Edges = []model.CoPresenceEdge{}
		return res, nil
	}

	chunks := chunk(mixed, b.workers)
	sets := make([]map[model.Pair]struct{}, len(chunks))

	g, gCtx := errgroup.WithContext(ctx)
	for i, batch := range chunks {
		g.Go(func() error {
			set := make(map[model.Pair]struct{})
			for _, p := range batch {
				if err := gCtx.Err(); err != nil {
					return eris.Wrapf(err, "copresence: build layer %s", layer)
				}
				Sweep(p, b.window, func(low, high string) {
					set[model.Pair{From: low, To: high}] = struct{}{}
				})
			}
			sets[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Edges = mergeEdges(layer, sets)
	return res, nil
}

// BuildAll builds every layer of the store, at most concurrency at a time,
// and returns results in layer order.
func (b *Builder) BuildAll(ctx context.Context, store *visits.Store, concurrency int) ([]*LayerResult, error) {
	layers := store.Layers()
	results := make([]*LayerResult, len(layers))

	g, gCtx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, layer := range layers {
		g.Go(func() error {
			start := time.Now()
			res, err := b.BuildLayer(gCtx, store, layer)
			if err != nil {
				return err
			}
			results[i] = res

			metrics.EdgesBuilt.WithLabelValues(string(layer)).Add(float64(len(res.Edges)))
			zap.L().Info("copresence: layer built",
				zap.String("layer", string(layer)),
				zap.Int("visits", store.LayerLen(layer)),
				zap.Int("locations", res.Locations),
				zap.Int("mixed_locations", res.MixedLocations),
				zap.Int("edges", len(res.Edges)),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func chunk(parts []visits.Partition, n int) [][]visits.Partition {
	if n > len(parts) {
		n = len(parts)
	}
	out := make([][]visits.Partition, 0, n)
	size := (len(parts) + n - 1) / n
	for start := 0; start < len(parts); start += size {
		end := min(start+size, len(parts))
		out = append(out, parts[start:end])
	}
	return out
}

func mergeEdges(layer model.Layer, sets []map[model.Pair]struct{}) []model.CoPresenceEdge {
	all := make(map[model.Pair]struct{})
	for _, set := range sets {
		for p := range set {
			all[p] = struct{}{}
		}
	}
	edges := make([]model.CoPresenceEdge, 0, len(all))
	for p := range all {
		edges = append(edges, model.CoPresenceEdge{From: p.From, To: p.To, Layer: layer})
	}
	SortEdges(edges)
	return edges
}

// SortEdges orders edges by (from, to, layer).
func SortEdges(edges []model.CoPresenceEdge) {
	slices.SortFunc(edges, func(a, b model.CoPresenceEdge) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		if c := cmp.Compare(a.To, b.To); c != 0 {
			return c
		}
		return cmp.Compare(a.Layer, b.Layer)
	})
}
