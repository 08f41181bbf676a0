package simulate

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/copresence/internal/config"
	"github.com/sells-group/copresence/internal/model"
)

// Stratum groups low-class devices by how many layers they share with each
// of their high-class neighbors.
type Stratum string

const (
	StratumConstrained Stratum = "constrained"
	StratumPartial     Stratum = "partial"
	StratumDiverse     Stratum = "diverse"
)

// Strata lists the strata in order of increasing layer diversity.
var Strata = []Stratum{StratumConstrained, StratumPartial, StratumDiverse}

// PopulationConfig configures a synthetic visit population.
type PopulationConfig struct {
	Seed   uint64
	Layers []model.Layer
	Window time.Duration
	Start  time.Time
	// PerStratum is the number of low-class devices in each stratum.
	PerStratum   int
	MinNeighbors int
	MaxNeighbors int
	// Background is the number of solo visits added per device at locations
	// nobody else visits.
	Background int
	// Outcome, when set, draws each low-class device's outcome from its
	// true score and contact count.
	Outcome *OutcomeModel
}

// DefaultPopulationConfig returns a population over the default layers.
func DefaultPopulationConfig() PopulationConfig {
	layers := make([]model.Layer, len(config.DefaultLayers))
	for i, l := range config.DefaultLayers {
		layers[i] = model.Layer(l)
	}
	outcome := DefaultOutcomeModel()
	return PopulationConfig{
		Seed:         1,
		Layers:       layers,
		Window:       30 * time.Minute,
		Start:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		PerStratum:   200,
		MinNeighbors: 1,
		MaxNeighbors: 5,
		Background:   2,
		Outcome:      &outcome,
	}
}

// Population is a generated set of visits with its ground truth.
type Population struct {
	Visits  []model.Visit
	Devices []model.Device
	// Strata maps each low-class device to its stratum.
	Strata map[string]Stratum
	// TrueScores is the score each low-class device must receive.
	TrueScores map[string]float64
	// Contacts is each low-class device's total contact count.
	Contacts map[string]int
}

// StratumMeans returns the mean true score per stratum.
func (p *Population) StratumMeans() map[Stratum]float64 {
	sums := make(map[Stratum]float64)
	counts := make(map[Stratum]int)
	for id, s := range p.Strata {
		sums[s] += p.TrueScores[id]
		counts[s]++
	}
	means := make(map[Stratum]float64, len(sums))
	for s, sum := range sums {
		means[s] = sum / float64(counts[s])
	}
	return means
}

// NewPopulation generates a stratified population. Every low/high pair meets
// at its own location on each shared layer, within half the window, so no
// co-presence arises other than the planned one.
func NewPopulation(cfg PopulationConfig) (*Population, error) {
	L := len(cfg.Layers)
	switch {
	case L < 3:
		return nil, eris.Wrapf(config.ErrInvalidConfiguration, "simulate: %d layers, the diverse stratum needs at least 3", L)
	case cfg.Window <= 0:
		return nil, eris.Wrapf(config.ErrInvalidConfiguration, "simulate: window must be > 0, got %s", cfg.Window)
	case cfg.PerStratum < 1:
		return nil, eris.Wrapf(config.ErrInvalidConfiguration, "simulate: per-stratum count must be >= 1, got %d", cfg.PerStratum)
	case cfg.MinNeighbors < 1 || cfg.MaxNeighbors < cfg.MinNeighbors:
		return nil, eris.Wrapf(config.ErrInvalidConfiguration, "simulate: neighbor range [%d, %d] is invalid", cfg.MinNeighbors, cfg.MaxNeighbors)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, populationStream))
	g := &generator{cfg: cfg, rng: rng}
	pop := &Population{
		Strata:     make(map[string]Stratum),
		TrueScores: make(map[string]float64),
		Contacts:   make(map[string]int),
	}

	for _, stratum := range Strata {
		for i := 0; i < cfg.PerStratum; i++ {
			low := fmt.Sprintf("%s-%04d", stratum, i)
			shared := g.sharedLayers(stratum)
			neighbors := cfg.MinNeighbors + rng.IntN(cfg.MaxNeighbors-cfg.MinNeighbors+1)

			for j := 0; j < neighbors; j++ {
				high := fmt.Sprintf("%s-h%02d", low, j)
				for _, layer := range g.pickLayers(shared) {
					pop.Visits = append(pop.Visits, g.meeting(low, high, layer)...)
				}
				pop.Visits = append(pop.Visits, g.background(high, model.ClassHigh)...)
				pop.Devices = append(pop.Devices, model.Device{ID: high, Class: model.ClassHigh})
			}
			pop.Visits = append(pop.Visits, g.background(low, model.ClassLow)...)

			score := float64(shared) / float64(L)
			contacts := shared * neighbors
			dev := model.Device{ID: low, Class: model.ClassLow}
			if cfg.Outcome != nil {
				o := cfg.Outcome.Draw(rng, score, float64(contacts))
				dev.Outcome = &o
			}
			pop.Devices = append(pop.Devices, dev)
			pop.Strata[low] = stratum
			pop.TrueScores[low] = score
			pop.Contacts[low] = contacts
		}
	}

	zap.L().Info("simulate: population generated",
		zap.Int("devices", len(pop.Devices)),
		zap.Int("visits", len(pop.Visits)),
		zap.Int("layers", L),
		zap.Uint64("seed", cfg.Seed),
	)
	return pop, nil
}

type generator struct {
	cfg PopulationConfig
	rng *rand.Rand
	seq int
}

// sharedLayers returns the number of layers a device in stratum shares with
// each of its neighbors.
func (g *generator) sharedLayers(s Stratum) int {
	switch s {
	case StratumConstrained:
		return 1
	case StratumPartial:
		return 2
	default:
		L := len(g.cfg.Layers)
		return 3 + g.rng.IntN(L-2)
	}
}

func (g *generator) pickLayers(k int) []model.Layer {
	perm := g.rng.Perm(len(g.cfg.Layers))[:k]
	slices.Sort(perm)
	out := make([]model.Layer, k)
	for i, p := range perm {
		out[i] = g.cfg.Layers[p]
	}
	return out
}

// instant returns a random time within the first 30 days.
func (g *generator) instant() time.Time {
	return g.cfg.Start.Add(time.Duration(g.rng.Int64N(int64(30 * 24 * time.Hour))))
}

func (g *generator) meeting(low, high string, layer model.Layer) []model.Visit {
	loc := fmt.Sprintf("%s/%s/%s", layer, low, high)
	t := g.instant()
	half := int64(g.cfg.Window / 2)
	offset := time.Duration(g.rng.Int64N(2*half+1) - half)
	return []model.Visit{
		{DeviceID: low, LocationID: loc, Layer: layer, Timestamp: t, Class: model.ClassLow},
		{DeviceID: high, LocationID: loc, Layer: layer, Timestamp: t.Add(offset), Class: model.ClassHigh},
	}
}

func (g *generator) background(device string, class model.Class) []model.Visit {
	visits := make([]model.Visit, g.cfg.Background)
	for i := range visits {
		g.seq++
		layer := g.cfg.Layers[g.rng.IntN(len(g.cfg.Layers))]
		visits[i] = model.Visit{
			DeviceID:   device,
			LocationID: fmt.Sprintf("%s/solo-%06d", layer, g.seq),
			Layer:      layer,
			Timestamp:  g.instant(),
			Class:      class,
		}
	}
	return visits
}
