// Package visits holds the immutable, indexed visit collection every
// co-presence layer builder reads from.
package visits

import (
	"cmp"
	"slices"

	"go.uber.org/zap"

	"github.com/sells-group/copresence/internal/model"
)

// Partition is the visits of one layer at one location, split by class and
// sorted by timestamp (ties broken by device id).
type Partition struct {
	LocationID string
	Low        []model.Visit
	High       []model.Visit
}

// Mixed reports whether both classes are present.
func (p Partition) Mixed() bool {
	return len(p.Low) > 0 && len(p.High) > 0
}

// Store is an immutable visit collection indexed by layer and location.
// All accessors return copies, so a Store is safe for concurrent readers.
type Store struct {
	layers    []model.Layer
	parts     map[model.Layer]map[string]*Partition
	locations map[model.Layer][]string
	classOf   map[string]model.Class
	volume    map[string]int
	size      int
}

// New indexes visits for the given layer set. Visits on layers outside the
// set, or without a valid class, are ignored.
func New(layers []model.Layer, visits []model.Visit) *Store {
	s := &Store{
		layers:    slices.Clone(layers),
		parts:     make(map[model.Layer]map[string]*Partition, len(layers)),
		locations: make(map[model.Layer][]string, len(layers)),
		classOf:   make(map[string]model.Class),
		volume:    make(map[string]int),
	}
	for _, l := range layers {
		s.parts[l] = make(map[string]*Partition)
	}

	ignored := 0
	for _, v := range visits {
		byLoc, ok := s.parts[v.Layer]
		if !ok || !v.Class.Valid() {
			ignored++
			continue
		}
		p, ok := byLoc[v.LocationID]
		if !ok {
			p = &Partition{LocationID: v.LocationID}
			byLoc[v.LocationID] = p
		}
		if v.Class == model.ClassLow {
			p.Low = append(p.Low, v)
		} else {
			p.High = append(p.High, v)
		}
		if _, seen := s.classOf[v.DeviceID]; !seen {
			s.classOf[v.DeviceID] = v.Class
		}
		s.volume[v.DeviceID]++
		s.size++
	}

	for layer, byLoc := range s.parts {
		locs := make([]string, 0, len(byLoc))
		for id, p := range byLoc {
			sortVisits(p.Low)
			sortVisits(p.High)
			locs = append(locs, id)
		}
		slices.Sort(locs)
		s.locations[layer] = locs
	}

	if ignored > 0 {
		zap.L().Warn("visits: ignored visits outside the layer set", zap.Int("ignored", ignored))
	}
	return s
}

func sortVisits(vs []model.Visit) {
	slices.SortFunc(vs, func(a, b model.Visit) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
}

// Layers returns the layer set in configured order.
func (s *Store) Layers() []model.Layer {
	return slices.Clone(s.layers)
}

// NumLayers returns L, the size of the layer set.
func (s *Store) NumLayers() int {
	return len(s.layers)
}

// Len returns the number of indexed visits.
func (s *Store) Len() int {
	return s.size
}

// LayerLen returns the number of visits indexed on a layer.
func (s *Store) LayerLen(layer model.Layer) int {
	n := 0
	for _, p := range s.parts[layer] {
		n += len(p.Low) + len(p.High)
	}
	return n
}

// Locations returns the sorted location ids that have visits on a layer.
func (s *Store) Locations(layer model.Layer) []string {
	return slices.Clone(s.locations[layer])
}

// Partition returns a copy of one location's visits on a layer.
func (s *Store) Partition(layer model.Layer, locationID string) (Partition, bool) {
	p, ok := s.parts[layer][locationID]
	if !ok {
		return Partition{}, false
	}
	return Partition{
		LocationID: p.LocationID,
		Low:        slices.Clone(p.Low),
		High:       slices.Clone(p.High),
	}, true
}

// Partitions returns copies of every location's visits on a layer, in
// location id order.
func (s *Store) Partitions(layer model.Layer) []Partition {
	locs := s.locations[layer]
	out := make([]Partition, 0, len(locs))
	for _, id := range locs {
		p, _ := s.Partition(layer, id)
		out = append(out, p)
	}
	return out
}

// Class returns the class a device was observed with.
func (s *Store) Class(deviceID string) (model.Class, bool) {
	c, ok := s.classOf[deviceID]
	return c, ok
}

// VisitCount returns the number of indexed visits for a device.
func (s *Store) VisitCount(deviceID string) int {
	return s.volume[deviceID]
}

// Devices returns the sorted ids of devices observed with a class.
func (s *Store) Devices(class model.Class) []string {
	var ids []string
	for id, c := range s.classOf {
		if c == class {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
