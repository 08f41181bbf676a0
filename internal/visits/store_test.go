package visits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/copresence/internal/model"
)

var layers = []model.Layer{"labor", "education", "civic", "consumption"}

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2024-03-01 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func visit(dev, loc string, layer model.Layer, hhmm string, class model.Class) model.Visit {
	return model.Visit{DeviceID: dev, LocationID: loc, Layer: layer, Timestamp: at(hhmm), Class: class}
}

func TestNew_IndexesByLayerAndLocation(t *testing.T) {
	s := New(layers, []model.Visit{
		visit("b", "w1", "labor", "09:30", model.ClassHigh),
		visit("a", "w1", "labor", "09:00", model.ClassLow),
		visit("c", "w1", "labor", "08:00", model.ClassLow),
		visit("a", "m1", "consumption", "12:00", model.ClassLow),
		visit("z", "x1", "religious", "12:00", model.ClassLow),
	})

	assert.Equal(t, 4, s.Len())
	assert.Equal(t, 4, s.NumLayers())
	assert.Equal(t, 3, s.LayerLen("labor"))
	assert.Equal(t, 0, s.LayerLen("civic"))
	assert.Equal(t, []string{"w1"}, s.Locations("labor"))
	assert.Empty(t, s.Locations("civic"))

	p, ok := s.Partition("labor", "w1")
	require.True(t, ok)
	require.Len(t, p.Low, 2)
	assert.Equal(t, "c", p.Low[0].DeviceID, "low visits sorted by time")
	assert.Equal(t, "a", p.Low[1].DeviceID)
	assert.True(t, p.Mixed())

	mall, ok := s.Partition("consumption", "m1")
	require.True(t, ok)
	assert.False(t, mall.Mixed())

	_, ok = s.Partition("labor", "nowhere")
	assert.False(t, ok)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New(layers, []model.Visit{
		visit("a", "w1", "labor", "09:00", model.ClassLow),
		visit("b", "w1", "labor", "09:10", model.ClassHigh),
	})

	parts := s.Partitions("labor")
	require.Len(t, parts, 1)
	parts[0].Low[0].DeviceID = "mutated"

	again, _ := s.Partition("labor", "w1")
	assert.Equal(t, "a", again.Low[0].DeviceID)

	ls := s.Layers()
	ls[0] = "mutated"
	assert.Equal(t, model.Layer("labor"), s.Layers()[0])
}

func TestStore_DeviceLookups(t *testing.T) {
	s := New(layers, []model.Visit{
		visit("a", "w1", "labor", "09:00", model.ClassLow),
		visit("a", "s1", "education", "10:00", model.ClassLow),
		visit("b", "w1", "labor", "09:10", model.ClassHigh),
	})

	c, ok := s.Class("a")
	require.True(t, ok)
	assert.Equal(t, model.ClassLow, c)
	assert.Equal(t, 2, s.VisitCount("a"))
	assert.Equal(t, 0, s.VisitCount("nobody"))
	assert.Equal(t, []string{"a"}, s.Devices(model.ClassLow))
	assert.Equal(t, []string{"b"}, s.Devices(model.ClassHigh))
}

func TestPartitions_LocationOrder(t *testing.T) {
	s := New(layers, []model.Visit{
		visit("a", "w2", "labor", "09:00", model.ClassLow),
		visit("a", "w1", "labor", "10:00", model.ClassLow),
		visit("a", "w3", "labor", "11:00", model.ClassLow),
	})

	var ids []string
	for _, p := range s.Partitions("labor") {
		ids = append(ids, p.LocationID)
	}
	assert.Equal(t, []string{"w1", "w2", "w3"}, ids)
}
