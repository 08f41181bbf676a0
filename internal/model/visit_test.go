package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassValid(t *testing.T) {
	assert.True(t, ClassLow.Valid())
	assert.True(t, ClassHigh.Valid())
	assert.False(t, Class("middle").Valid())
	assert.False(t, Class("").Valid())
}

func TestDeviceHasOutcome(t *testing.T) {
	one, two := 1, 2
	assert.True(t, Device{Outcome: &one}.HasOutcome())
	assert.False(t, Device{Outcome: &two}.HasOutcome())
	assert.False(t, Device{}.HasOutcome())
}

func TestEdgePair(t *testing.T) {
	e := CoPresenceEdge{From: "a", To: "b", Layer: "labor"}
	assert.Equal(t, Pair{From: "a", To: "b"}, e.Pair())
}
