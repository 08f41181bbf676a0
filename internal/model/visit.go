// Package model defines the records passed between pipeline stages.
package model

import "time"

// Layer is an institutional category of physical location.
type Layer string

// Class is the socioeconomic stratum of a device.
type Class string

const (
	ClassLow  Class = "low"
	ClassHigh Class = "high"
)

// Valid reports whether c is one of the two known classes.
func (c Class) Valid() bool {
	return c == ClassLow || c == ClassHigh
}

// Visit is a single stay of a device at a categorized location.
type Visit struct {
	DeviceID   string    `json:"device_id"`
	LocationID string    `json:"location_id"`
	Layer      Layer     `json:"layer"`
	Timestamp  time.Time `json:"timestamp"`
	Class      Class     `json:"class_label"`
}

// Device carries the per-device attributes joined onto the score table.
type Device struct {
	ID          string   `json:"device_id"`
	Class       Class    `json:"class_label"`
	Outcome     *int     `json:"outcome,omitempty"`      // binary mobility outcome
	Quintile    *int     `json:"quintile,omitempty"`     // SES quintile 1..5
	VisitVolume *float64 `json:"visit_volume,omitempty"` // observed visit count
}

// HasOutcome reports whether the device carries a usable binary outcome.
func (d Device) HasOutcome() bool {
	return d.Outcome != nil && (*d.Outcome == 0 || *d.Outcome == 1)
}
