package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the current state of a scoring run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunParams records the inputs a run was started with.
type RunParams struct {
	VisitsPath    string   `json:"visits_path"`
	DevicesPath   string   `json:"devices_path,omitempty"`
	WindowMinutes float64  `json:"window_minutes"`
	Layers        []string `json:"layers"`
}

// Run represents a single pipeline run.
type Run struct {
	ID        string      `json:"id"`
	Params    RunParams   `json:"params"`
	Status    RunStatus   `json:"status"`
	Summary   *RunSummary `json:"summary,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PhaseStatus represents the outcome of a pipeline stage.
type PhaseStatus string

const (
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// PhaseResult holds the outcome of one pipeline stage.
type PhaseResult struct {
	Name     string         `json:"name"`
	Status   PhaseStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunSummary is the persisted digest of a completed run.
type RunSummary struct {
	VisitsRead      int             `json:"visits_read"`
	VisitsAccepted  int             `json:"visits_accepted"`
	VisitsDropped   map[string]int  `json:"visits_dropped,omitempty"`
	EdgesByLayer    map[Layer]int   `json:"edges_by_layer"`
	Dyads           int             `json:"dyads"`
	ScoredDevices   int             `json:"scored_devices"`
	UndefinedScores int             `json:"undefined_scores"`
	MeanScore       float64         `json:"mean_score"`
	Phases          []PhaseResult   `json:"phases"`
	Models          json.RawMessage `json:"models,omitempty"`
	Threshold       json.RawMessage `json:"threshold,omitempty"`
}
