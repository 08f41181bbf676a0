package model

// CoPresenceEdge records that a low-class device (From) and a high-class
// device (To) visited the same location within the proximity window on Layer.
// Edges point upward only.
type CoPresenceEdge struct {
	From  string `json:"device_i"`
	To    string `json:"device_j"`
	Layer Layer  `json:"layer"`
}

// Pair identifies an ordered (low, high) device pair.
type Pair struct {
	From string
	To   string
}

// Pair returns the ordered pair of the edge.
func (e CoPresenceEdge) Pair() Pair {
	return Pair{From: e.From, To: e.To}
}

// DyadSummary counts the distinct layers an ordered pair co-presences in.
type DyadSummary struct {
	From             string `json:"device_i"`
	To               string `json:"device_j"`
	SharedLayerCount int    `json:"shared_layer_count"`
}

// SFBScore is the functional bandwidth score of a device. Only devices with
// at least one cross-class neighbor have one.
type SFBScore struct {
	DeviceID          string  `json:"device_id"`
	Score             float64 `json:"score"`
	NeighborCount     int     `json:"neighbor_count"`
	TotalContactCount int     `json:"total_contact_count"`
}

// ScoreRow is an SFBScore joined with device covariates.
type ScoreRow struct {
	SFBScore
	VisitVolume float64 `json:"visit_volume"`
	Quintile    *int    `json:"quintile,omitempty"`
	Outcome     *int    `json:"outcome,omitempty"`
}
