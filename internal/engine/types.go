package engine

import (
	"time"

	"strategy-engine/internal/strategy"
)

// Spec describes a strategy to add. An empty ID gets a generated one.
type Spec struct {
	ID string `json:"id,omitempty"`
	strategy.Params
}

// SystemStatus is the runtime status shown by the API.
type SystemStatus struct {
	Mode       string         `json:"mode"`
	DryRun     bool           `json:"dry_run"`
	Venue      string         `json:"venue"`
	Ready      bool           `json:"ready"`
	Strategies int            `json:"strategies"`
	ByState    map[string]int `json:"by_state"`
	Series     []string       `json:"series"`
	Version    string         `json:"version"`
	StartedAt  time.Time      `json:"started_at"`
	ServerTime time.Time      `json:"server_time"`
}
