package model

import (
	"encoding/json"
	"time"
)

// Event represents a record on the agent event bus
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
