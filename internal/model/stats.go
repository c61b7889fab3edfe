package model

import "time"

// SystemStats represents sampled host resource usage
type SystemStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryUsed  uint64    `json:"memory_used"`
	CollectedAt time.Time `json:"collected_at"`
}

// AgentStats represents agent-level runtime statistics
type AgentStats struct {
	RunningCommands int          `json:"running_commands"`
	ScheduledTasks  int          `json:"scheduled_tasks"`
	EventsSeen      int64        `json:"events_seen"`
	StartedAt       time.Time    `json:"started_at"`
	System          *SystemStats `json:"system,omitempty"`
}
