package models

import "time"

// Notebook lifecycle statuses.
const (
	NotebookStatusPending   = "pending"
	NotebookStatusRunning   = "running"
	NotebookStatusStopped   = "stopped"
	NotebookStatusOOMKilled = "oomkilled"
)

// Notebook represents a single user's notebook container. There is at
// most one per username.
type Notebook struct {
	ID                string        `json:"id"`
	Username          string        `json:"username"`
	Status            string        `json:"status"`
	Image             string        `json:"image"`
	URL               string        `json:"url"`
	HostPort          int           `json:"hostPort"`
	Resources         ResourceUsage `json:"resources"`
	LastActivity      time.Time     `json:"lastActivity"`
	CreatedAt         time.Time     `json:"createdAt"`
	DockerContainerID string        `json:"-"` // Internal use
	DataPath          string        `json:"-"` // Internal use
	Token             string        `json:"-"` // Internal use
}

// ResourceUsage holds CPU, RAM, and storage usage percentages relative
// to the configured ceilings.
type ResourceUsage struct {
	CPU     float64 `json:"cpu"`
	RAM     float64 `json:"ram"`
	Storage int     `json:"storage"`
}

// ResourceDataPoint is a single sample from the resource history table.
type ResourceDataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	CPUUsage  float64   `json:"cpuUsage"`
	RAMUsage  float64   `json:"ramUsage"`
}
