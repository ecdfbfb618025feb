package ipc

import (
	"time"

	"texbridge/internal/handoff"
	"texbridge/internal/stats"
	"texbridge/internal/taskqueue"
)

// QueueStats mirrors the task queue counters.
type QueueStats = taskqueue.Stats

// Totals mirrors the coordinator's lifetime outcome counters.
type Totals = handoff.Totals

// Report mirrors a stats window.
type Report = stats.Report

// StatusRequest fetches bridge status.
type StatusRequest struct{}

// StatusResponse represents the combined runtime state of the bridge.
type StatusResponse struct {
	Running            bool         `json:"running"`
	PID                int          `json:"pid"`
	SessionID          string       `json:"session_id"`
	StartedAt          time.Time    `json:"started_at"`
	Port               int          `json:"port"`
	Policy             string       `json:"policy"`
	Redact             bool         `json:"redact"`
	DescriptorEndpoint string       `json:"descriptor_endpoint"`
	MetadataEndpoint   string       `json:"metadata_endpoint"`
	MetadataState      string       `json:"metadata_state"`
	Peers              []string     `json:"peers"`
	InFlight           int          `json:"in_flight"`
	Totals             Totals       `json:"totals"`
	Queues             []QueueStats `json:"queues"`
	LastReport         *Report      `json:"last_report,omitempty"`
	SkippedWindows     int          `json:"skipped_windows"`
	SourceEnabled      bool         `json:"source_enabled"`
	HistoryPath        string       `json:"history_path,omitempty"`
	LockPath           string       `json:"lock_path"`
}

// ResetPeersRequest drops the current metadata connection.
type ResetPeersRequest struct{}

// ResetPeersResponse reports how many peers were registered before the reset.
type ResetPeersResponse struct {
	Dropped int `json:"dropped"`
}

// StopRequest asks the bridge to shut down.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}
