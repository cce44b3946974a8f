package model

import "time"

// EventType classifies events published on the bus
type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"

	EventScrapeStarted   EventType = "scrape_started"
	EventScrapeCompleted EventType = "scrape_completed"
	EventScrapeFailed    EventType = "scrape_failed"

	EventMonitorStarted EventType = "monitor_started"
	EventMonitorStopped EventType = "monitor_stopped"
	EventChangeDetected EventType = "change_detected"

	EventAnalysisStarted   EventType = "analysis_started"
	EventAnalysisCompleted EventType = "analysis_completed"

	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
	EventSystemInfo    EventType = "system_info"
)

// Event is an immutable fact delivered to interested handlers
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ResourceStats represents a host resource sample
type ResourceStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	Goroutines  int       `json:"goroutines"`
	CollectedAt time.Time `json:"collected_at"`
}
