package broadcast

import "time"

// EventType identifies an event on the progress stream
type EventType string

const (
	EventRunStart    EventType = "run_start"
	EventProgress    EventType = "progress"
	EventRunComplete EventType = "run_complete"
	EventLog         EventType = "log"
)

// LogType grades a log event
type LogType string

const (
	LogInfo    LogType = "info"
	LogSuccess LogType = "success"
	LogError   LogType = "error"
)

// Counts is the aggregate state of a campaign run
type Counts struct {
	Total     int  `json:"total"`
	Sent      int  `json:"sent"`
	Success   int  `json:"success"`
	Failed    int  `json:"failed"`
	Completed bool `json:"completed"`
}

// Event is one message on the progress stream. Counts is flattened into
// the JSON object and omitted for log events.
type Event struct {
	Type       EventType `json:"type"`
	CampaignID uint64    `json:"campaignId,omitempty"`
	*Counts
	Status    string    `json:"status,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
	LogType   LogType   `json:"logType,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`

	// Origin is the relay instance that first published the event
	Origin string `json:"origin,omitempty"`
}

// Log builds a log event
func Log(campaignID uint64, lt LogType, message string) Event {
	return Event{Type: EventLog, CampaignID: campaignID, LogType: lt, Message: message}
}
