package observability

import "time"

// Level represents the severity of an emitted event.
type Level string

const (
	// LevelInfo represents informational events that describe normal progress.
	LevelInfo Level = "info"
	// LevelWarn represents conditions that were absorbed but may explain a later failure.
	LevelWarn Level = "warn"
	// LevelError captures failures that abort a reboot verification or scenario.
	LevelError Level = "error"
)

func (l Level) rank() int {
	switch l {
	case LevelWarn:
		return 1
	case LevelError:
		return 2
	default:
		return 0
	}
}

// Event models a structured log entry emitted while verifying a device.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Device    string                 `json:"device,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a shallow copy of the event and its fields map so enrichment
// by one reporter is not observed by another.
func (e Event) Clone() Event {
	clone := e
	if len(e.Fields) > 0 {
		copied := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			copied[k] = v
		}
		clone.Fields = copied
	}
	return clone
}
