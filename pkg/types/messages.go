// Package types holds the wire shapes shared by the worker's command intake,
// update manager and client broadcast channel.
package types

import (
	"encoding/json"
	"fmt"
)

// CommandType identifies an inbound command.
type CommandType string

const (
	CommandUpdate CommandType = "update"
	CommandClear  CommandType = "clear"
	CommandPing   CommandType = "ping"
)

// Command is the decoded form of a message posted to the worker by a client.
type Command struct {
	Type CommandType `json:"type"`
	// Current is the version the client has installed. Empty means no local
	// content yet.
	Current string `json:"current,omitempty"`
	// Latest is the version to move to. Required for update commands.
	Latest string `json:"latest,omitempty"`
	// Date is display metadata for Latest and is passed through untouched.
	Date string `json:"date,omitempty"`
}

// Descriptor returns the version descriptor carried by an update command.
func (c Command) Descriptor() VersionDescriptor {
	return VersionDescriptor{Current: c.Current, Latest: c.Latest, Date: c.Date}
}

// DecodeCommand parses a raw JSON command.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	return cmd, nil
}

// VersionDescriptor describes a requested transition of the content cache.
type VersionDescriptor struct {
	Current string `json:"current,omitempty"`
	Latest  string `json:"latest"`
	Date    string `json:"date,omitempty"`
}

// IsFull reports whether the descriptor asks for a full snapshot rather
// than a delta from Current.
func (d VersionDescriptor) IsFull() bool {
	return d.Current == ""
}

// EventType identifies an outbound broadcast.
type EventType string

const (
	EventUpdateStatus EventType = "updateStatus"
	EventPong         EventType = "pong"
)

// UpdateState is the state carried by an updateStatus event.
type UpdateState string

const (
	StateDownloading UpdateState = "downloading"
	StateUnpacking   UpdateState = "unpacking"
	StateInit        UpdateState = "init"
	StateClearing    UpdateState = "clearing"
	StateError       UpdateState = "error"
)

// InstalledVersion is reported on init events. Empty fields are sent as
// JSON null, meaning no content is installed.
type InstalledVersion struct {
	Version string
	Date    string
}

// Event is a message broadcast to every attached client.
type Event struct {
	Type      EventType
	Progress  float64
	State     UpdateState
	Installed *InstalledVersion
	Error     string
}

// StatusEvent builds an updateStatus event without version information.
func StatusEvent(state UpdateState, progress float64) Event {
	return Event{Type: EventUpdateStatus, State: state, Progress: progress}
}

// InitEvent builds the terminal event of a successful update.
func InitEvent(version, date string) Event {
	return Event{
		Type:      EventUpdateStatus,
		State:     StateInit,
		Installed: &InstalledVersion{Version: version, Date: date},
	}
}

// ClearedEvent builds the terminal event of a clear: no content installed.
func ClearedEvent() Event {
	return Event{
		Type:      EventUpdateStatus,
		State:     StateInit,
		Progress:  -1,
		Installed: &InstalledVersion{},
	}
}

// ErrorEvent builds the terminal event of a failed session.
func ErrorEvent(err error) Event {
	return Event{Type: EventUpdateStatus, State: StateError, Error: err.Error()}
}

// PongEvent builds the reply to a ping.
func PongEvent() Event {
	return Event{Type: EventPong}
}

// IsTerminal reports whether the event closes an update or clear cycle.
func (e Event) IsTerminal() bool {
	return e.Type == EventUpdateStatus && (e.State == StateInit || e.State == StateError)
}

// MarshalJSON encodes the event in the shape clients expect: pong carries
// only its type, updateStatus carries progress and state, and version fields
// only when Installed is set.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": e.Type}
	if e.Type == EventUpdateStatus {
		out["progress"] = e.Progress
		out["state"] = e.State
		if e.Installed != nil {
			out["currentVersion"] = nullable(e.Installed.Version)
			out["currentDate"] = nullable(e.Installed.Date)
		}
		if e.Error != "" {
			out["error"] = e.Error
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an event produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type           EventType   `json:"type"`
		Progress       float64     `json:"progress"`
		State          UpdateState `json:"state"`
		CurrentVersion *string     `json:"currentVersion"`
		CurrentDate    *string     `json:"currentDate"`
		Error          string      `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{Type: raw.Type, Progress: raw.Progress, State: raw.State, Error: raw.Error}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	_, hasVersion := fields["currentVersion"]
	_, hasDate := fields["currentDate"]
	if hasVersion || hasDate {
		e.Installed = &InstalledVersion{}
		if raw.CurrentVersion != nil {
			e.Installed.Version = *raw.CurrentVersion
		}
		if raw.CurrentDate != nil {
			e.Installed.Date = *raw.CurrentDate
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
