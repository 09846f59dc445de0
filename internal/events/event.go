// Package events carries recording lifecycle events between instances.
// A Redis pub/sub Bus fans events out to every instance; each instance feeds
// them into a local Dispatcher that wakes whichever coordinator is waiting.
package events

import "encoding/json"

// Type identifies a lifecycle event.
type Type string

const (
	TypeRecordingActive   Type = "recording_active"
	TypeRecordingComplete Type = "recording_complete"
	TypeRecordingFailed   Type = "recording_failed"
	TypeRecordingAborted  Type = "recording_aborted"
)

// LifecycleEvent is a transient cross-instance message. Not persisted;
// instances that have no matching waiter simply drop it.
type LifecycleEvent struct {
	Type      Type            `json:"type"`
	RoomID    string          `json:"room_id"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        int64           `json:"at"`
}
