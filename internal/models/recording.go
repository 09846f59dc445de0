package models

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the recording lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusAborted  Status = "aborted"
)

// transitions lists the allowed forward moves. Terminal statuses have no entry.
var transitions = map[Status][]Status{
	StatusStarting: {StatusActive, StatusFailed, StatusAborted},
	StatusActive:   {StatusComplete, StatusFailed, StatusAborted},
}

// Terminal reports whether the status is final and must never be overwritten.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusAborted
}

// CanTransition reports whether a recording may move from one status to
// another. Same-status writes are allowed so concurrent writers (coordinator,
// webhook) can record the same state idempotently.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionsInto returns the statuses a recording may be in immediately
// before moving to the given status. Used to guard status writes in SQL.
func TransitionsInto(to Status) []Status {
	var from []Status
	for s, targets := range transitions {
		for _, t := range targets {
			if t == to {
				from = append(from, s)
			}
		}
	}
	return from
}

// recordingIDSep joins room id and egress session id into a recording id.
// Room ids come from the rooms API and never contain this sequence.
const recordingIDSep = "--EG--"

// RecordingID derives the recording identifier from a room and the media
// node's egress session id. The encoding is reversible via ParseRecordingID.
func RecordingID(roomID, sessionID string) string {
	return roomID + recordingIDSep + sessionID
}

// ParseRecordingID splits a recording id back into room id and session id.
func ParseRecordingID(id string) (roomID, sessionID string, err error) {
	i := strings.LastIndex(id, recordingIDSep)
	if i <= 0 || i+len(recordingIDSep) >= len(id) {
		return "", "", fmt.Errorf("malformed recording id: %q", id)
	}
	return id[:i], id[i+len(recordingIDSep):], nil
}

// Recording is the coordinator's view of one composite recording.
// Mutation is owned by the start coordinator while starting and by the media
// node's webhook confirmations thereafter.
type Recording struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SessionID string    `json:"session_id"`
	Status    Status    `json:"status"`
	Duration  int       `json:"duration"`
	Size      int64     `json:"size"`
	S3Key     string    `json:"s3_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
