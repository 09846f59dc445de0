// Package media talks to the external media node that owns composite
// recording (egress). The coordinator never touches media frames; it only
// starts, stops and inspects egress sessions.
package media

import (
	"context"
	"errors"
	"time"
)

// Status is the media node's view of an egress session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusFailed   Status = "failed"
	StatusAborted  Status = "aborted"
)

// ErrEgressNotFound is returned when the media node has no record of the
// requested egress session.
var ErrEgressNotFound = errors.New("egress not found")

// Egress describes one composite recording session on the media node.
type Egress struct {
	SessionID string    `json:"session_id"`
	RoomID    string    `json:"room_id"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Room is the media node's view of a room.
type Room struct {
	RoomID         string `json:"room_id"`
	PublisherCount int    `json:"publisher_count"`
}

// Client is the media collaborator contract the coordinator depends on.
type Client interface {
	// StartComposite begins a composite recording for the room. The returned
	// egress may already report StatusActive when the node confirms inline.
	StartComposite(ctx context.Context, roomID string) (*Egress, error)
	// Stop ends an active egress and returns its final state.
	Stop(ctx context.Context, sessionID string) (*Egress, error)
	// Cancel aborts an egress that may still be starting. Best-effort.
	Cancel(ctx context.Context, sessionID string) error
	// GetStatus returns the current status of one egress session, or
	// ErrEgressNotFound.
	GetStatus(ctx context.Context, sessionID string) (Status, error)
	// GetInProgress lists egress sessions that are starting or active.
	// An empty roomID lists across all rooms.
	GetInProgress(ctx context.Context, roomID string) ([]Egress, error)
	// RoomExists reports whether the room is known to the media node.
	RoomExists(ctx context.Context, roomID string) (bool, error)
	// GetRoom returns room occupancy, or nil when the room does not exist.
	GetRoom(ctx context.Context, roomID string) (*Room, error)
}
