package recordings

import "errors"

// Coordinator error taxonomy. Callers (HTTP layer, reconcilers) match these
// with errors.Is.
var (
	// ErrAlreadyStarted means another start is in flight or active for the
	// room (the per-room lock is held).
	ErrAlreadyStarted = errors.New("recording already started")
	// ErrRoomNotFound means the media node does not know the room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomEmpty means the room has no publishing participants.
	ErrRoomEmpty = errors.New("room has no publishers")
	// ErrStartTimeout means no active confirmation arrived within the
	// configured start timeout.
	ErrStartTimeout = errors.New("recording start timed out")
	// ErrCannotStopWhileStarting means the egress is still starting; the
	// caller must retry once the start protocol resolves it.
	ErrCannotStopWhileStarting = errors.New("cannot stop recording while starting")
	// ErrAlreadyStopped means the recording already reached a terminal state.
	ErrAlreadyStopped = errors.New("recording already stopped")
	// ErrNotFound means no such recording is known.
	ErrNotFound = errors.New("recording not found")
	// ErrInvalidTransition means a status write would regress the recording
	// lifecycle (e.g. overwrite a terminal status).
	ErrInvalidTransition = errors.New("invalid recording status transition")
)
