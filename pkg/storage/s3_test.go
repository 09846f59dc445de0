package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordingKey(t *testing.T) {
	assert.Equal(t, "recordings/room-1/room-1--EG--eg-1.mp4", RecordingKey("room-1", "room-1--EG--eg-1"))
}
