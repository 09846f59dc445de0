package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherDeliversMatchingEvent(t *testing.T) {
	d := NewDispatcher()
	var got []LifecycleEvent
	cancel := d.Register(TypeRecordingActive, "room-1", func(ev LifecycleEvent) {
		got = append(got, ev)
	})
	defer cancel()

	d.Fire(LifecycleEvent{Type: TypeRecordingActive, RoomID: "room-1", SessionID: "EG_1"})

	assert.Len(t, got, 1)
	assert.Equal(t, "EG_1", got[0].SessionID)
}

func TestDispatcherIgnoresOtherRoomsAndTypes(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	cancel := d.Register(TypeRecordingActive, "room-1", func(LifecycleEvent) { calls++ })
	defer cancel()

	d.Fire(LifecycleEvent{Type: TypeRecordingActive, RoomID: "room-2"})
	d.Fire(LifecycleEvent{Type: TypeRecordingComplete, RoomID: "room-1"})

	assert.Zero(t, calls)
}

func TestDispatcherFanOut(t *testing.T) {
	d := NewDispatcher()
	a, b := 0, 0
	cancelA := d.Register(TypeRecordingActive, "room-1", func(LifecycleEvent) { a++ })
	cancelB := d.Register(TypeRecordingActive, "room-1", func(LifecycleEvent) { b++ })
	defer cancelA()
	defer cancelB()

	d.Fire(LifecycleEvent{Type: TypeRecordingActive, RoomID: "room-1"})

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestDispatcherCancel(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	cancel := d.Register(TypeRecordingActive, "room-1", func(LifecycleEvent) { calls++ })

	cancel()
	cancel() // second cancel is a no-op
	d.Fire(LifecycleEvent{Type: TypeRecordingActive, RoomID: "room-1"})

	assert.Zero(t, calls)
}
