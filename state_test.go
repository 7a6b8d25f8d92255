package designsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMerge(t *testing.T) {
	s := NewState()
	s.Put(CollectionObjects, Record{"id": "o1", "name": "Sofa", "color": "#aaa", "position_x": 1.0})

	t.Run("patch touches only its fields", func(t *testing.T) {
		s.Merge(CollectionObjects, "o1", Record{"position_x": 5.0})

		got, ok := s.Get(CollectionObjects, "o1")
		require.True(t, ok)
		assert.Equal(t, 5.0, got["position_x"])
		assert.Equal(t, "#aaa", got["color"], "untouched fields survive")
	})

	t.Run("identity survives a hostile patch", func(t *testing.T) {
		s.Merge(CollectionObjects, "o1", Record{"id": "o2", "color": "#bbb"})

		got, ok := s.Get(CollectionObjects, "o1")
		require.True(t, ok)
		assert.Equal(t, "o1", got["id"])
		assert.Equal(t, "#bbb", got["color"])
	})

	t.Run("nil patch into absent record", func(t *testing.T) {
		s.Merge(CollectionRooms, "room-1", nil)

		got, ok := s.Get(CollectionRooms, "room-1")
		require.True(t, ok)
		assert.Equal(t, Record{"id": "room-1"}, got)
	})

	t.Run("nil patch into existing record is a no-op", func(t *testing.T) {
		s.Put(CollectionRooms, Record{"id": "room-2", "name": "Den"})
		s.Merge(CollectionRooms, "room-2", nil)

		got, ok := s.Get(CollectionRooms, "room-2")
		require.True(t, ok)
		assert.Equal(t, "Den", got["name"])
	})

	t.Run("merge into absent record inserts", func(t *testing.T) {
		s.Merge(CollectionObjects, "o9", Record{"name": "Lamp"})

		got, ok := s.Get(CollectionObjects, "o9")
		require.True(t, ok)
		assert.Equal(t, "o9", got["id"])
		assert.Equal(t, "Lamp", got["name"])
	})
}

func TestStateInsertIfAbsent(t *testing.T) {
	s := NewState()

	assert.True(t, s.InsertIfAbsent(CollectionRooms, Record{"id": "r1", "name": "Kitchen"}))
	assert.False(t, s.InsertIfAbsent(CollectionRooms, Record{"id": "r1", "name": "Duplicate"}))

	got, _ := s.Get(CollectionRooms, "r1")
	assert.Equal(t, "Kitchen", got["name"], "existing record wins over a duplicate insert")
}

func TestStateRemove(t *testing.T) {
	s := NewState()
	s.Put(CollectionRooms, Record{"id": "r1"})

	assert.True(t, s.Remove(CollectionRooms, "r1"))
	assert.False(t, s.Remove(CollectionRooms, "r1"), "removing an absent record is a no-op")
	assert.False(t, s.Remove(CollectionRooms, "never-existed"))
}

func TestStateCopiesNeverAlias(t *testing.T) {
	s := NewState()
	s.Put(CollectionObjects, Record{"id": "o1", "metadata": map[string]any{"tag": "modern"}})

	got, _ := s.Get(CollectionObjects, "o1")
	got["id"] = "tampered"
	got["metadata"].(map[string]any)["tag"] = "tampered"

	again, _ := s.Get(CollectionObjects, "o1")
	assert.Equal(t, "o1", again["id"])
	assert.Equal(t, "modern", again["metadata"].(map[string]any)["tag"])
}

func TestStateTypedAccessors(t *testing.T) {
	s := NewState()
	s.Put(CollectionProjects, Record{"id": "p1", "name": "Loft", "status": "active"})
	s.Put(CollectionRooms, Record{"id": "r1", "project_id": "p1", "name": "Kitchen", "room_type": "kitchen"})
	s.Put(CollectionRooms, Record{"id": "r2", "project_id": "p2", "name": "Office"})
	s.Put(CollectionObjects, Record{"id": "o1", "room_id": "r1", "name": "Sofa", "position_x": 2.5})

	proj, ok := s.Project("p1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, proj.Status)

	rooms := s.Rooms("p1")
	require.Len(t, rooms, 1)
	assert.Equal(t, RoomKitchen, rooms[0].RoomType)

	objs := s.Objects("r1")
	require.Len(t, objs, 1)
	require.NotNil(t, objs[0].PositionX)
	assert.Equal(t, 2.5, *objs[0].PositionX)

	_, ok = s.Room("r404")
	assert.False(t, ok)
}
