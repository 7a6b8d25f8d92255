package designsync

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := OpenStore(filepath.Join(t.TempDir(), "cache.db"), testLogger())
	t.Cleanup(func() { s.Close() })
	require.False(t, s.Degraded())
	return s
}

func TestStoreRecords(t *testing.T) {
	s := newTestStore(t)

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(CollectionProjects, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put get roundtrip", func(t *testing.T) {
		rec := Record{"id": "p1", "name": "Loft", "status": "draft"}
		require.NoError(t, s.Put(CollectionProjects, rec))

		got, err := s.Get(CollectionProjects, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Loft", got["name"])
	})

	t.Run("put upserts", func(t *testing.T) {
		require.NoError(t, s.Put(CollectionProjects, Record{"id": "p1", "name": "Loft 2"}))
		got, err := s.Get(CollectionProjects, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Loft 2", got["name"])
	})

	t.Run("put without id rejected", func(t *testing.T) {
		assert.Error(t, s.Put(CollectionProjects, Record{"name": "anonymous"}))
	})

	t.Run("unknown collection rejected", func(t *testing.T) {
		assert.Error(t, s.Put("vendors", Record{"id": "v1"}))
	})

	t.Run("list by index", func(t *testing.T) {
		require.NoError(t, s.Put(CollectionRooms, Record{"id": "r1", "project_id": "p1", "name": "Kitchen"}))
		require.NoError(t, s.Put(CollectionRooms, Record{"id": "r2", "project_id": "p1", "name": "Bedroom"}))
		require.NoError(t, s.Put(CollectionRooms, Record{"id": "r3", "project_id": "p2", "name": "Office"}))

		rooms, err := s.ListByIndex(CollectionRooms, "p1")
		require.NoError(t, err)
		assert.Len(t, rooms, 2)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, s.Delete(CollectionRooms, "r3"))
		require.NoError(t, s.Delete(CollectionRooms, "r3"))
		_, err := s.Get(CollectionRooms, "r3")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	s := OpenStore(path, testLogger())
	require.NoError(t, s.Put(CollectionProjects, Record{"id": "p1", "name": "Loft"}))
	_, err := s.EnqueueMutation(CollectionProjects, OpUpdate, json.RawMessage(`{"id":"p1","name":"Loft 2"}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = OpenStore(path, testLogger())
	defer s.Close()

	got, err := s.Get(CollectionProjects, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Loft", got["name"])
	assert.Equal(t, 1, s.PendingCount())
}

func TestStoreMutationQueue(t *testing.T) {
	s := newTestStore(t)

	seq1, err := s.EnqueueMutation(CollectionRooms, OpInsert, json.RawMessage(`{"id":"temp_1","name":"Kitchen"}`))
	require.NoError(t, err)
	seq2, err := s.EnqueueMutation(CollectionRooms, OpUpdate, json.RawMessage(`{"id":"temp_1","name":"Kitchenette"}`))
	require.NoError(t, err)
	seq3, err := s.EnqueueMutation(CollectionRooms, OpDelete, json.RawMessage(`{"id":"r9"}`))
	require.NoError(t, err)

	t.Run("strict insertion order", func(t *testing.T) {
		muts, err := s.ListMutations()
		require.NoError(t, err)
		require.Len(t, muts, 3)
		assert.Equal(t, []int64{seq1, seq2, seq3}, []int64{muts[0].Seq, muts[1].Seq, muts[2].Seq})
		assert.Less(t, seq1, seq2)
	})

	t.Run("ack removes one entry", func(t *testing.T) {
		require.NoError(t, s.AckMutation(seq1))
		muts, err := s.ListMutations()
		require.NoError(t, err)
		require.Len(t, muts, 2)
		assert.Equal(t, seq2, muts[0].Seq)
	})

	t.Run("dead letter moves entry out of queue", func(t *testing.T) {
		muts, _ := s.ListMutations()
		require.NoError(t, s.DeadLetter(muts[0], "remote update on rooms failed (HTTP 400)"))

		assert.Equal(t, 1, s.PendingCount())
		dead, err := s.ListDeadLetters()
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, seq2, dead[0].Seq)
		assert.Contains(t, dead[0].Reason, "HTTP 400")
	})

	t.Run("clear drops the queue", func(t *testing.T) {
		require.NoError(t, s.ClearMutations())
		assert.Equal(t, 0, s.PendingCount())
	})
}

func TestStoreRewriteQueuedID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.EnqueueMutation(CollectionObjects, OpInsert, json.RawMessage(`{"id":"temp_obj","room_id":"temp_room","name":"Sofa"}`))
	require.NoError(t, err)
	_, err = s.EnqueueMutation(CollectionRooms, OpUpdate, json.RawMessage(`{"id":"temp_room","name":"Lounge"}`))
	require.NoError(t, err)
	_, err = s.EnqueueMutation(CollectionRooms, OpDelete, json.RawMessage(`{"id":"other"}`))
	require.NoError(t, err)

	require.NoError(t, s.RewriteQueuedID("temp_room", "room-77"))

	muts, err := s.ListMutations()
	require.NoError(t, err)
	require.Len(t, muts, 3)

	var obj, room, other Record
	require.NoError(t, json.Unmarshal(muts[0].Payload, &obj))
	require.NoError(t, json.Unmarshal(muts[1].Payload, &room))
	require.NoError(t, json.Unmarshal(muts[2].Payload, &other))

	assert.Equal(t, "room-77", obj["room_id"])
	assert.Equal(t, "temp_obj", obj["id"], "unrelated ids stay untouched")
	assert.Equal(t, "room-77", room["id"])
	assert.Equal(t, "other", other["id"])
}

func TestStoreDegradesToMemory(t *testing.T) {
	// A directory at the database path makes the medium unusable.
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache.db")
	require.NoError(t, os.MkdirAll(dbPath, 0o700))

	s := OpenStore(dbPath, testLogger())
	defer s.Close()
	assert.True(t, s.Degraded())

	// The same API keeps working against the in-memory mirror.
	require.NoError(t, s.Put(CollectionProjects, Record{"id": "p1", "name": "Loft"}))
	got, err := s.Get(CollectionProjects, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Loft", got["name"])

	seq, err := s.EnqueueMutation(CollectionProjects, OpUpdate, json.RawMessage(`{"id":"p1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, s.PendingCount())
	require.NoError(t, s.AckMutation(seq))
	assert.Equal(t, 0, s.PendingCount())
}
