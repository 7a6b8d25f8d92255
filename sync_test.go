package designsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a scriptable remote store. The default behavior confirms
// everything, assigning srv-N ids to inserts; respond overrides individual
// requests.
type fakeRemote struct {
	mu      sync.Mutex
	nextID  int
	calls   []string
	bodies  []Record
	respond func(r *http.Request, body Record) (int, any)
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body Record
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.bodies = append(f.bodies, cloneRecord(body))
	hook := f.respond
	f.mu.Unlock()

	if hook != nil {
		if status, resp := hook(r, body); status != 0 {
			writeJSON(w, status, resp)
			return
		}
	}

	switch r.Method {
	case http.MethodPost:
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("srv-%d", f.nextID)
		f.mu.Unlock()
		if body == nil {
			body = Record{}
		}
		body["id"] = id
		writeJSON(w, http.StatusCreated, body)
	case http.MethodPatch:
		if body == nil {
			body = Record{}
		}
		body["id"] = path.Base(r.URL.Path)
		writeJSON(w, http.StatusOK, body)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusOK, []Record{})
	}
}

func (f *fakeRemote) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeRemote) body(i int) Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ============================================================================
// Drain
// ============================================================================

func TestSyncDrainReconcilesTempIDs(t *testing.T) {
	remote := &fakeRemote{}
	c := newTestClient(t, remote, false)
	ctx := context.Background()

	// Build up a session's worth of offline work against a new room.
	room, err := c.Rooms.Create(ctx, &Room{ProjectID: "p1", Name: "Kitchen"})
	require.NoError(t, err)
	require.True(t, IsTempID(room.ID))
	_, err = c.Rooms.Update(ctx, room.ID, Record{"name": "Kitchenette"})
	require.NoError(t, err)
	_, err = c.Objects.Create(ctx, &DesignObject{RoomID: room.ID, Name: "Counter"})
	require.NoError(t, err)

	var mappings []ConfirmedMapping
	c.On(EventMutationConfirmed, func(event string, payload any) {
		if m, ok := payload.(ConfirmedMapping); ok {
			mappings = append(mappings, m)
		}
	})

	c.Monitor().Set(true)
	engine := NewSyncEngine(c)
	require.NoError(t, engine.Drain(ctx))

	calls := remote.callList()
	require.Equal(t, []string{
		"POST /api/rooms",
		"PATCH /api/rooms/srv-1",
		"POST /api/objects",
	}, calls, "replay preserves insertion order and targets the confirmed id")

	// The insert was sent without the temporary identity; the later object
	// insert references the confirmed room.
	_, hadID := remote.body(0)["id"]
	assert.False(t, hadID, "temporary id must not reach the remote store")
	assert.Equal(t, "srv-1", remote.body(2)["room_id"])

	// Local caches hold the confirmed record only.
	assert.Equal(t, 0, c.Store().PendingCount())
	_, ok := c.State().Room(room.ID)
	assert.False(t, ok, "temporary record must be swapped out")
	confirmed, ok := c.State().Room("srv-1")
	require.True(t, ok)
	assert.Equal(t, "Kitchenette", confirmed.Name)

	require.NotEmpty(t, mappings)
	assert.Equal(t, room.ID, mappings[0].TempID)
	assert.Equal(t, "srv-1", mappings[0].RemoteID)
}

func TestSyncPartialFailureResumes(t *testing.T) {
	remote := &fakeRemote{}
	c := newTestClient(t, remote, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("o%d", i)
		c.Store().Put(CollectionObjects, Record{"id": id, "name": "obj"})
		_, err := c.Objects.Update(ctx, id, Record{"color": "#0f0"})
		require.NoError(t, err)
	}

	var patches atomic.Int32
	remote.respond = func(r *http.Request, body Record) (int, any) {
		if r.Method == http.MethodPatch && patches.Add(1) == 2 {
			return http.StatusBadGateway, map[string]any{
				"error": map[string]string{"code": "UPSTREAM", "message": "remote store down"},
			}
		}
		return 0, nil
	}

	c.Monitor().Set(true)
	engine := NewSyncEngine(c)

	err := engine.Drain(ctx)
	var pf *SyncPartialFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 1, pf.Applied)
	assert.Equal(t, 2, pf.Remaining)
	assert.Equal(t, 2, c.Store().PendingCount(), "unconfirmed entries stay queued")

	// The next drain picks up exactly where the last one stopped.
	require.NoError(t, engine.Drain(ctx))
	assert.Equal(t, 0, c.Store().PendingCount())
}

func TestSyncDeadLettersPermanentRejections(t *testing.T) {
	remote := &fakeRemote{}
	c := newTestClient(t, remote, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("o%d", i)
		c.Store().Put(CollectionObjects, Record{"id": id})
		_, err := c.Objects.Update(ctx, id, Record{"color": "#0f0"})
		require.NoError(t, err)
	}

	remote.respond = func(r *http.Request, body Record) (int, any) {
		if r.URL.Path == "/api/objects/o1" {
			return http.StatusUnprocessableEntity, map[string]any{
				"error": map[string]string{"code": "VALIDATION", "message": "bad color"},
			}
		}
		return 0, nil
	}

	var dead []DeadMutation
	c.On(EventMutationDeadLetter, func(event string, payload any) {
		if d, ok := payload.(DeadMutation); ok {
			dead = append(dead, d)
		}
	})

	c.Monitor().Set(true)
	engine := NewSyncEngine(c)
	require.NoError(t, engine.Drain(ctx), "a permanent rejection must not stop the drain")

	assert.Equal(t, 0, c.Store().PendingCount())
	letters, err := c.Store().ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "422")
	require.Len(t, dead, 1)
	assert.Equal(t, CollectionObjects, dead[0].Collection)
}

func TestSyncDeadLettersInvalidPayloads(t *testing.T) {
	remote := &fakeRemote{}
	c := newTestClient(t, remote, false)

	// An update with no identity can never replay.
	_, err := c.Store().EnqueueMutation(CollectionObjects, OpUpdate, json.RawMessage(`{"color":"#0f0"}`))
	require.NoError(t, err)
	_, err = c.Store().EnqueueMutation(CollectionObjects, OpDelete, json.RawMessage(`{"id":"o1"}`))
	require.NoError(t, err)

	c.Monitor().Set(true)
	engine := NewSyncEngine(c)
	require.NoError(t, engine.Drain(context.Background()))

	letters, err := c.Store().ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "no id")
	assert.Equal(t, 0, c.Store().PendingCount())
	assert.Equal(t, []string{"DELETE /api/objects/o1"}, remote.callList())
}

func TestSyncDeleteReplayTolerates404(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(r *http.Request, body Record) (int, any) {
		return http.StatusNotFound, map[string]any{
			"error": map[string]string{"code": "NOT_FOUND", "message": "gone"},
		}
	}
	c := newTestClient(t, remote, false)

	_, err := c.Store().EnqueueMutation(CollectionRooms, OpDelete, json.RawMessage(`{"id":"r1"}`))
	require.NoError(t, err)

	c.Monitor().Set(true)
	require.NoError(t, NewSyncEngine(c).Drain(context.Background()))
	assert.Equal(t, 0, c.Store().PendingCount())
}

func TestSyncDrainIsSingleFlight(t *testing.T) {
	remote := &fakeRemote{}
	release := make(chan struct{})
	remote.respond = func(r *http.Request, body Record) (int, any) {
		<-release
		return 0, nil
	}
	c := newTestClient(t, remote, false)

	_, err := c.Store().EnqueueMutation(CollectionRooms, OpDelete, json.RawMessage(`{"id":"r1"}`))
	require.NoError(t, err)

	var starts atomic.Int32
	c.On(EventSyncStart, func(event string, payload any) { starts.Add(1) })

	c.Monitor().Set(true)
	engine := NewSyncEngine(c)

	done := make(chan error, 1)
	go func() { done <- engine.Drain(context.Background()) }()
	waitFor(t, func() bool { return starts.Load() == 1 })

	// A second trigger while the first drain is mid-flight is a no-op.
	require.NoError(t, engine.Drain(context.Background()))
	assert.Equal(t, int32(1), starts.Load())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, c.Store().PendingCount())
}

func TestSyncRunDrainsOnReconnect(t *testing.T) {
	remote := &fakeRemote{}
	c := newTestClient(t, remote, false)

	_, err := c.Rooms.Create(context.Background(), &Room{ProjectID: "p1", Name: "Kitchen"})
	require.NoError(t, err)
	require.Equal(t, 1, c.Store().PendingCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewSyncEngine(c).Run(ctx)

	c.Monitor().Set(true)
	waitFor(t, func() bool { return c.Store().PendingCount() == 0 })
}

func TestSyncReplayMatchesOnlineApplication(t *testing.T) {
	ctx := context.Background()
	apply := func(c *Client, id string) {
		c.Objects.Update(ctx, id, Record{"color": "#111"})
		c.Objects.Update(ctx, id, Record{"position_x": 4.0})
		c.Objects.Update(ctx, id, Record{"color": "#222", "rotation": 90.0})
	}

	// Online: each update hits the remote store directly.
	onlineRemote := &fakeRemote{}
	online := newTestClient(t, onlineRemote, true)
	online.Store().Put(CollectionObjects, Record{"id": "o1"})
	apply(online, "o1")

	// Offline: the same sequence queues, then replays on drain.
	offlineRemote := &fakeRemote{}
	offline := newTestClient(t, offlineRemote, false)
	offline.Store().Put(CollectionObjects, Record{"id": "o1"})
	apply(offline, "o1")
	offline.Monitor().Set(true)
	require.NoError(t, NewSyncEngine(offline).Drain(ctx))

	require.Equal(t, onlineRemote.callList(), offlineRemote.callList())
	for i := range onlineRemote.callList() {
		assert.Equal(t, onlineRemote.body(i), offlineRemote.body(i),
			"replayed payloads must match the online equivalents")
	}
}

func TestSyncCompleteEvent(t *testing.T) {
	remote := &fakeRemote{}
	c := newTestClient(t, remote, false)

	_, err := c.Rooms.Create(context.Background(), &Room{ProjectID: "p1", Name: "Kitchen"})
	require.NoError(t, err)

	var completed atomic.Bool
	c.On(EventSyncComplete, func(event string, payload any) { completed.Store(true) })

	c.Monitor().Set(true)
	require.NoError(t, NewSyncEngine(c).Drain(context.Background()))
	assert.True(t, completed.Load())
}

func TestSyncValidateMutation(t *testing.T) {
	cases := []struct {
		name string
		m    PendingMutation
		ok   bool
	}{
		{"insert without id", PendingMutation{Collection: CollectionRooms, Op: OpInsert, Payload: json.RawMessage(`{"name":"x"}`)}, true},
		{"update with id", PendingMutation{Collection: CollectionRooms, Op: OpUpdate, Payload: json.RawMessage(`{"id":"r1"}`)}, true},
		{"update without id", PendingMutation{Collection: CollectionRooms, Op: OpUpdate, Payload: json.RawMessage(`{}`)}, false},
		{"delete without id", PendingMutation{Collection: CollectionRooms, Op: OpDelete, Payload: json.RawMessage(`{}`)}, false},
		{"unknown collection", PendingMutation{Collection: "vendors", Op: OpInsert, Payload: json.RawMessage(`{}`)}, false},
		{"garbage payload", PendingMutation{Collection: CollectionRooms, Op: OpInsert, Payload: json.RawMessage(`not json`)}, false},
		{"unknown op", PendingMutation{Collection: CollectionRooms, Op: "upsert", Payload: json.RawMessage(`{}`)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason := validateMutation(tc.m)
			if tc.ok {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}
