package designsync

import (
	"encoding/json"
	"sync"
)

// State is the in-memory entity state: the single source of truth the UI
// reads from. Three writers feed it: the gateway (optimistic local writes),
// the sync engine (post-confirmation reconciliation) and the realtime merge
// layer (server-originated events). Every mutation goes through one mutex
// and updates merge per field set rather than overwrite, so one writer
// cannot clobber fields another just set.
//
// All reads return deep copies; callers never alias state-owned records.
type State struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
}

// NewState creates an empty entity state.
func NewState() *State {
	return &State{collections: make(map[string]map[string]Record)}
}

func (s *State) bucket(collection string) map[string]Record {
	b, ok := s.collections[collection]
	if !ok {
		b = make(map[string]Record)
		s.collections[collection] = b
	}
	return b
}

// Put upserts the full record by its identity.
func (s *State) Put(collection string, rec Record) {
	id := recordID(rec)
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(collection)[id] = cloneRecord(rec)
}

// InsertIfAbsent adds the record only when its identity is not already
// present. Reports whether an insert happened.
func (s *State) InsertIfAbsent(collection string, rec Record) bool {
	id := recordID(rec)
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(collection)
	if _, ok := b[id]; ok {
		return false
	}
	b[id] = cloneRecord(rec)
	return true
}

// Merge copies the fields present in patch into the record with the given
// identity. An absent record is treated as an insert of the patch.
func (s *State) Merge(collection, id string, patch Record) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(collection)
	existing, ok := b[id]
	if !ok {
		rec := Record{"id": id}
		for k, v := range cloneRecord(patch) {
			rec[k] = v
		}
		rec["id"] = id
		b[id] = rec
		return
	}
	for k, v := range cloneRecord(patch) {
		existing[k] = v
	}
	existing["id"] = id // identity is never overwritten by a patch
}

// Remove deletes the record by identity. Removing an absent identity is a
// no-op; reports whether a record was removed.
func (s *State) Remove(collection, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(collection)
	if _, ok := b[id]; !ok {
		return false
	}
	delete(b, id)
	return true
}

// Get returns a copy of the record, if present.
func (s *State) Get(collection, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.bucket(collection)[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// List returns copies of every record in the collection.
func (s *State) List(collection string) []Record {
	return s.listBy(collection, "", "")
}

func (s *State) listBy(collection, field, value string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.bucket(collection) {
		if field != "" {
			if v, _ := rec[field].(string); v != value {
				continue
			}
		}
		out = append(out, cloneRecord(rec))
	}
	return out
}

// ── Typed accessors ─────────────────────────────────────────────────────────

// Project decodes the project with the given identity.
func (s *State) Project(id string) (*Project, bool) {
	return decodeOne[Project](s, CollectionProjects, id)
}

// Projects decodes every cached project.
func (s *State) Projects() []Project {
	return decodeAll[Project](s.List(CollectionProjects))
}

// Room decodes the room with the given identity.
func (s *State) Room(id string) (*Room, bool) {
	return decodeOne[Room](s, CollectionRooms, id)
}

// Rooms decodes the rooms belonging to a project.
func (s *State) Rooms(projectID string) []Room {
	return decodeAll[Room](s.listBy(CollectionRooms, "project_id", projectID))
}

// Object decodes the design object with the given identity.
func (s *State) Object(id string) (*DesignObject, bool) {
	return decodeOne[DesignObject](s, CollectionObjects, id)
}

// Objects decodes the design objects belonging to a room.
func (s *State) Objects(roomID string) []DesignObject {
	return decodeAll[DesignObject](s.listBy(CollectionObjects, "room_id", roomID))
}

// Palettes decodes every cached palette.
func (s *State) Palettes() []Palette {
	return decodeAll[Palette](s.List(CollectionPalettes))
}

func decodeOne[T any](s *State, collection, id string) (*T, bool) {
	rec, ok := s.Get(collection, id)
	if !ok {
		return nil, false
	}
	v, err := decodeAs[T](rec)
	if err != nil {
		return nil, false
	}
	return v, true
}

func decodeAll[T any](recs []Record) []T {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		if v, err := decodeAs[T](rec); err == nil {
			out = append(out, *v)
		}
	}
	return out
}

func decodeAs[T any](rec Record) (*T, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// encodeRecord converts a typed entity into its schemaless form.
func encodeRecord(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// cloneRecord deep-copies a record through JSON so nested maps and slices
// never alias between the state, the store and callers.
func cloneRecord(rec Record) Record {
	if rec == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		out := make(Record, len(rec))
		for k, v := range rec {
			out[k] = v
		}
		return out
	}
	out, err := decodeRecord(data)
	if err != nil {
		return rec
	}
	return out
}
