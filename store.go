package designsync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// Schema
// ============================================================================

const (
	createProjectsTable = `CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`

	createRoomsTable = `CREATE TABLE IF NOT EXISTS rooms (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`

	createObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`

	createPalettesTable = `CREATE TABLE IF NOT EXISTS palettes (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`

	createSyncQueueTable = `CREATE TABLE IF NOT EXISTS sync_queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    collection TEXT NOT NULL,
    op TEXT NOT NULL,
    payload TEXT NOT NULL,
    enqueued_at TEXT NOT NULL
);`

	createDeadLetterTable = `CREATE TABLE IF NOT EXISTS dead_letter (
    seq INTEGER PRIMARY KEY,
    collection TEXT NOT NULL,
    op TEXT NOT NULL,
    payload TEXT NOT NULL,
    reason TEXT NOT NULL,
    failed_at TEXT NOT NULL
);`
)

const (
	idxRoomsProject    = `CREATE INDEX IF NOT EXISTS idx_rooms_project ON rooms(project_id);`
	idxObjectsRoom     = `CREATE INDEX IF NOT EXISTS idx_objects_room ON objects(room_id);`
	idxPalettesProject = `CREATE INDEX IF NOT EXISTS idx_palettes_project ON palettes(project_id);`
)

var schemaDDL = []string{
	createProjectsTable,
	createRoomsTable,
	createObjectsTable,
	createPalettesTable,
	createSyncQueueTable,
	createDeadLetterTable,
	idxRoomsProject,
	idxObjectsRoom,
	idxPalettesProject,
}

// tableInfo maps a collection name to its cache table and indexed
// parent-reference column (empty for top-level collections).
type tableInfo struct {
	table    string
	indexCol string
}

var collectionTables = map[string]tableInfo{
	CollectionProjects: {table: "projects"},
	CollectionRooms:    {table: "rooms", indexCol: "project_id"},
	CollectionObjects:  {table: "objects", indexCol: "room_id"},
	CollectionPalettes: {table: "palettes", indexCol: "project_id"},
}

func tableFor(collection string) (tableInfo, error) {
	t, ok := collectionTables[collection]
	if !ok {
		return tableInfo{}, fmt.Errorf("unknown collection %q", collection)
	}
	return t, nil
}

// referenceFields are the payload keys that can hold an entity identity and
// therefore participate in temporary-to-permanent id rewriting.
var referenceFields = []string{"id", "project_id", "room_id"}

// ============================================================================
// Store
// ============================================================================

// Store is the durable local cache: entity collections plus the ordered
// pending-mutation queue and the dead-letter set. All writes persist across
// process restarts while the medium is healthy.
//
// If the medium is unavailable at open or fails mid-session, the store
// degrades to memory-only operation for the remainder of the session: the
// same API keeps working against an in-memory mirror, the fault is logged,
// and no StorageUnavailable condition escapes to callers. After a
// mid-session degrade the mirror holds only records written during this
// session; older cached state is unreachable until the medium returns.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	degraded bool
	mem      *memStore
	logger   *slog.Logger
}

// OpenStore opens (or creates) the cache database at path. It never fails
// hard: an unusable medium yields a degraded, memory-only store.
func OpenStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{mem: newMemStore(), logger: logger}

	db, err := openDB(path)
	if err != nil {
		s.degraded = true
		s.logger.Warn("local store unavailable, degrading to memory-only",
			"path", path, "error", err)
		return s
	}
	s.db = db
	return s
}

func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for _, ddl := range schemaDDL {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: init schema: %v", ErrStorageUnavailable, err)
		}
	}
	return db, nil
}

// Degraded reports whether the store has fallen back to memory-only
// operation for this session.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Close releases the underlying database. The store must not be used after.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// degradeLocked flips the store to memory-only after a medium fault.
// The in-memory mirror already holds every write made this session, so the
// failed operation has taken effect from the caller's point of view.
func (s *Store) degradeLocked(op string, err error) {
	if s.degraded {
		return
	}
	s.degraded = true
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.logger.Warn("local store fault, degrading to memory-only", "op", op, "error", err)
}

// ── Records ─────────────────────────────────────────────────────────────────

// Get returns the cached record for id, or ErrNotFound.
func (s *Store) Get(collection, id string) (Record, error) {
	t, err := tableFor(collection)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degraded {
		var data string
		row := s.db.QueryRow(`SELECT data FROM `+t.table+` WHERE id = ?`, id)
		switch err := row.Scan(&data); err {
		case nil:
			return decodeRecord([]byte(data))
		case sql.ErrNoRows:
			return nil, ErrNotFound
		default:
			s.degradeLocked("get", err)
		}
	}
	return s.mem.get(collection, id)
}

// List returns every cached record in the collection.
func (s *Store) List(collection string) ([]Record, error) {
	return s.listWhere(collection, "", "")
}

// ListByIndex returns the records whose parent-reference column (project_id
// for rooms and palettes, room_id for objects) equals value.
func (s *Store) ListByIndex(collection, value string) ([]Record, error) {
	t, err := tableFor(collection)
	if err != nil {
		return nil, err
	}
	if t.indexCol == "" {
		return nil, fmt.Errorf("collection %q has no index", collection)
	}
	return s.listWhere(collection, t.indexCol, value)
}

func (s *Store) listWhere(collection, col, value string) ([]Record, error) {
	t, err := tableFor(collection)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degraded {
		q := `SELECT data FROM ` + t.table + ` ORDER BY updated_at`
		var args []any
		if col != "" {
			q = `SELECT data FROM ` + t.table + ` WHERE ` + col + ` = ? ORDER BY updated_at`
			args = append(args, value)
		}
		rows, err := s.db.Query(q, args...)
		if err != nil {
			s.degradeLocked("list", err)
		} else {
			defer rows.Close()
			var out []Record
			for rows.Next() {
				var data string
				if err := rows.Scan(&data); err != nil {
					s.degradeLocked("list", err)
					return s.mem.list(collection, col, value), nil
				}
				rec, err := decodeRecord([]byte(data))
				if err != nil {
					continue // skip corrupt rows rather than fail the read
				}
				out = append(out, rec)
			}
			if err := rows.Err(); err != nil {
				s.degradeLocked("list", err)
				return s.mem.list(collection, col, value), nil
			}
			return out, nil
		}
	}
	return s.mem.list(collection, col, value), nil
}

// Put upserts rec by its identity. The record must carry an "id" field.
func (s *Store) Put(collection string, rec Record) error {
	t, err := tableFor(collection)
	if err != nil {
		return err
	}
	id := recordID(rec)
	if id == "" {
		return fmt.Errorf("put %s: record has no id", collection)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("put %s: %w", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem.put(collection, id, rec)
	if s.degraded {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var q string
	var args []any
	if t.indexCol != "" {
		idxVal, _ := rec[t.indexCol].(string)
		q = `INSERT INTO ` + t.table + ` (id, ` + t.indexCol + `, data, updated_at) VALUES (?, ?, ?, ?)
		     ON CONFLICT(id) DO UPDATE SET ` + t.indexCol + ` = excluded.` + t.indexCol + `, data = excluded.data, updated_at = excluded.updated_at`
		args = []any{id, idxVal, string(data), now}
	} else {
		q = `INSERT INTO ` + t.table + ` (id, data, updated_at) VALUES (?, ?, ?)
		     ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
		args = []any{id, string(data), now}
	}
	if _, err := s.db.Exec(q, args...); err != nil {
		s.degradeLocked("put", err)
	}
	return nil
}

// Delete removes the record by identity. Deleting an absent record is a
// no-op.
func (s *Store) Delete(collection, id string) error {
	t, err := tableFor(collection)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem.delete(collection, id)
	if s.degraded {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM `+t.table+` WHERE id = ?`, id); err != nil {
		s.degradeLocked("delete", err)
	}
	return nil
}

// ── Mutation queue ──────────────────────────────────────────────────────────

// EnqueueMutation appends a pending mutation and returns its ordering seq.
func (s *Store) EnqueueMutation(collection string, op Op, payload json.RawMessage) (int64, error) {
	if _, err := tableFor(collection); err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degraded {
		res, err := s.db.Exec(
			`INSERT INTO sync_queue (collection, op, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
			collection, string(op), string(payload), now.Format(time.RFC3339Nano))
		if err != nil {
			s.degradeLocked("enqueue", err)
		} else {
			seq, err := res.LastInsertId()
			if err != nil {
				s.degradeLocked("enqueue", err)
			} else {
				s.mem.enqueueWithSeq(PendingMutation{
					Seq: seq, Collection: collection, Op: op,
					Payload: append(json.RawMessage(nil), payload...), EnqueuedAt: now,
				})
				return seq, nil
			}
		}
	}
	return s.mem.enqueue(PendingMutation{
		Collection: collection, Op: op,
		Payload: append(json.RawMessage(nil), payload...), EnqueuedAt: now,
	}), nil
}

// ListMutations returns the pending queue in strict insertion order.
func (s *Store) ListMutations() ([]PendingMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listMutationsLocked()
}

func (s *Store) listMutationsLocked() ([]PendingMutation, error) {
	if !s.degraded {
		rows, err := s.db.Query(`SELECT seq, collection, op, payload, enqueued_at FROM sync_queue ORDER BY seq`)
		if err != nil {
			s.degradeLocked("list mutations", err)
			return s.mem.mutations(), nil
		}
		defer rows.Close()
		var out []PendingMutation
		for rows.Next() {
			var m PendingMutation
			var op, payload, at string
			if err := rows.Scan(&m.Seq, &m.Collection, &op, &payload, &at); err != nil {
				s.degradeLocked("list mutations", err)
				return s.mem.mutations(), nil
			}
			m.Op = Op(op)
			m.Payload = json.RawMessage(payload)
			m.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, at)
			out = append(out, m)
		}
		if err := rows.Err(); err != nil {
			s.degradeLocked("list mutations", err)
			return s.mem.mutations(), nil
		}
		return out, nil
	}
	return s.mem.mutations(), nil
}

// AckMutation removes the single confirmed entry. Entries are only ever
// removed after confirmation, never reordered, which keeps an interrupted
// drain resumable.
func (s *Store) AckMutation(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem.ack(seq)
	if s.degraded {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM sync_queue WHERE seq = ?`, seq); err != nil {
		s.degradeLocked("ack", err)
	}
	return nil
}

// ClearMutations drops the whole pending queue.
func (s *Store) ClearMutations() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem.clearQueue()
	if s.degraded {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM sync_queue`); err != nil {
		s.degradeLocked("clear mutations", err)
	}
	return nil
}

// PendingCount returns the number of queued mutations.
func (s *Store) PendingCount() int {
	muts, _ := s.ListMutations()
	return len(muts)
}

// ── Dead letters ────────────────────────────────────────────────────────────

// DeadLetter moves a permanently rejected entry out of the pending queue
// into the dead-letter set, retaining it for operator inspection.
func (s *Store) DeadLetter(m PendingMutation, reason string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem.deadLetter(m, reason, now)
	if s.degraded {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM sync_queue WHERE seq = ?`, m.Seq); err != nil {
		s.degradeLocked("dead letter", err)
		return nil
	}
	if _, err := s.db.Exec(
		`INSERT INTO dead_letter (seq, collection, op, payload, reason, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.Seq, m.Collection, string(m.Op), string(m.Payload), reason, now.Format(time.RFC3339Nano)); err != nil {
		s.degradeLocked("dead letter", err)
	}
	return nil
}

// ListDeadLetters returns the dead-letter set in failure order.
func (s *Store) ListDeadLetters() ([]DeadMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degraded {
		rows, err := s.db.Query(`SELECT seq, collection, op, payload, reason, failed_at FROM dead_letter ORDER BY seq`)
		if err != nil {
			s.degradeLocked("list dead letters", err)
			return s.mem.deadLetters(), nil
		}
		defer rows.Close()
		var out []DeadMutation
		for rows.Next() {
			var d DeadMutation
			var op, payload, at string
			if err := rows.Scan(&d.Seq, &d.Collection, &op, &payload, &d.Reason, &at); err != nil {
				s.degradeLocked("list dead letters", err)
				return s.mem.deadLetters(), nil
			}
			d.Op = Op(op)
			d.Payload = json.RawMessage(payload)
			d.FailedAt, _ = time.Parse(time.RFC3339Nano, at)
			out = append(out, d)
		}
		return out, nil
	}
	return s.mem.deadLetters(), nil
}

// RewriteQueuedID replaces every reference to oldID (in id, project_id and
// room_id payload fields) across the pending queue with newID. Used after a
// temporary identity is confirmed so that later queued mutations still
// target the right remote record when replayed in order.
func (s *Store) RewriteQueuedID(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	muts, err := s.listMutationsLocked()
	if err != nil {
		return err
	}
	for _, m := range muts {
		payload, changed := rewriteRefs(m.Payload, oldID, newID)
		if !changed {
			continue
		}
		s.mem.rewritePayload(m.Seq, payload)
		if !s.degraded {
			if _, err := s.db.Exec(`UPDATE sync_queue SET payload = ? WHERE seq = ?`, string(payload), m.Seq); err != nil {
				s.degradeLocked("rewrite queued id", err)
			}
		}
	}
	return nil
}

func rewriteRefs(payload json.RawMessage, oldID, newID string) (json.RawMessage, bool) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return payload, false
	}
	changed := false
	for _, field := range referenceFields {
		if v, ok := rec[field].(string); ok && v == oldID {
			rec[field] = newID
			changed = true
		}
	}
	if !changed {
		return payload, false
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return payload, false
	}
	return out, true
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ============================================================================
// In-memory mirror
// ============================================================================

// memStore mirrors every write made through the Store so the session can
// continue if the durable medium fails. It is not goroutine-safe on its own;
// the Store's mutex guards it.
type memStore struct {
	records map[string]map[string]Record
	queue   []PendingMutation
	dead    []DeadMutation
	nextSeq int64
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]map[string]Record),
		nextSeq: 1,
	}
}

func (m *memStore) bucket(collection string) map[string]Record {
	b, ok := m.records[collection]
	if !ok {
		b = make(map[string]Record)
		m.records[collection] = b
	}
	return b
}

func (m *memStore) get(collection, id string) (Record, error) {
	rec, ok := m.bucket(collection)[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *memStore) list(collection, col, value string) []Record {
	var out []Record
	for _, rec := range m.bucket(collection) {
		if col != "" {
			if v, _ := rec[col].(string); v != value {
				continue
			}
		}
		out = append(out, cloneRecord(rec))
	}
	return out
}

func (m *memStore) put(collection, id string, rec Record) {
	m.bucket(collection)[id] = cloneRecord(rec)
}

func (m *memStore) delete(collection, id string) {
	delete(m.bucket(collection), id)
}

func (m *memStore) enqueue(mut PendingMutation) int64 {
	mut.Seq = m.nextSeq
	m.nextSeq++
	m.queue = append(m.queue, mut)
	return mut.Seq
}

func (m *memStore) enqueueWithSeq(mut PendingMutation) {
	m.queue = append(m.queue, mut)
	if mut.Seq >= m.nextSeq {
		m.nextSeq = mut.Seq + 1
	}
}

func (m *memStore) mutations() []PendingMutation {
	out := make([]PendingMutation, len(m.queue))
	copy(out, m.queue)
	return out
}

func (m *memStore) ack(seq int64) {
	for i, mut := range m.queue {
		if mut.Seq == seq {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *memStore) clearQueue() {
	m.queue = nil
}

func (m *memStore) rewritePayload(seq int64, payload json.RawMessage) {
	for i := range m.queue {
		if m.queue[i].Seq == seq {
			m.queue[i].Payload = payload
			return
		}
	}
}

func (m *memStore) deadLetter(mut PendingMutation, reason string, at time.Time) {
	m.ack(mut.Seq)
	m.dead = append(m.dead, DeadMutation{PendingMutation: mut, Reason: reason, FailedAt: at})
}

func (m *memStore) deadLetters() []DeadMutation {
	out := make([]DeadMutation, len(m.dead))
	copy(out, m.dead)
	return out
}
