// Package designsync is the offline-first data cache and synchronization
// engine for the Interior Systems collaborative editor.
//
// It keeps the editor working without network connectivity: reads and
// writes go through a durable local cache, offline mutations queue up for
// replay, and a sync engine drains the queue in order when connectivity
// returns while a realtime channel merges server-side changes into the same
// in-memory state.
//
// Example:
//
//	store := designsync.OpenStore(cachePath, nil)
//	monitor := designsync.NewMonitor(true, designsync.DefaultDebounceWindow)
//	client := designsync.NewClient(token, store, monitor)
//
//	engine := designsync.NewSyncEngine(client)
//	go engine.Run(ctx)
//
//	rt := designsync.NewRealtime(client, nil)
//	sub, _ := rt.SubscribeProject(ctx, projectID)
//	defer sub.Close()
//
//	rooms, _ := client.Rooms.List(ctx, projectID)
package designsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://api.interior-systems.dev"

	// DefaultTimeout bounds every remote call at the gateway boundary so a
	// hung request surfaces as a RemoteOperationFailed instead of wedging
	// the sync engine's single-flight drain.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the remote data gateway. Every operation consults the
// connectivity monitor first: online operations go to the remote store and
// cache the confirmed result; offline operations apply optimistically to
// the local cache and enqueue a pending mutation. Writes are visible to
// subsequent reads from this process before network confirmation completes.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	store   *Store
	monitor *Monitor
	state   *State
	events  *emitter

	Projects *ProjectsClient
	Rooms    *RoomsClient
	Objects  *ObjectsClient
	Palettes *PalettesClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different remote store.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout bound at the gateway.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for background-fault reporting.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a gateway over the given local store and connectivity
// monitor. token is the bearer session token supplied by the auth
// collaborator. Both collaborators are injected so tests can substitute
// doubles for the remote store and the network signal.
func NewClient(token string, store *Store, monitor *Monitor, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:  slog.Default(),
		store:   store,
		monitor: monitor,
		state:   NewState(),
		events:  newEmitter(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Projects = &ProjectsClient{c: c}
	c.Rooms = &RoomsClient{c: c}
	c.Objects = &ObjectsClient{c: c}
	c.Palettes = &PalettesClient{c: c}

	monitor.OnChange(func(online bool) {
		if online {
			c.events.emit(EventNetworkOnline, nil)
		} else {
			c.events.emit(EventNetworkOffline, nil)
		}
	})
	return c
}

// SetToken replaces the bearer token, e.g. after the auth collaborator
// refreshes the session.
func (c *Client) SetToken(token string) { c.token = token }

// State returns the in-memory entity state the UI reads from.
func (c *Client) State() *State { return c.state }

// Store returns the durable local store.
func (c *Client) Store() *Store { return c.store }

// Monitor returns the connectivity monitor.
func (c *Client) Monitor() *Monitor { return c.monitor }

// On registers an event handler for SDK events (sync.*, mutation.*,
// realtime.*, network.*).
func (c *Client) On(event string, h EventHandler) { c.events.On(event, h) }

// Close drops all registered event handlers.
func (c *Client) Close() { c.events.removeAll() }

// ============================================================================
// Remote boundary
// ============================================================================

// remoteDo performs one authenticated request. Transport errors and non-2xx
// responses both come back as *RemoteOperationFailed; nothing here touches
// the local cache.
func (c *Client) remoteDo(ctx context.Context, collection string, op Op, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &RemoteOperationFailed{Collection: collection, Op: op, Err: err}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, &RemoteOperationFailed{Collection: collection, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteOperationFailed{Collection: collection, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteOperationFailed{Collection: collection, Op: op, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &RemoteOperationFailed{
			Collection: collection, Op: op,
			Status: resp.StatusCode,
			Remote: parseRemoteError(resp.StatusCode, data),
		}
	}
	return data, nil
}

func parseRemoteError(status int, data []byte) *RemoteError {
	var envelope struct {
		Error *RemoteError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return envelope.Error
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &RemoteError{Code: "HTTP_" + http.StatusText(status), Message: msg}
}

func (c *Client) remoteList(ctx context.Context, collection string, query map[string]string) ([]Record, error) {
	data, err := c.remoteDo(ctx, collection, "", http.MethodGet, "/api/"+collection, nil, query)
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, &RemoteOperationFailed{Collection: collection, Err: err}
	}
	return recs, nil
}

func (c *Client) remoteCreate(ctx context.Context, collection string, payload Record) (Record, error) {
	data, err := c.remoteDo(ctx, collection, OpInsert, http.MethodPost, "/api/"+collection, payload, nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, &RemoteOperationFailed{Collection: collection, Op: OpInsert, Err: err}
	}
	return rec, nil
}

func (c *Client) remoteUpdate(ctx context.Context, collection, id string, patch Record) (Record, error) {
	data, err := c.remoteDo(ctx, collection, OpUpdate, http.MethodPatch, "/api/"+collection+"/"+id, patch, nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, &RemoteOperationFailed{Collection: collection, Op: OpUpdate, Err: err}
	}
	return rec, nil
}

// remoteDelete tolerates 404: deleting an already-gone record is success,
// which keeps queued delete replays idempotent.
func (c *Client) remoteDelete(ctx context.Context, collection, id string) error {
	_, err := c.remoteDo(ctx, collection, OpDelete, http.MethodDelete, "/api/"+collection+"/"+id, nil, nil)
	var rof *RemoteOperationFailed
	if errors.As(err, &rof) && rof.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// ============================================================================
// Gateway operations
// ============================================================================

// listRecords serves a collection listing: online from the remote store
// (caching every fetched record), offline from the durable cache.
func (c *Client) listRecords(ctx context.Context, collection, indexValue string) ([]Record, error) {
	t, err := tableFor(collection)
	if err != nil {
		return nil, err
	}

	if c.monitor.Online() {
		var query map[string]string
		if indexValue != "" {
			query = map[string]string{t.indexCol: indexValue}
		}
		recs, err := c.remoteList(ctx, collection, query)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if recordID(rec) == "" {
				continue
			}
			if err := c.store.Put(collection, rec); err != nil {
				return nil, err
			}
			c.state.Put(collection, rec)
		}
		return recs, nil
	}

	if indexValue != "" {
		return c.store.ListByIndex(collection, indexValue)
	}
	return c.store.List(collection)
}

// createRecord creates an entity. Online: remote first, cache the confirmed
// record. Offline: synthesize a temporary identity, apply optimistically,
// enqueue an insert mutation, return immediately.
func (c *Client) createRecord(ctx context.Context, collection string, rec Record) (Record, error) {
	if _, err := tableFor(collection); err != nil {
		return nil, err
	}
	rec = cloneRecord(rec)

	if c.monitor.Online() {
		confirmed, err := c.remoteCreate(ctx, collection, rec)
		if err != nil {
			return nil, err
		}
		if err := c.store.Put(collection, confirmed); err != nil {
			return nil, err
		}
		c.state.Put(collection, confirmed)
		return confirmed, nil
	}

	if recordID(rec) == "" {
		rec["id"] = tempID()
	}
	if err := c.store.Put(collection, rec); err != nil {
		return nil, err
	}
	c.state.Put(collection, rec)

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.EnqueueMutation(collection, OpInsert, payload); err != nil {
		return nil, err
	}
	return rec, nil
}

// updateRecord updates an entity. Online failure surfaces as
// RemoteOperationFailed with the local copy untouched. Offline applies the
// patch to the local copy immediately and enqueues the mutation.
func (c *Client) updateRecord(ctx context.Context, collection, id string, patch Record) (Record, error) {
	if _, err := tableFor(collection); err != nil {
		return nil, err
	}
	patch = cloneRecord(patch)
	delete(patch, "id")

	if c.monitor.Online() {
		confirmed, err := c.remoteUpdate(ctx, collection, id, patch)
		if err != nil {
			return nil, err
		}
		if err := c.store.Put(collection, confirmed); err != nil {
			return nil, err
		}
		c.state.Merge(collection, id, confirmed)
		return confirmed, nil
	}

	local, err := c.store.Get(collection, id)
	if errors.Is(err, ErrNotFound) {
		local = Record{"id": id}
	} else if err != nil {
		return nil, err
	}
	for k, v := range patch {
		local[k] = v
	}
	if err := c.store.Put(collection, local); err != nil {
		return nil, err
	}
	// The record may be cached durably without ever having been loaded into
	// state, so the full merged record goes in, not just the patch.
	c.state.Merge(collection, id, local)

	// The queued payload carries the identity plus the patched fields: the
	// full set needed to replay the operation.
	replay := cloneRecord(patch)
	replay["id"] = id
	payload, err := json.Marshal(replay)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.EnqueueMutation(collection, OpUpdate, payload); err != nil {
		return nil, err
	}
	return local, nil
}

// deleteRecord deletes an entity, locally and (online) remotely.
func (c *Client) deleteRecord(ctx context.Context, collection, id string) error {
	if _, err := tableFor(collection); err != nil {
		return err
	}

	if c.monitor.Online() {
		if err := c.remoteDelete(ctx, collection, id); err != nil {
			return err
		}
		if err := c.store.Delete(collection, id); err != nil {
			return err
		}
		c.state.Remove(collection, id)
		return nil
	}

	if err := c.store.Delete(collection, id); err != nil {
		return err
	}
	c.state.Remove(collection, id)

	payload, err := json.Marshal(Record{"id": id})
	if err != nil {
		return err
	}
	_, err = c.store.EnqueueMutation(collection, OpDelete, payload)
	return err
}

// ============================================================================
// Collection sub-clients
// ============================================================================

// ProjectsClient exposes gateway operations on the projects collection.
type ProjectsClient struct{ c *Client }

func (p *ProjectsClient) List(ctx context.Context) ([]Project, error) {
	recs, err := p.c.listRecords(ctx, CollectionProjects, "")
	if err != nil {
		return nil, err
	}
	return decodeAll[Project](recs), nil
}

func (p *ProjectsClient) Create(ctx context.Context, proj *Project) (*Project, error) {
	rec, err := encodeRecord(proj)
	if err != nil {
		return nil, err
	}
	out, err := p.c.createRecord(ctx, CollectionProjects, rec)
	if err != nil {
		return nil, err
	}
	return decodeAs[Project](out)
}

func (p *ProjectsClient) Update(ctx context.Context, id string, patch Record) (*Project, error) {
	out, err := p.c.updateRecord(ctx, CollectionProjects, id, patch)
	if err != nil {
		return nil, err
	}
	return decodeAs[Project](out)
}

func (p *ProjectsClient) Delete(ctx context.Context, id string) error {
	return p.c.deleteRecord(ctx, CollectionProjects, id)
}

// RoomsClient exposes gateway operations on the rooms collection.
type RoomsClient struct{ c *Client }

func (r *RoomsClient) List(ctx context.Context, projectID string) ([]Room, error) {
	recs, err := r.c.listRecords(ctx, CollectionRooms, projectID)
	if err != nil {
		return nil, err
	}
	return decodeAll[Room](recs), nil
}

func (r *RoomsClient) Create(ctx context.Context, room *Room) (*Room, error) {
	rec, err := encodeRecord(room)
	if err != nil {
		return nil, err
	}
	out, err := r.c.createRecord(ctx, CollectionRooms, rec)
	if err != nil {
		return nil, err
	}
	return decodeAs[Room](out)
}

func (r *RoomsClient) Update(ctx context.Context, id string, patch Record) (*Room, error) {
	out, err := r.c.updateRecord(ctx, CollectionRooms, id, patch)
	if err != nil {
		return nil, err
	}
	return decodeAs[Room](out)
}

// SetCanvas writes a room's canvas-state blob whole. The blob is opaque to
// this package and is never merged field-wise.
func (r *RoomsClient) SetCanvas(ctx context.Context, id string, canvas json.RawMessage) (*Room, error) {
	return r.Update(ctx, id, Record{"canvas_data": json.RawMessage(canvas)})
}

func (r *RoomsClient) Delete(ctx context.Context, id string) error {
	return r.c.deleteRecord(ctx, CollectionRooms, id)
}

// ObjectsClient exposes gateway operations on the objects collection.
type ObjectsClient struct{ c *Client }

func (o *ObjectsClient) List(ctx context.Context, roomID string) ([]DesignObject, error) {
	recs, err := o.c.listRecords(ctx, CollectionObjects, roomID)
	if err != nil {
		return nil, err
	}
	return decodeAll[DesignObject](recs), nil
}

func (o *ObjectsClient) Create(ctx context.Context, obj *DesignObject) (*DesignObject, error) {
	rec, err := encodeRecord(obj)
	if err != nil {
		return nil, err
	}
	out, err := o.c.createRecord(ctx, CollectionObjects, rec)
	if err != nil {
		return nil, err
	}
	return decodeAs[DesignObject](out)
}

func (o *ObjectsClient) Update(ctx context.Context, id string, patch Record) (*DesignObject, error) {
	out, err := o.c.updateRecord(ctx, CollectionObjects, id, patch)
	if err != nil {
		return nil, err
	}
	return decodeAs[DesignObject](out)
}

func (o *ObjectsClient) Delete(ctx context.Context, id string) error {
	return o.c.deleteRecord(ctx, CollectionObjects, id)
}

// PalettesClient exposes gateway operations on the palettes collection.
type PalettesClient struct{ c *Client }

func (p *PalettesClient) List(ctx context.Context) ([]Palette, error) {
	recs, err := p.c.listRecords(ctx, CollectionPalettes, "")
	if err != nil {
		return nil, err
	}
	return decodeAll[Palette](recs), nil
}

func (p *PalettesClient) ListByProject(ctx context.Context, projectID string) ([]Palette, error) {
	recs, err := p.c.listRecords(ctx, CollectionPalettes, projectID)
	if err != nil {
		return nil, err
	}
	return decodeAll[Palette](recs), nil
}

func (p *PalettesClient) Create(ctx context.Context, palette *Palette) (*Palette, error) {
	rec, err := encodeRecord(palette)
	if err != nil {
		return nil, err
	}
	out, err := p.c.createRecord(ctx, CollectionPalettes, rec)
	if err != nil {
		return nil, err
	}
	return decodeAs[Palette](out)
}

func (p *PalettesClient) Update(ctx context.Context, id string, patch Record) (*Palette, error) {
	out, err := p.c.updateRecord(ctx, CollectionPalettes, id, patch)
	if err != nil {
		return nil, err
	}
	return decodeAs[Palette](out)
}

func (p *PalettesClient) Delete(ctx context.Context, id string) error {
	return p.c.deleteRecord(ctx, CollectionPalettes, id)
}

// ============================================================================
// Identity helpers
// ============================================================================

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to UUID v4 if v7 generation fails
		return uuid.New().String()
	}
	return id.String()
}

// tempID synthesizes a temporary offline identity, distinguishable from
// remote-assigned identities by its prefix and time-ordered within a
// session.
func tempID() string {
	return TempIDPrefix + newID()
}

// IsTempID reports whether id was assigned locally while offline.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
