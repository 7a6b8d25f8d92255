package designsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SyncEngine drains the pending mutation queue against the remote store.
// Drains are triggered by settled reconnect notifications from the
// connectivity monitor and are single-flight: a trigger arriving while a
// drain is running is a no-op, which together with the monitor's coalesced
// notifications means flapping connectivity never stacks concurrent drains.
type SyncEngine struct {
	c *Client

	mu       sync.Mutex
	draining bool
}

// NewSyncEngine creates a sync engine over the client's store, gateway and
// connectivity monitor.
func NewSyncEngine(c *Client) *SyncEngine {
	return &SyncEngine{c: c}
}

// Run blocks until ctx is done, draining the queue once at startup (when
// already online) and then after every settled reconnect.
func (e *SyncEngine) Run(ctx context.Context) {
	if e.c.monitor.Online() {
		e.drainLogged(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.c.monitor.Reconnect():
			e.drainLogged(ctx)
		}
	}
}

func (e *SyncEngine) drainLogged(ctx context.Context) {
	if err := e.Drain(ctx); err != nil {
		e.c.logger.Warn("sync drain incomplete", "error", err)
	}
}

// Drain replays the pending queue in strict insertion order. Each entry is
// confirmed remotely before it is removed; an interruption after N entries
// leaves exactly the unconfirmed remainder queued.
//
// A permanently rejected entry (remote 4xx, or a payload that cannot be
// replayed) moves to the dead-letter set and the drain continues. A
// transient failure (transport error, timeout, 5xx) stops the drain and
// returns *SyncPartialFailure; the remainder drains on the next trigger.
func (e *SyncEngine) Drain(ctx context.Context) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil
	}
	e.draining = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}()

	pending, err := e.c.store.ListMutations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	e.c.events.emit(EventSyncStart, len(pending))

	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return e.partial(applied, err)
		}

		// Re-read the head each iteration: confirming a temporary identity
		// rewrites the payloads of entries still queued behind it.
		pending, err = e.c.store.ListMutations()
		if err != nil {
			return e.partial(applied, err)
		}
		if len(pending) == 0 {
			break
		}
		m := pending[0]

		if reason := validateMutation(m); reason != "" {
			e.deadLetter(m, reason)
			continue
		}

		if err := e.replay(ctx, m); err != nil {
			var rof *RemoteOperationFailed
			if errors.As(err, &rof) && rof.Permanent() {
				e.deadLetter(m, rof.Error())
				continue
			}
			return e.partial(applied, err)
		}
		applied++
	}

	e.c.events.emit(EventSyncComplete, applied)
	return nil
}

func (e *SyncEngine) partial(applied int, err error) error {
	pf := &SyncPartialFailure{
		Applied:   applied,
		Remaining: e.c.store.PendingCount(),
		Err:       err,
	}
	e.c.events.emit(EventSyncPartial, pf)
	return pf
}

func (e *SyncEngine) deadLetter(m PendingMutation, reason string) {
	if err := e.c.store.DeadLetter(m, reason); err != nil {
		e.c.logger.Warn("dead-lettering mutation failed", "seq", m.Seq, "error", err)
		return
	}
	e.c.logger.Warn("mutation permanently rejected",
		"seq", m.Seq, "collection", m.Collection, "op", string(m.Op), "reason", reason)
	e.c.events.emit(EventMutationDeadLetter, DeadMutation{
		PendingMutation: m,
		Reason:          reason,
		FailedAt:        time.Now().UTC(),
	})
}

// validateMutation reports why a queued entry cannot be replayed, or ""
// when it can.
func validateMutation(m PendingMutation) string {
	if _, err := tableFor(m.Collection); err != nil {
		return err.Error()
	}
	rec, err := decodeRecord(m.Payload)
	if err != nil {
		return "malformed payload: " + err.Error()
	}
	switch m.Op {
	case OpInsert:
	case OpUpdate, OpDelete:
		if recordID(rec) == "" {
			return "payload has no id"
		}
	default:
		return "unknown op " + string(m.Op)
	}
	return ""
}

// replay applies one queued entry to the remote store, reconciles the local
// caches with the confirmed result and acks the entry.
func (e *SyncEngine) replay(ctx context.Context, m PendingMutation) error {
	rec, err := decodeRecord(m.Payload)
	if err != nil {
		return err
	}

	switch m.Op {
	case OpInsert:
		return e.replayInsert(ctx, m, rec)

	case OpUpdate:
		id := recordID(rec)
		patch := cloneRecord(rec)
		delete(patch, "id")
		confirmed, err := e.c.remoteUpdate(ctx, m.Collection, id, patch)
		if err != nil {
			return err
		}
		if err := e.c.store.Put(m.Collection, confirmed); err != nil {
			return err
		}
		e.c.state.Merge(m.Collection, id, confirmed)
		if err := e.c.store.AckMutation(m.Seq); err != nil {
			return err
		}
		e.c.events.emit(EventMutationConfirmed, ConfirmedMapping{
			Collection: m.Collection, RemoteID: id,
		})
		return nil

	case OpDelete:
		id := recordID(rec)
		if err := e.c.remoteDelete(ctx, m.Collection, id); err != nil {
			return err
		}
		if err := e.c.store.Delete(m.Collection, id); err != nil {
			return err
		}
		e.c.state.Remove(m.Collection, id)
		if err := e.c.store.AckMutation(m.Seq); err != nil {
			return err
		}
		e.c.events.emit(EventMutationConfirmed, ConfirmedMapping{
			Collection: m.Collection, RemoteID: id,
		})
		return nil
	}
	return nil
}

// replayInsert confirms a queued insert. An insert queued under a temporary
// identity is sent without it so the remote store assigns the permanent one;
// the local record is then swapped for the confirmed record and every later
// queued reference to the temporary identity is rewritten, so replaying the
// rest of the queue in order targets the right remote record.
func (e *SyncEngine) replayInsert(ctx context.Context, m PendingMutation, rec Record) error {
	localID := recordID(rec)
	send := cloneRecord(rec)
	if IsTempID(localID) {
		delete(send, "id")
	}

	confirmed, err := e.c.remoteCreate(ctx, m.Collection, send)
	if err != nil {
		return err
	}
	remoteID := recordID(confirmed)

	if localID != "" && localID != remoteID {
		if err := e.c.store.Delete(m.Collection, localID); err != nil {
			return err
		}
		e.c.state.Remove(m.Collection, localID)
	}
	if err := e.c.store.Put(m.Collection, confirmed); err != nil {
		return err
	}
	e.c.state.Put(m.Collection, confirmed)

	if err := e.c.store.AckMutation(m.Seq); err != nil {
		return err
	}
	if IsTempID(localID) && remoteID != "" && localID != remoteID {
		if err := e.c.store.RewriteQueuedID(localID, remoteID); err != nil {
			return err
		}
	}

	mapping := ConfirmedMapping{Collection: m.Collection, RemoteID: remoteID}
	if IsTempID(localID) {
		mapping.TempID = localID
	}
	e.c.events.emit(EventMutationConfirmed, mapping)
	return nil
}
