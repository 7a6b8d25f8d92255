package designsync

import "sync"

// Event names emitted through Client.On. Background faults (sync, realtime)
// are reported here and through the injected logger, never thrown into the
// editing surface.
const (
	EventNetworkOnline  = "network.online"
	EventNetworkOffline = "network.offline"

	EventSyncStart    = "sync.start"
	EventSyncComplete = "sync.complete"
	EventSyncPartial  = "sync.partial"

	EventMutationConfirmed  = "mutation.confirmed"
	EventMutationDeadLetter = "mutation.deadletter"

	EventRealtimeConnected    = "realtime.connected"
	EventRealtimeDisconnected = "realtime.disconnected"
	EventRealtimeReconnecting = "realtime.reconnecting"
	EventRealtimeError        = "realtime.error"
)

// ConfirmedMapping is the payload of EventMutationConfirmed for an insert
// that was queued under a temporary identity. The editing surface uses it to
// remap references it owns, including ids embedded in canvas-state blobs.
type ConfirmedMapping struct {
	Collection string `json:"collection"`
	TempID     string `json:"temp_id,omitempty"`
	RemoteID   string `json:"remote_id"`
}

// EventHandler handles SDK events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
