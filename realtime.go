package designsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures project subscriptions.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ReconnectAttempt is the payload of EventRealtimeReconnecting.
type ReconnectAttempt struct {
	ProjectID string
	Attempt   int
	Delay     time.Duration
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Realtime
// ============================================================================

// Realtime manages the project change-feed subscription. At most one project
// is subscribed at a time: subscribing to a new project tears the previous
// subscription down first, so events for a project the user has navigated
// away from are never applied.
//
// Server-originated change events merge into the in-memory entity state
// only; they never touch the pending mutation queue.
type Realtime struct {
	c      *Client
	config *RealtimeConfig

	mu  sync.Mutex
	sub *ProjectSubscription
}

// NewRealtime creates a realtime manager. A nil config enables
// auto-reconnect with default backoff.
func NewRealtime(c *Client, config *RealtimeConfig) *Realtime {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	return &Realtime{c: c, config: config}
}

// SubscribeProject opens the change feed for projectID, replacing any
// previous subscription. A dial failure comes back as *SubscriptionError.
func (r *Realtime) SubscribeProject(ctx context.Context, projectID string) (*ProjectSubscription, error) {
	r.mu.Lock()
	prev := r.sub
	r.sub = nil
	r.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	sub := &ProjectSubscription{
		c:         r.c,
		config:    r.config,
		projectID: projectID,
		recon:     newReconnector(r.config),
	}
	// The subscription outlives the dial context; only Close ends it.
	sub.ctx, sub.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := sub.connect(ctx); err != nil {
		sub.cancel()
		return nil, &SubscriptionError{ProjectID: projectID, Err: err}
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return sub, nil
}

// Active returns the current subscription, or nil.
func (r *Realtime) Active() *ProjectSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

// Close tears down the active subscription, if any.
func (r *Realtime) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// ============================================================================
// ProjectSubscription
// ============================================================================

// ProjectSubscription is one live change-feed connection. It reconnects on
// connection drops with exponential backoff and applies every received
// change event to the entity state.
type ProjectSubscription struct {
	c         *Client
	config    *RealtimeConfig
	projectID string
	recon     *reconnector

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// ProjectID returns the subscribed project.
func (s *ProjectSubscription) ProjectID() string { return s.projectID }

func (s *ProjectSubscription) connect(dialCtx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("subscription closed")
	}
	s.mu.Unlock()

	wsURL := strings.Replace(s.c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime/projects/" + s.projectID + "?token=" + url.QueryEscape(s.c.token)

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("subscription closed")
	}
	s.conn = conn
	s.mu.Unlock()

	s.recon.markConnected()
	s.c.events.emit(EventRealtimeConnected, s.projectID)

	go s.readLoop(s.ctx, conn)
	return nil
}

// Close tears the subscription down. No further events are applied.
func (s *ProjectSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	}
}

func (s *ProjectSubscription) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.conn = nil
			s.mu.Unlock()
			if closed {
				return
			}

			s.c.events.emit(EventRealtimeDisconnected, s.projectID)
			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect(ctx)
			} else {
				s.c.logger.Warn("realtime subscription lost",
					"project_id", s.projectID, "error", err)
				s.c.events.emit(EventRealtimeError,
					&SubscriptionError{ProjectID: s.projectID, Err: err})
			}
			return
		}

		var ev ChangeEvent
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		// Events for a project this subscription does not own are dropped.
		if ev.ProjectID != "" && ev.ProjectID != s.projectID {
			continue
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.apply(ev)
	}
}

// apply merges one server-originated change event into the entity state.
// An update for an unknown record is treated as an insert; a delete for an
// unknown record is a no-op.
func (s *ProjectSubscription) apply(ev ChangeEvent) {
	switch ev.EventType {
	case EventInsert:
		s.c.state.InsertIfAbsent(ev.Collection, ev.New)
	case EventUpdate:
		id := recordID(ev.New)
		if id == "" {
			id = recordID(ev.Old)
		}
		s.c.state.Merge(ev.Collection, id, ev.New)
	case EventDelete:
		id := recordID(ev.Old)
		if id == "" {
			id = recordID(ev.New)
		}
		if id != "" {
			s.c.state.Remove(ev.Collection, id)
		}
	}
}

func (s *ProjectSubscription) scheduleReconnect(ctx context.Context) {
	delay := s.recon.nextDelay()
	s.c.events.emit(EventRealtimeReconnecting, ReconnectAttempt{
		ProjectID: s.projectID,
		Attempt:   s.recon.attempt,
		Delay:     delay,
	})

	select {
	case <-time.After(delay):
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if err := s.connect(ctx); err != nil {
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect(ctx)
			return
		}
		s.c.logger.Warn("realtime resubscribe gave up",
			"project_id", s.projectID, "error", err)
		s.c.events.emit(EventRealtimeError,
			&SubscriptionError{ProjectID: s.projectID, Err: err})
	}
}
