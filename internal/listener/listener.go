// Package listener maintains the persistent websocket connection to the
// agent platform: authenticate, subscribe, deliver events, and reconnect
// with capped exponential backoff until stopped.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"trustgate/internal/config"
	"trustgate/internal/logging"
	"trustgate/internal/types"
)

var (
	// ErrAuthRejected is fatal: the server refused the token.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrMaxAttempts is returned when the optional reconnect cap is reached.
	ErrMaxAttempts = errors.New("max connection attempts reached")
)

// Handler receives one decoded event. It runs on the read loop, so it should
// hand work off rather than block.
type Handler func(ctx context.Context, ev types.DecisionEvent)

// Options configures a Listener.
type Options struct {
	URL             string
	Token           string
	EventTypes      []string
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxAttempts     int // 0 = retry forever
	ShutdownTimeout time.Duration
	AuthTimeout     time.Duration
}

// OptionsFromConfig extracts listener options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:             cfg.Listener.URL,
		Token:           cfg.Listener.Token,
		EventTypes:      cfg.Listener.EventTypes,
		InitialBackoff:  cfg.GetInitialBackoff(),
		MaxBackoff:      cfg.GetMaxBackoff(),
		MaxAttempts:     cfg.Listener.MaxAttempts,
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	}
}

// Listener is the EventListener.
type Listener struct {
	opts   Options
	dialer *websocket.Dialer

	mu         sync.Mutex
	handlers   []Handler
	onPresence []func(bool)
	eventTypes map[string]bool
	conn       *Conn
	cancel     context.CancelFunc
	done       chan struct{}
	// stopped is final: a Run that starts after Stop returns at once.
	stopped bool
}

// New creates a listener. Call OnEvent before Run.
func New(opts Options) *Listener {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	l := &Listener{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
	l.Subscribe(opts.EventTypes...)
	return l
}

// Subscribe sets the event types requested on every (re)connect. An empty
// list accepts every event type.
func (l *Listener) Subscribe(eventTypes ...string) {
	set := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		set[t] = true
	}
	l.mu.Lock()
	l.eventTypes = set
	l.mu.Unlock()
}

// OnEvent registers a handler for decision events.
func (l *Listener) OnEvent(h Handler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

// OnPresence registers a callback for human presence updates.
func (l *Listener) OnPresence(f func(connected bool)) {
	l.mu.Lock()
	l.onPresence = append(l.onPresence, f)
	l.mu.Unlock()
}

// Connected reports whether an authenticated session is live.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// =============================================================================
// CONNECTION
// =============================================================================

// Conn is one authenticated websocket session.
type Conn struct {
	ws *websocket.Conn
	// wmu serializes writes; gorilla allows one concurrent writer.
	wmu sync.Mutex
}

func (c *Conn) writeJSON(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Connect dials, authenticates, and subscribes.
func (l *Listener) Connect(ctx context.Context) (*Conn, error) {
	header := http.Header{}
	ws, _, err := l.dialer.DialContext(ctx, l.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", l.opts.URL, err)
	}
	c := &Conn{ws: ws}

	// Cancellation closes the socket so a server that never answers auth
	// cannot hold the handshake open until AuthTimeout.
	handshake := make(chan struct{})
	defer close(handshake)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-handshake:
		}
	}()

	if err := c.writeJSON(outbound{Type: frameAuth, Token: l.opts.Token}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to send auth: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(l.opts.AuthTimeout))
	var reply inbound
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("handshake interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to read auth reply: %w", err)
	}
	switch reply.Type {
	case frameAuthOK:
	case frameAuthError:
		ws.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, reply.Message)
	default:
		ws.Close()
		return nil, fmt.Errorf("unexpected auth reply %q", reply.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})

	l.mu.Lock()
	events := make([]string, 0, len(l.eventTypes))
	for t := range l.eventTypes {
		events = append(events, t)
	}
	l.mu.Unlock()
	if err := c.writeJSON(outbound{Type: frameSubscribe, Events: events}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	logging.Listener("connected to %s (subscribed to %v)", l.opts.URL, events)
	return c, nil
}

// =============================================================================
// RUN LOOP
// =============================================================================

// Run connects and reads events until ctx is cancelled or Stop is called
// (returns nil), the server rejects authentication (ErrAuthRejected), or the
// attempt cap is reached (ErrMaxAttempts).
func (l *Listener) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		cancel()
		return nil
	}
	if l.done != nil {
		l.mu.Unlock()
		cancel()
		return fmt.Errorf("listener already running")
	}
	l.cancel, l.done = cancel, done
	l.mu.Unlock()

	defer func() {
		cancel()
		l.mu.Lock()
		l.cancel, l.done = nil, nil
		l.mu.Unlock()
		close(done)
	}()

	backoff := l.newBackoff()
	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := l.Connect(ctx)
		if err == nil {
			backoff = l.newBackoff()
			attempts = 0
			err = l.serve(ctx, conn)
		}
		if errors.Is(err, ErrAuthRejected) {
			logging.Get(logging.CategoryListener).Error("giving up: %v", err)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		attempts++
		if l.opts.MaxAttempts > 0 && attempts >= l.opts.MaxAttempts {
			return fmt.Errorf("%w (%d): %v", ErrMaxAttempts, attempts, err)
		}

		wait, _ := backoff.Next()
		logging.Get(logging.CategoryListener).Warn("connection lost (%v), reconnecting in %v", err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// newBackoff is exponential from InitialBackoff, capped at MaxBackoff.
func (l *Listener) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(l.opts.MaxBackoff, retry.NewExponential(l.opts.InitialBackoff))
}

// serve reads frames until the connection fails or ctx ends.
func (l *Listener) serve(ctx context.Context, conn *Conn) error {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		conn.Close()
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
	}()
	// Unblock ReadJSON on cancellation.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var frame inbound
		if err := conn.ws.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		switch frame.Type {
		case frameEvent:
			l.dispatch(ctx, frame)
		case framePing:
			if err := conn.writeJSON(outbound{Type: framePong}); err != nil {
				return fmt.Errorf("failed to answer ping: %w", err)
			}
		case framePresence:
			var p presenceData
			if err := json.Unmarshal(frame.Data, &p); err != nil {
				logging.ListenerDebug("malformed presence frame: %v", err)
				continue
			}
			l.mu.Lock()
			callbacks := append([]func(bool){}, l.onPresence...)
			l.mu.Unlock()
			for _, f := range callbacks {
				f(p.Connected)
			}
		case frameError:
			logging.Get(logging.CategoryListener).Warn("server error frame: %s", frame.Message)
		default:
			logging.ListenerDebug("ignoring frame type %q", frame.Type)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, frame inbound) {
	l.mu.Lock()
	subscribed := len(l.eventTypes) == 0 || l.eventTypes[frame.Event]
	handlers := append([]Handler{}, l.handlers...)
	l.mu.Unlock()

	if !subscribed {
		logging.ListenerDebug("dropping unsubscribed event type %q", frame.Event)
		return
	}

	var ev types.DecisionEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		logging.Get(logging.CategoryListener).Warn("malformed %s event: %v", frame.Event, err)
		return
	}
	if err := ev.Validate(); err != nil {
		logging.Get(logging.CategoryListener).Warn("invalid event: %v", err)
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	for _, h := range handlers {
		l.safeHandle(ctx, h, ev)
	}
}

func (l *Listener) safeHandle(ctx context.Context, h Handler, ev types.DecisionEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryListener).Error("event handler panicked on %s: %v", ev.ID, r)
		}
	}()
	h(ctx, ev)
}

// Stop cancels Run, closes the live connection, and waits up to the
// shutdown timeout for Run to return. A listener cannot be restarted: Run
// called after (or racing with) Stop returns nil without connecting.
func (l *Listener) Stop() error {
	l.mu.Lock()
	l.stopped = true
	cancel, done, conn := l.cancel, l.done, l.conn
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		conn.Close()
	}

	select {
	case <-done:
		logging.Listener("listener stopped")
		return nil
	case <-time.After(l.opts.ShutdownTimeout):
		return fmt.Errorf("listener did not stop within %v", l.opts.ShutdownTimeout)
	}
}
