package listener

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trustgate/internal/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePlatform is a websocket server speaking the event protocol. script runs
// after a successful subscribe; returning from it drops the connection.
type fakePlatform struct {
	srv        *httptest.Server
	rejectAuth bool
	script     func(n int, c *websocket.Conn)

	connects   atomic.Int32
	subscribed chan []string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakePlatform(t *testing.T, script func(n int, c *websocket.Conn)) *fakePlatform {
	t.Helper()
	p := &fakePlatform{script: script, subscribed: make(chan []string, 16)}
	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, c)
		p.mu.Unlock()
		defer c.Close()
		n := int(p.connects.Add(1))

		var auth outbound
		if err := c.ReadJSON(&auth); err != nil || auth.Type != frameAuth {
			return
		}
		if p.rejectAuth || auth.Token != "secret" {
			_ = c.WriteJSON(inbound{Type: frameAuthError, Message: "bad token"})
			return
		}
		_ = c.WriteJSON(inbound{Type: frameAuthOK})

		var sub outbound
		if err := c.ReadJSON(&sub); err != nil || sub.Type != frameSubscribe {
			return
		}
		select {
		case p.subscribed <- sub.Events:
		default:
		}
		if p.script != nil {
			p.script(n, c)
		}
	}))
	t.Cleanup(p.close)
	return p
}

func (p *fakePlatform) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakePlatform) close() {
	p.mu.Lock()
	for _, c := range p.conns {
		c.Close()
	}
	p.mu.Unlock()
	p.srv.Close()
}

// holdOpen blocks until the client goes away.
func holdOpen(_ int, c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func pushEvent(t *testing.T, c *websocket.Conn, eventType string, ev types.DecisionEvent) {
	data, err := json.Marshal(ev)
	if !assert.NoError(t, err) {
		return
	}
	assert.NoError(t, c.WriteJSON(inbound{Type: frameEvent, Event: eventType, Data: data}))
}

func testOptions(url string) Options {
	return Options{
		URL:             url,
		Token:           "secret",
		EventTypes:      []string{"decision_request"},
		InitialBackoff:  10 * time.Millisecond,
		MaxBackoff:      50 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
		AuthTimeout:     time.Second,
	}
}

func runAsync(l *Listener, ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestDeliversSubscribedEventsOnly(t *testing.T) {
	pong := make(chan string, 1)
	p := newFakePlatform(t, func(_ int, c *websocket.Conn) {
		assert.NoError(t, c.WriteJSON(inbound{Type: framePing}))
		var reply outbound
		if assert.NoError(t, c.ReadJSON(&reply)) {
			pong <- reply.Type
		}
		pushEvent(t, c, "chat_message", types.DecisionEvent{ID: "ignored", Question: "hi"})
		pushEvent(t, c, "decision_request", types.DecisionEvent{ID: "", Question: "no id"})
		pushEvent(t, c, "decision_request", types.DecisionEvent{
			ID: "n-1", Domain: "engineering", Question: "Deploy?", SenderID: "agent-7",
			Context: map[string]interface{}{"env": "prod"},
		})
		holdOpen(0, c)
	})

	got := make(chan types.DecisionEvent, 4)
	l := New(testOptions(p.url()))
	l.OnEvent(func(_ context.Context, ev types.DecisionEvent) { got <- ev })
	errCh := runAsync(l, context.Background())

	select {
	case events := <-p.subscribed:
		assert.Equal(t, []string{"decision_request"}, events)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}
	assert.Equal(t, framePong, <-pong)

	select {
	case ev := <-got:
		assert.Equal(t, "n-1", ev.ID)
		assert.Equal(t, "agent-7", ev.SenderID)
		assert.Equal(t, "prod", ev.Context["env"])
		assert.False(t, ev.ReceivedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, got, 0)
	assert.True(t, l.Connected())

	require.NoError(t, l.Stop())
	assert.NoError(t, waitErr(t, errCh))
	assert.False(t, l.Connected())
}

func TestHandlerPanicDoesNotStopReadLoop(t *testing.T) {
	p := newFakePlatform(t, func(_ int, c *websocket.Conn) {
		pushEvent(t, c, "decision_request", types.DecisionEvent{ID: "boom", Question: "q"})
		pushEvent(t, c, "decision_request", types.DecisionEvent{ID: "ok", Question: "q"})
		holdOpen(0, c)
	})

	got := make(chan string, 2)
	l := New(testOptions(p.url()))
	l.OnEvent(func(_ context.Context, ev types.DecisionEvent) {
		if ev.ID == "boom" {
			panic("handler exploded")
		}
		got <- ev.ID
	})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(l, ctx)

	select {
	case id := <-got:
		assert.Equal(t, "ok", id)
	case <-time.After(2 * time.Second):
		t.Fatal("second event not delivered")
	}
	assert.EqualValues(t, 1, p.connects.Load())

	cancel()
	assert.NoError(t, waitErr(t, errCh))
}

func TestPresenceFrames(t *testing.T) {
	p := newFakePlatform(t, func(_ int, c *websocket.Conn) {
		assert.NoError(t, c.WriteJSON(inbound{Type: framePresence, Data: json.RawMessage(`{"connected":true}`)}))
		holdOpen(0, c)
	})

	presence := make(chan bool, 1)
	l := New(testOptions(p.url()))
	l.OnPresence(func(connected bool) { presence <- connected })
	errCh := runAsync(l, context.Background())

	select {
	case v := <-presence:
		assert.True(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("presence not delivered")
	}
	require.NoError(t, l.Stop())
	assert.NoError(t, waitErr(t, errCh))
}

func TestReconnectsAfterDisconnect(t *testing.T) {
	p := newFakePlatform(t, func(n int, c *websocket.Conn) {
		if n < 3 {
			return // drop
		}
		holdOpen(n, c)
	})

	l := New(testOptions(p.url()))
	errCh := runAsync(l, context.Background())

	assert.Eventually(t, func() bool { return p.connects.Load() >= 3 && l.Connected() }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Stop())
	assert.NoError(t, waitErr(t, errCh))
}

func TestBackoffResetsAfterAuthenticatedSession(t *testing.T) {
	// Every session authenticates and then drops. Without a reset the waits
	// would double to 50ms * (2^7 - 1) > 6s before the 8th connect.
	p := newFakePlatform(t, func(int, *websocket.Conn) {})

	opts := testOptions(p.url())
	opts.InitialBackoff = 50 * time.Millisecond
	opts.MaxBackoff = 10 * time.Second
	l := New(opts)
	errCh := runAsync(l, context.Background())

	assert.Eventually(t, func() bool { return p.connects.Load() >= 8 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Stop())
	assert.NoError(t, waitErr(t, errCh))
}

func TestStopDuringBackoff(t *testing.T) {
	p := newFakePlatform(t, nil)
	url := p.url()
	p.close() // nothing listening

	opts := testOptions(url)
	opts.InitialBackoff = time.Hour
	opts.MaxBackoff = time.Hour
	l := New(opts)
	errCh := runAsync(l, context.Background())
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Stop())
	assert.NoError(t, waitErr(t, errCh))
	assert.Less(t, time.Since(start), time.Second)
}

func TestContextCancelDuringBackoff(t *testing.T) {
	p := newFakePlatform(t, nil)
	url := p.url()
	p.close()

	opts := testOptions(url)
	opts.InitialBackoff = time.Hour
	opts.MaxBackoff = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(New(opts), ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.NoError(t, waitErr(t, errCh))
}

func TestAuthErrorIsFatal(t *testing.T) {
	p := newFakePlatform(t, nil)
	p.rejectAuth = true

	l := New(testOptions(p.url()))
	err := waitErr(t, runAsync(l, context.Background()))
	assert.True(t, errors.Is(err, ErrAuthRejected), "got %v", err)
	assert.EqualValues(t, 1, p.connects.Load())
}

func TestMaxAttempts(t *testing.T) {
	p := newFakePlatform(t, nil)
	url := p.url()
	p.close()

	opts := testOptions(url)
	opts.MaxAttempts = 3
	opts.InitialBackoff = time.Millisecond
	err := waitErr(t, runAsync(New(opts), context.Background()))
	assert.ErrorIs(t, err, ErrMaxAttempts)
}

func TestRunTwiceIsRejected(t *testing.T) {
	p := newFakePlatform(t, holdOpen)
	l := New(testOptions(p.url()))
	errCh := runAsync(l, context.Background())

	assert.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, l.Run(context.Background()))

	require.NoError(t, l.Stop())
	assert.NoError(t, waitErr(t, errCh))
}

func TestStopWithoutRunIsNoop(t *testing.T) {
	assert.NoError(t, New(Options{URL: "ws://127.0.0.1:1"}).Stop())
}

func TestStopRacingRunStart(t *testing.T) {
	p := newFakePlatform(t, holdOpen)
	l := New(testOptions(p.url()))

	errCh := runAsync(l, context.Background())
	require.NoError(t, l.Stop())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run kept going after Stop")
	}
	assert.False(t, l.Connected())
}

func TestRunAfterStopReturnsImmediately(t *testing.T) {
	p := newFakePlatform(t, holdOpen)
	l := New(testOptions(p.url()))
	require.NoError(t, l.Stop())

	assert.NoError(t, waitErr(t, runAsync(l, context.Background())))
	assert.EqualValues(t, 0, p.connects.Load())
}

// silentPlatform upgrades the socket and never answers the auth frame.
func silentPlatform(t *testing.T) (string, chan struct{}) {
	t.Helper()
	accepted := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		select {
		case accepted <- struct{}{}:
		default:
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), accepted
}

func TestStopDuringAuthHandshake(t *testing.T) {
	url, accepted := silentPlatform(t)

	opts := testOptions(url)
	opts.AuthTimeout = 10 * time.Second
	opts.ShutdownTimeout = 500 * time.Millisecond
	l := New(opts)
	errCh := runAsync(l, context.Background())

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never dialed")
	}
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Stop())
	assert.NoError(t, waitErr(t, errCh))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestConnectHonoursContextDuringAuth(t *testing.T) {
	url, accepted := silentPlatform(t)

	opts := testOptions(url)
	opts.AuthTimeout = 10 * time.Second
	l := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-accepted
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := l.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}
