package live

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConn serves queued messages, then fails reads to simulate a drop.
type scriptedConn struct {
	mu       sync.Mutex
	messages [][]byte
	frames   []any
	closed   chan struct{}
	once     sync.Once
	writeErr error
}

func newScriptedConn(messages ...[]byte) *scriptedConn {
	return &scriptedConn{messages: messages, closed: make(chan struct{})}
}

func (c *scriptedConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	if len(c.messages) > 0 {
		msg := c.messages[0]
		c.messages = c.messages[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()
	<-c.closed
	return nil, io.EOF
}

func (c *scriptedConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, v)
	return nil
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedDialer hands out conns (or errors) in order and blocks once the
// script is exhausted.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []Conn
	errs  []error
	dials int
}

func (d *scriptedDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}
	if len(d.conns) > 0 {
		conn := d.conns[0]
		d.conns = d.conns[1:]
		d.mu.Unlock()
		return conn, nil
	}
	d.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type collectSink struct {
	mu   sync.Mutex
	raws [][]byte
}

func (s *collectSink) IngestPush(raw []byte) {
	s.mu.Lock()
	s.raws = append(s.raws, append([]byte(nil), raw...))
	s.mu.Unlock()
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raws)
}

func fastOptions() Options {
	return Options{
		URL:            "ws://test/ws",
		UserID:         "u-1",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRun_SubscribesAndDeliversMessages(t *testing.T) {
	conn := newScriptedConn([]byte(`{"id":"n-1"}`), []byte(`{"id":"n-2"}`))
	dialer := &scriptedDialer{conns: []Conn{conn}}
	sink := &collectSink{}

	s := New(dialer, sink, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	waitFor(t, func() bool { return sink.count() == 2 })
	waitFor(t, func() bool { return s.State() == StateSubscribed })

	conn.mu.Lock()
	require.Len(t, conn.frames, 1)
	frame, err := json.Marshal(conn.frames[0])
	conn.mu.Unlock()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"subscribe","channel":"user:u-1"}`, string(frame))

	cancel()
	<-done
	assert.Equal(t, StateDisconnected, s.State())
}

func TestRun_ReconnectsAfterDropAndFiresResyncOnce(t *testing.T) {
	first := newScriptedConn([]byte(`{"id":"n-1"}`))
	second := newScriptedConn()
	dialer := &scriptedDialer{conns: []Conn{first, second}}
	sink := &collectSink{}

	s := New(dialer, sink, fastOptions())

	var mu sync.Mutex
	resyncs := 0
	s.OnReconnect(func(ctx context.Context) {
		mu.Lock()
		resyncs++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	waitFor(t, func() bool { return sink.count() == 1 })
	first.Close() // drop the connection

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resyncs == 1
	})
	waitFor(t, func() bool { return s.State() == StateSubscribed })

	mu.Lock()
	assert.Equal(t, 1, resyncs, "resync fires once per reconnect, not on first connect")
	mu.Unlock()

	cancel()
	<-done
}

func TestRun_RetriesFailedDials(t *testing.T) {
	conn := newScriptedConn()
	dialer := &scriptedDialer{
		errs:  []error{errors.New("refused"), errors.New("refused")},
		conns: []Conn{conn},
	}
	sink := &collectSink{}

	s := New(dialer, sink, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	waitFor(t, func() bool { return s.State() == StateSubscribed })

	dialer.mu.Lock()
	assert.Equal(t, 3, dialer.dials)
	dialer.mu.Unlock()

	cancel()
	<-done
}

func TestRun_SubscribeFailureTriggersReconnect(t *testing.T) {
	bad := newScriptedConn()
	bad.writeErr = errors.New("broken pipe")
	good := newScriptedConn()
	dialer := &scriptedDialer{conns: []Conn{bad, good}}

	s := New(dialer, &collectSink{}, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	waitFor(t, func() bool { return s.State() == StateSubscribed })

	dialer.mu.Lock()
	assert.Equal(t, 2, dialer.dials)
	dialer.mu.Unlock()

	cancel()
	<-done
}

func TestRun_CancellationWhileWaitingForDial(t *testing.T) {
	dialer := &scriptedDialer{errs: []error{errors.New("refused")}}
	s := New(dialer, &collectSink{}, Options{
		URL:            "ws://test/ws",
		UserID:         "u-1",
		InitialBackoff: time.Minute, // cancellation must cut the wait short
		MaxBackoff:     time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	waitFor(t, func() bool { return s.State() == StateReconnecting })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
}
