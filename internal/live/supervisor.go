// Package live manages the persistent push connection that delivers
// notification events as they occur.
//
// The connection lifecycle is an explicit state machine so tests can drive it
// deterministically through an injected dialer:
//
//	Disconnected -> Connecting -> Subscribed -> (drop) -> Reconnecting -> Connecting -> ...
//
// Transport failures never leave this package; the worst a caller observes is
// the Reconnecting state. Push delivery is not gap-free across a disconnect
// window, so every successful reconnect triggers the registered resync hook
// to close the gap with a supplementary history fetch.
package live

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/wb-go/wbf/zlog"
)

// State is the connection state of the supervisor.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Conn is one established push connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer establishes push connections. Injected so tests can script
// connects, drops and payloads.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// Sink receives every raw message read from the channel. Implementations
// normalize and merge; a malformed payload is theirs to drop.
type Sink interface {
	IngestPush(raw []byte)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(raw []byte)

func (f SinkFunc) IngestPush(raw []byte) { f(raw) }

// subscribeFrame is the per-user subscription sent once per connection.
type subscribeFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// Options configure the supervisor.
type Options struct {
	URL            string        // websocket endpoint
	UserID         string        // per-user channel to subscribe
	InitialBackoff time.Duration // first reconnect delay, default 1s
	MaxBackoff     time.Duration // backoff cap, default 30s
}

// Supervisor owns the connect/subscribe/reconnect loop.
type Supervisor struct {
	dialer      Dialer
	opts        Options
	sink        Sink
	state       atomic.Int32
	onReconnect func(ctx context.Context)
}

// New creates a Supervisor. Run must be called to start it.
func New(d Dialer, sink Sink, opts Options) *Supervisor {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Supervisor{dialer: d, opts: opts, sink: sink}
}

// OnReconnect registers the resync hook invoked after every successful
// re-subscription (not after the first connect). Must be set before Run.
func (s *Supervisor) OnReconnect(fn func(ctx context.Context)) {
	s.onReconnect = fn
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the connection until ctx is cancelled. It retries indefinitely
// with jittered exponential backoff and returns only on cancellation.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.setState(StateDisconnected)

	backoff := s.opts.InitialBackoff
	connected := false

	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)

		conn, err := s.dialer.DialContext(ctx, s.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zlog.Logger.Warn().Err(err).Str("url", s.opts.URL).Msg("live channel connect failed")
			if !s.waitBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		if err := conn.WriteJSON(subscribeFrame{Action: "subscribe", Channel: "user:" + s.opts.UserID}); err != nil {
			zlog.Logger.Warn().Err(err).Msg("live channel subscribe failed")
			_ = conn.Close()
			if !s.waitBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		s.setState(StateSubscribed)
		backoff = s.opts.InitialBackoff
		if connected && s.onReconnect != nil {
			s.onReconnect(ctx)
		}
		connected = true

		s.readLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		zlog.Logger.Info().Msg("live channel dropped, reconnecting")
		if !s.waitBackoff(ctx, &backoff) {
			return
		}
	}
}

// readLoop consumes messages until the connection drops or ctx is cancelled.
// A single bad payload is the sink's problem; only read errors end the loop.
func (s *Supervisor) readLoop(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.sink.IngestPush(raw)
	}
}

// waitBackoff sleeps the current jittered backoff and doubles it up to the
// cap. Returns false when ctx was cancelled during the wait.
func (s *Supervisor) waitBackoff(ctx context.Context, backoff *time.Duration) bool {
	s.setState(StateReconnecting)

	delay := *backoff
	// Spread reconnects over [delay/2, delay] so clients that dropped
	// together do not reconnect together.
	delay = delay/2 + rand.N(delay/2+1)

	*backoff *= 2
	if *backoff > s.opts.MaxBackoff {
		*backoff = s.opts.MaxBackoff
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
