// Package channel owns the authenticated, persistent connection to the
// broker: connect, authenticate, reconnect with backoff, and buffering of
// outbound envelopes while the connection is down.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/loop"
	"nuha.dev/fleettrack/internal/metrics"
	"nuha.dev/fleettrack/internal/transport"
	"nuha.dev/fleettrack/internal/wire"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	ErrAuthRejected     = errors.New("authentication rejected")
	ErrTransport        = errors.New("transport error")
	ErrAuthTimeout      = errors.New("authentication timed out")
	ErrClosed           = errors.New("channel closed")
	ErrNotConnected     = errors.New("channel not connected")
	ErrAlreadyConnected = errors.New("channel already connected")
)

type Config struct {
	QueueCapacity int           `mapstructure:"queue_capacity" validate:"gt=0"`
	Backoff       Backoff       `mapstructure:"backoff"`
	AuthTimeout   time.Duration `mapstructure:"auth_timeout" validate:"gt=0"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	// RetryWrite is the pause before flushing again after the transport
	// reported a full write queue.
	RetryWrite time.Duration `mapstructure:"retry_write" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity: 32,
		Backoff:       DefaultBackoff(),
		AuthTimeout:   10 * time.Second,
		DialTimeout:   10 * time.Second,
		RetryWrite:    100 * time.Millisecond,
	}
}

// Session is the channel's connection bookkeeping. Only the Manager
// mutates it; Session() hands out copies.
type Session struct {
	ID         string
	State      State
	AuthToken  string
	RetryCount int
	LastError  error
}

func (s Session) MarshalObject(e *log.Entry) {
	e.Str("session", s.ID).Str("state", s.State.String()).Int("retry", s.RetryCount)
}

// Manager must be used from the event loop only.
type Manager struct {
	sched     loop.Scheduler
	transport transport.Transport
	cfg       Config
	log       log.Logger

	session  Session
	endpoint string
	conn     transport.Conn
	gen      uint64
	closed   bool

	dialCancel context.CancelFunc
	retryTimer loop.Timer
	authTimer  loop.Timer
	flushTimer loop.Timer

	queue    *queue
	handlers loop.Handles[func(wire.Message)]
	watchers loop.Handles[func(State)]
	fatal    func(error)
}

func New(sched loop.Scheduler, t transport.Transport, cfg Config) (*Manager, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid channel config: %w", err)
	}
	m := &Manager{sched: sched, transport: t, cfg: cfg}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "channel").Value()
	m.session = Session{ID: uuid.New().String(), State: Disconnected}
	m.queue = newQueue(cfg.QueueCapacity)
	return m, nil
}

func (m *Manager) Session() Session {
	return m.session
}

func (m *Manager) State() State {
	return m.session.State
}

// OnMessage registers a handler called once per inbound envelope, in arrival
// order for a given connection.
func (m *Manager) OnMessage(fn func(wire.Message)) loop.Handle {
	return m.handlers.Add(fn)
}

func (m *Manager) RemoveHandler(h loop.Handle) {
	m.handlers.Remove(h)
}

// OnStateChange registers a watcher of state transitions.
func (m *Manager) OnStateChange(fn func(State)) loop.Handle {
	return m.watchers.Add(fn)
}

func (m *Manager) RemoveStateWatcher(h loop.Handle) {
	m.watchers.Remove(h)
}

// OnFatal sets the one-shot receiver of fatal errors (ErrAuthRejected).
func (m *Manager) OnFatal(fn func(error)) {
	m.fatal = fn
}

func (m *Manager) Connect(endpoint, authToken string) error {
	if m.closed {
		return ErrClosed
	}
	if m.session.State != Disconnected {
		return ErrAlreadyConnected
	}
	m.endpoint = endpoint
	m.session.AuthToken = authToken
	m.session.RetryCount = 0
	m.session.LastError = nil
	m.log.Info().EmbedObject(m.session).Str("endpoint", endpoint).Msg("connecting")
	m.dial()
	return nil
}

// Send writes env when connected and buffers it (drop-oldest) while a
// connection is being established. It never blocks.
func (m *Manager) Send(env wire.Message) error {
	if m.closed {
		return ErrClosed
	}
	if m.session.State == Disconnected {
		return ErrNotConnected
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if m.session.State != Connected || m.queue.len() != 0 {
		m.enqueue(data)
		if m.session.State == Connected {
			m.flush()
		}
		return nil
	}
	m.write(data)
	return nil
}

// Close tears the channel down for good. Idempotent.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.gen++
	m.stopTimers()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.queue.clear()
	m.setState(Disconnected)
	m.fatal = nil
	m.log.Info().EmbedObject(m.session).Msg("channel closed")
}

func (m *Manager) stopTimers() {
	for _, t := range []loop.Timer{m.retryTimer, m.authTimer, m.flushTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.retryTimer, m.authTimer, m.flushTimer = nil, nil, nil
}

func (m *Manager) setState(s State) {
	if m.session.State == s {
		return
	}
	m.session.State = s
	m.notify(s)
}

func (m *Manager) notify(s State) {
	m.watchers.Each(func(fn func(State)) { fn(s) })
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	if m.session.State != Reconnecting {
		m.setState(Connecting)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.dialCancel = cancel
	endpoint := m.endpoint
	h := transport.Handler{
		OnMessage: func(data []byte) {
			m.sched.Post(func() { m.onData(gen, data) })
		},
		OnClose: func(err error) {
			m.sched.Post(func() { m.onClose(gen, err) })
		},
	}
	m.sched.Async(func() func() {
		conn, err := m.transport.Open(ctx, endpoint, h)
		return func() {
			cancel()
			m.onOpen(gen, conn, err)
		}
	})
}

func (m *Manager) onOpen(gen uint64, conn transport.Conn, err error) {
	if gen != m.gen || m.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil
	if err != nil {
		m.transportFailure(err)
		return
	}
	m.conn = conn
	m.setState(Authenticating)
	data, err := wire.Encode(wire.Authenticate{Token: m.session.AuthToken})
	if err != nil {
		m.transportFailure(err)
		return
	}
	if err := conn.Send(data); err != nil {
		m.transportFailure(err)
		return
	}
	m.authTimer = m.sched.AfterFunc(m.cfg.AuthTimeout, func() {
		if gen != m.gen || m.closed || m.session.State != Authenticating {
			return
		}
		m.transportFailure(ErrAuthTimeout)
	})
}

func (m *Manager) onData(gen uint64, data []byte) {
	if gen != m.gen || m.closed {
		return
	}
	msg, err := wire.Decode(data)
	if err != nil {
		m.log.Debug().Err(err).EmbedObject(m.session).Msg("dropping undecodable envelope")
		return
	}
	switch m.session.State {
	case Authenticating:
		res, ok := msg.(wire.AuthResult)
		if !ok {
			m.log.Debug().Str("type", string(msg.MessageType())).Msg("dropping envelope received before authentication")
			return
		}
		m.onAuthResult(res)
	case Connected:
		if _, ok := msg.(wire.AuthResult); ok {
			return
		}
		metrics.ChannelReceived.Inc()
		m.handlers.Each(func(fn func(wire.Message)) {
			if gen == m.gen && !m.closed {
				fn(msg)
			}
		})
	}
}

func (m *Manager) onAuthResult(res wire.AuthResult) {
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	if !res.OK {
		m.gen++
		if m.conn != nil {
			_ = m.conn.Close()
			m.conn = nil
		}
		m.queue.clear()
		err := fmt.Errorf("%w: %s", ErrAuthRejected, res.Reason)
		m.session.LastError = err
		metrics.ChannelAuthRejected.Inc()
		m.log.Error().Err(err).EmbedObject(m.session).Msg("broker rejected authentication")
		m.setState(Disconnected)
		f := m.fatal
		m.fatal = nil
		if f != nil {
			f(err)
		}
		return
	}
	m.session.RetryCount = 0
	m.session.LastError = nil
	// flush buffered envelopes before watchers can send anything new
	m.session.State = Connected
	m.flush()
	if m.session.State != Connected {
		return
	}
	m.log.Info().EmbedObject(m.session).Msg("channel connected")
	m.notify(Connected)
}

func (m *Manager) onClose(gen uint64, err error) {
	if gen != m.gen || m.closed {
		return
	}
	if err == nil {
		err = transport.ErrClosed
	}
	m.conn = nil
	m.transportFailure(err)
}

// transportFailure drops the current connection and schedules a reconnect.
func (m *Manager) transportFailure(cause error) {
	m.gen++
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.session.LastError = fmt.Errorf("%w: %v", ErrTransport, cause)
	delay := m.cfg.Backoff.Delay(m.session.RetryCount)
	m.session.RetryCount++
	metrics.ChannelReconnects.Inc()
	m.log.Warn().Err(cause).EmbedObject(m.session).Dur("delay", delay).Msg("connection lost, reconnecting")
	m.setState(Reconnecting)
	m.retryTimer = m.sched.AfterFunc(delay, func() {
		m.retryTimer = nil
		if m.closed || m.session.State != Reconnecting {
			return
		}
		m.dial()
	})
}

func (m *Manager) enqueue(data []byte) {
	if m.queue.push(data) {
		metrics.ChannelQueueDropped.Inc()
		m.log.Debug().EmbedObject(m.session).Msg("queue full, dropped oldest envelope")
	}
}

func (m *Manager) flush() {
	for m.conn != nil && m.session.State == Connected {
		data, ok := m.queue.peek()
		if !ok {
			return
		}
		if err := m.conn.Send(data); err != nil {
			m.sendFailed(err)
			return
		}
		metrics.ChannelSent.Inc()
		m.queue.pop()
	}
}

func (m *Manager) write(data []byte) {
	if err := m.conn.Send(data); err != nil {
		m.enqueue(data)
		m.sendFailed(err)
		return
	}
	metrics.ChannelSent.Inc()
}

// sendFailed retries later on a full transport buffer and reconnects on any
// other failure. The envelope is already in the queue.
func (m *Manager) sendFailed(err error) {
	if !errors.Is(err, transport.ErrWriteQueueFull) {
		m.transportFailure(err)
		return
	}
	if m.flushTimer != nil {
		return
	}
	gen := m.gen
	m.flushTimer = m.sched.AfterFunc(m.cfg.RetryWrite, func() {
		m.flushTimer = nil
		if gen == m.gen && !m.closed {
			m.flush()
		}
	})
}
