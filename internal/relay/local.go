package relay

import (
	"context"
	"sync"

	"nuha.dev/fleettrack/internal/transport"
)

// Local is an in-process transport straight into a Hub. Sends are handled
// synchronously on the caller's goroutine.
type Local struct {
	hub   *Hub
	mu    sync.Mutex
	conns map[*localConn]struct{}
	// Refuse makes Open fail, simulating an unreachable broker.
	Refuse error
}

func NewLocal(hub *Hub) *Local {
	return &Local{hub: hub, conns: map[*localConn]struct{}{}}
}

type localConn struct {
	l      *Local
	h      transport.Handler
	sess   *Session
	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (l *Local) Open(ctx context.Context, endpoint string, h transport.Handler) (transport.Conn, error) {
	l.mu.Lock()
	refuse := l.Refuse
	l.mu.Unlock()
	if refuse != nil {
		return nil, refuse
	}
	c := &localConn{l: l, h: h}
	c.sess = l.hub.Attach(c, "local")
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
	return c, nil
}

// DropAll severs every open connection with err, as a network failure would.
func (l *Local) DropAll(err error) {
	l.mu.Lock()
	conns := make([]*localConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.shutdown(err)
	}
}

func (l *Local) SetRefuse(err error) {
	l.mu.Lock()
	l.Refuse = err
	l.mu.Unlock()
}

func (c *localConn) Push(d []byte) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return true
	}
	if c.h.OnMessage != nil {
		c.h.OnMessage(d)
	}
	return false
}

func (c *localConn) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if err := c.sess.Handle(context.Background(), data); err != nil {
		c.shutdown(err)
	}
	return nil
}

func (c *localConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *localConn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.l.mu.Lock()
		delete(c.l.conns, c)
		c.l.mu.Unlock()
		c.sess.Detach()
		if c.h.OnClose != nil {
			c.h.OnClose(err)
		}
	})
}
