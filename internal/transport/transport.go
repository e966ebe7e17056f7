// Package transport defines the persistent duplex connection the channel
// manager runs on, with websocket, yamux tunnel, NATS and in-memory
// implementations.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrWriteQueueFull = errors.New("write queue full")
	ErrUnknownScheme  = errors.New("unknown transport scheme")
)

// Handler receives connection events. Callbacks may run on any goroutine and
// must not block.
type Handler struct {
	OnMessage func(data []byte)
	// OnClose is called at most once, with nil for a local Close.
	OnClose func(err error)
}

// Conn is an open connection. Send never blocks on the network.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Transport opens connections. Open blocks until the connection is usable or
// ctx is done.
type Transport interface {
	Open(ctx context.Context, endpoint string, h Handler) (Conn, error)
}

// Mux dispatches Open on the endpoint URL scheme.
type Mux map[string]Transport

func (m Mux) Open(ctx context.Context, endpoint string, h Handler) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	t, ok := m[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	return t.Open(ctx, endpoint, h)
}

// closer makes OnClose fire once no matter which side closes first.
type closer struct {
	once  sync.Once
	fired chan struct{}
	h     Handler
}

func newCloser(h Handler) *closer {
	return &closer{fired: make(chan struct{}), h: h}
}

func (c *closer) fire(err error) (first bool) {
	c.once.Do(func() {
		first = true
		close(c.fired)
		if c.h.OnClose != nil {
			c.h.OnClose(err)
		}
	})
	return first
}

func (c *closer) done() <-chan struct{} {
	return c.fired
}
