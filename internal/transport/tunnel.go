package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

// Tunnel opens tunnel://host:port endpoints: one yamux stream over TCP,
// framed as newline-delimited JSON.
type Tunnel struct {
	WriteQueue   int
	WriteTimeout time.Duration
	MaxMessage   int
	log          log.Logger
}

func NewTunnel() *Tunnel {
	t := &Tunnel{WriteQueue: 64, WriteTimeout: 5 * time.Second, MaxMessage: 16 << 10}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "transport-tunnel").Value()
	return t
}

type tunnelConn struct {
	session *yamux.Session
	stream  net.Conn
	out     chan []byte
	stop    chan struct{}
	cl      *closer
	mu      sync.Mutex
	closed  bool
}

func (t *Tunnel) Open(ctx context.Context, endpoint string, h Handler) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	yconn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Client(yconn, cfg)
	if err != nil {
		yconn.Close()
		return nil, err
	}
	stream, err := session.Open()
	if err != nil {
		session.Close()
		return nil, err
	}
	tc := &tunnelConn{session: session, stream: stream, out: make(chan []byte, t.WriteQueue), stop: make(chan struct{}), cl: newCloser(h)}
	go tc.readLoop(h, t.MaxMessage)
	go tc.writeLoop(t.WriteTimeout)
	t.log.Debug().Str("remote_address", yconn.RemoteAddr().String()).Msg("tunnel stream opened")
	return tc, nil
}

func (tc *tunnelConn) readLoop(h Handler, max int) {
	sc := bufio.NewScanner(tc.stream)
	sc.Buffer(make([]byte, 4096), max)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	tc.fail(err)
}

func (tc *tunnelConn) writeLoop(timeout time.Duration) {
	for {
		select {
		case <-tc.stop:
			return
		case d := <-tc.out:
			_ = tc.stream.SetWriteDeadline(time.Now().Add(timeout))
			bufs := net.Buffers{d, []byte{'\n'}}
			if _, err := bufs.WriteTo(tc.stream); err != nil {
				tc.fail(err)
				return
			}
		}
	}
}

func (tc *tunnelConn) shut() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return false
	}
	tc.closed = true
	close(tc.stop)
	return true
}

func (tc *tunnelConn) fail(err error) {
	if !tc.shut() {
		return
	}
	tc.stream.Close()
	tc.session.Close()
	tc.cl.fire(err)
}

func (tc *tunnelConn) Send(data []byte) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return ErrClosed
	}
	select {
	case tc.out <- data:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func (tc *tunnelConn) Close() error {
	if !tc.shut() {
		return nil
	}
	tc.stream.Close()
	err := tc.session.Close()
	tc.cl.fire(nil)
	return err
}
