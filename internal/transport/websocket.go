package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
)

// WebSocket opens ws:// and wss:// endpoints. Each connection runs one reader
// and one writer goroutine; Send only queues.
type WebSocket struct {
	WriteQueue   int
	WriteTimeout time.Duration
	ReadLimit    int64
	log          log.Logger
}

func NewWebSocket() *WebSocket {
	t := &WebSocket{WriteQueue: 64, WriteTimeout: 5 * time.Second, ReadLimit: 16 << 10}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "transport-ws").Value()
	return t
}

type wsConn struct {
	c      *websocket.Conn
	out    chan []byte
	cl     *closer
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

func (t *WebSocket) Open(ctx context.Context, endpoint string, h Handler) (Conn, error) {
	c, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(t.ReadLimit)
	rctx, cancel := context.WithCancel(context.Background())
	wc := &wsConn{c: c, out: make(chan []byte, t.WriteQueue), cl: newCloser(h), cancel: cancel}
	go wc.readLoop(rctx, h)
	go wc.writeLoop(rctx, t.WriteTimeout)
	return wc, nil
}

func (wc *wsConn) readLoop(ctx context.Context, h Handler) {
	for {
		_, data, err := wc.c.Read(ctx)
		if err != nil {
			wc.fail(err)
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func (wc *wsConn) writeLoop(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-wc.out:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := wc.c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				wc.fail(err)
				return
			}
		}
	}
}

func (wc *wsConn) fail(err error) {
	wc.mu.Lock()
	local := wc.closed
	wc.closed = true
	wc.mu.Unlock()
	if local {
		return
	}
	wc.cancel()
	wc.c.Close(websocket.StatusInternalError, "")
	if errors.Is(err, context.Canceled) {
		err = ErrClosed
	}
	wc.cl.fire(err)
}

func (wc *wsConn) Send(data []byte) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return ErrClosed
	}
	select {
	case wc.out <- data:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func (wc *wsConn) Close() error {
	wc.mu.Lock()
	if wc.closed {
		wc.mu.Unlock()
		return nil
	}
	wc.closed = true
	wc.mu.Unlock()
	wc.cancel()
	err := wc.c.Close(websocket.StatusNormalClosure, "")
	wc.cl.fire(nil)
	return err
}
