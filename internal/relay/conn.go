package relay

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// countedConn wraps a tunnel TCP connection and logs its traffic on close.
type countedConn struct {
	net.Conn
	closed   uint32
	raddr    string
	cid      string
	created  time.Time
	byte_in  uint64
	byte_out uint64
	logger   zerolog.Logger
}

func newCountedConn(conn net.Conn, cid string, logger zerolog.Logger) *countedConn {
	o := &countedConn{Conn: conn, raddr: conn.RemoteAddr().String(), cid: cid}
	o.created = time.Now()
	o.logger = logger.With().Str("module", "tunnel-conn").Logger()
	o.logger.Debug().Str("remote_address", o.raddr).Str("cid", o.cid).Msg("connection created")
	return o
}

func (c *countedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *countedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *countedConn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	err := c.Conn.Close()
	in, out := c.Stat()
	c.logger.Debug().Uint64("byte_in", in).Uint64("byte_out", out).Str("cid", c.cid).Dur("age", time.Since(c.created)).Msg("connection closed")
	return err
}

func (c *countedConn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}
