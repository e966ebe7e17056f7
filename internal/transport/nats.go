package transport

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/wire"
)

const (
	NATS_AUTH_SUBJECT     = "fleet.auth"
	NATS_LOCATION_SUBJECT = "fleet.location"
)

// NATS uses a NATS server as the broker. Authentication is a request to
// fleet.auth; location envelopes are published on fleet.location.<driver>.
type NATS struct {
	RequestTimeout time.Duration
	log            log.Logger
}

func NewNATS() *NATS {
	t := &NATS{RequestTimeout: 5 * time.Second}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "transport-nats").Value()
	return t
}

// LocationSubject maps a driver id onto a single NATS subject token.
func LocationSubject(driverID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return NATS_LOCATION_SUBJECT + "." + r.Replace(driverID)
}

type natsConn struct {
	t      *NATS
	nc     *nats.Conn
	h      Handler
	cl     *closer
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

func (t *NATS) Open(ctx context.Context, endpoint string, h Handler) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = ""
	u.Path = ""
	c := &natsConn{t: t, h: h, cl: newCloser(h), subs: map[string]*nats.Subscription{}}
	opts := []nats.Option{
		nats.Name("fleettrack"),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = ErrClosed
			}
			c.fail(err)
		}),
	}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(dl)))
	}
	nc, err := nats.Connect(u.String(), opts...)
	if err != nil {
		return nil, err
	}
	c.nc = nc
	return c, nil
}

func (c *natsConn) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case wire.Authenticate:
		go c.authenticate(data)
		return nil
	case wire.LocationEnvelope:
		return c.nc.Publish(LocationSubject(m.DriverID), data)
	case wire.Subscribe:
		return c.subscribe(m.DriverIDs)
	case wire.Unsubscribe:
		return c.unsubscribe(m.DriverIDs)
	}
	return nil
}

func (c *natsConn) authenticate(data []byte) {
	reply, err := c.nc.Request(NATS_AUTH_SUBJECT, data, c.t.RequestTimeout)
	if err != nil {
		c.t.log.Error().Err(err).Msg("auth request failed")
		c.fail(err)
		return
	}
	if c.h.OnMessage != nil {
		c.h.OnMessage(reply.Data)
	}
}

func (c *natsConn) subscribe(ids []string) error {
	subjects := make([]string, 0, len(ids))
	if len(ids) == 0 {
		subjects = append(subjects, NATS_LOCATION_SUBJECT+".>")
	}
	for _, id := range ids {
		subjects = append(subjects, LocationSubject(id))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, subj := range subjects {
		if _, ok := c.subs[subj]; ok {
			continue
		}
		sub, err := c.nc.Subscribe(subj, func(m *nats.Msg) {
			if c.h.OnMessage != nil {
				c.h.OnMessage(m.Data)
			}
		})
		if err != nil {
			return err
		}
		c.subs[subj] = sub
	}
	return nil
}

func (c *natsConn) unsubscribe(ids []string) error {
	subjects := make([]string, 0, len(ids))
	if len(ids) == 0 {
		subjects = append(subjects, NATS_LOCATION_SUBJECT+".>")
	}
	for _, id := range ids {
		subjects = append(subjects, LocationSubject(id))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, subj := range subjects {
		sub, ok := c.subs[subj]
		if !ok {
			continue
		}
		delete(c.subs, subj)
		if err := sub.Unsubscribe(); err != nil {
			return err
		}
	}
	return nil
}

func (c *natsConn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if c.nc != nil {
		c.nc.Close()
	}
	c.cl.fire(err)
}

func (c *natsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.nc.Close()
	c.cl.fire(nil)
	return nil
}
