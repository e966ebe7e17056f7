package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"
	hashids "github.com/speps/go-hashids/v2"

	"nuha.dev/fleettrack/internal/metrics"
	"nuha.dev/fleettrack/internal/wire"
)

const (
	NEW_SESSION     string = "new_session"
	AUTH_OK         string = "auth_ok"
	AUTH_REJECTED   string = "auth_rejected"
	SESSION_CLOSED  string = "session_closed"
	ALL_DRIVERS_KEY string = "*"
)

var (
	ErrNotAuthenticated = errors.New("first envelope must authenticate")
	ErrRejected         = errors.New("authentication rejected")
)

// Peer is the relay's end of one client connection.
type Peer interface {
	Subscriber
}

// Hub authenticates sessions and routes envelopes between them.
type Hub struct {
	log       log.Logger
	validator Validator
	cache     LastKnown
	sublists  *SublistMap
	all       *Sublist
	ids       *hashids.HashID
	counter   uint64
}

func NewHub(validator Validator, cache LastKnown) *Hub {
	h := &Hub{validator: validator, cache: cache}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "relay-hub").Value()
	h.sublists = NewSublistMap()
	h.all = newSublist(ALL_DRIVERS_KEY)
	hd := hashids.NewData()
	hd.Salt = "fleettrack relay"
	hd.MinLength = 6
	ids, err := hashids.NewWithData(hd)
	if err != nil {
		panic(err)
	}
	h.ids = ids
	return h
}

func (h *Hub) nextID() string {
	n := atomic.AddUint64(&h.counter, 1)
	id, err := h.ids.EncodeInt64([]int64{int64(n)})
	if err != nil {
		return fmt.Sprintf("s%d", n)
	}
	return id
}

// Drivers lists every driver that published through this hub.
func (h *Hub) Drivers() []string {
	return h.sublists.Keys()
}

// Attach starts a session for a freshly accepted connection.
func (h *Hub) Attach(peer Peer, listener string) *Session {
	s := &Session{hub: h, peer: peer, id: h.nextID(), listener: listener}
	s.subs = make(map[string]*Sublist)
	h.log.Info().Str("event", NEW_SESSION).EmbedObject(s).Msg("")
	return s
}

type Session struct {
	hub      *Hub
	peer     Peer
	id       string
	listener string

	mu       sync.Mutex
	authed   bool
	identity string
	subs     map[string]*Sublist
	all      bool
}

func (s *Session) MarshalObject(e *log.Entry) {
	e.Str("sid", s.id).Str("listener", s.listener)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// Push makes the session itself a subscriber, forwarding to its peer.
func (s *Session) Push(d []byte) bool {
	return s.peer.Push(d)
}

// Handle processes one inbound envelope. A returned error means the
// connection must be closed once pending writes are flushed.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	if !s.Authenticated() {
		a, ok := msg.(wire.Authenticate)
		if !ok {
			s.reply(wire.AuthResult{OK: false, Reason: ErrNotAuthenticated.Error()})
			return ErrNotAuthenticated
		}
		return s.authenticate(ctx, a.Token)
	}
	switch m := msg.(type) {
	case wire.LocationEnvelope:
		s.hub.publish(ctx, s, m.DriverID, data)
	case wire.Subscribe:
		s.subscribe(ctx, m.DriverIDs)
	case wire.Unsubscribe:
		s.unsubscribe(m.DriverIDs)
	default:
		s.hub.log.Debug().EmbedObject(s).Str("type", string(msg.MessageType())).Msg("ignoring envelope")
	}
	return nil
}

func (s *Session) reply(m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		return
	}
	s.peer.Push(b)
}

func (s *Session) authenticate(ctx context.Context, token string) error {
	identity, ok, err := s.hub.validator.Validate(ctx, token)
	if err != nil {
		s.hub.log.Error().Err(err).EmbedObject(s).Msg("token validation failed")
		metrics.RelayAuth.WithLabelValues("error").Inc()
		s.reply(wire.AuthResult{OK: false, Reason: "validation unavailable"})
		return err
	}
	if !ok {
		s.hub.log.Info().Str("event", AUTH_REJECTED).EmbedObject(s).Msg("")
		metrics.RelayAuth.WithLabelValues("rejected").Inc()
		s.reply(wire.AuthResult{OK: false, Reason: "invalid token"})
		return ErrRejected
	}
	s.mu.Lock()
	s.authed = true
	s.identity = identity
	s.mu.Unlock()
	metrics.RelayAuth.WithLabelValues("ok").Inc()
	s.hub.log.Info().Str("event", AUTH_OK).EmbedObject(s).Str("identity", identity).Msg("")
	s.reply(wire.AuthResult{OK: true})
	return nil
}

func (s *Session) subscribe(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		s.mu.Lock()
		already := s.all
		s.all = true
		s.mu.Unlock()
		if already {
			return
		}
		for _, k := range s.hub.sublists.Keys() {
			if sl, ok := s.hub.sublists.GetSublist(k, false); ok {
				if d := sl.Last(); d != nil {
					s.peer.Push(d)
				}
			}
		}
		s.hub.all.Subscribe(s)
		return
	}
	for _, id := range ids {
		s.mu.Lock()
		_, ok := s.subs[id]
		s.mu.Unlock()
		if ok {
			s.hub.log.Warn().EmbedObject(s).Msgf("already subscribed to driver %s", id)
			continue
		}
		sl, _ := s.hub.sublists.GetSublist(id, true)
		if sl.Last() == nil && s.hub.cache != nil {
			d, found, err := s.hub.cache.Get(ctx, id)
			if err != nil {
				s.hub.log.Error().Err(err).Str("driver", id).Msg("last known lookup failed")
			} else if found {
				sl.Seed(d)
			}
		}
		sl.Subscribe(s)
		s.mu.Lock()
		s.subs[id] = sl
		s.mu.Unlock()
		s.hub.log.Trace().EmbedObject(s).Msgf("subscribing to %s", id)
	}
}

func (s *Session) unsubscribe(ids []string) {
	if len(ids) == 0 {
		s.mu.Lock()
		s.all = false
		s.mu.Unlock()
		s.hub.all.Unsubscribe(s)
		return
	}
	for _, id := range ids {
		s.mu.Lock()
		sl, ok := s.subs[id]
		delete(s.subs, id)
		s.mu.Unlock()
		if !ok {
			s.hub.log.Warn().EmbedObject(s).Str("driver", id).Msg("invalid unsub id")
			continue
		}
		sl.Unsubscribe(s)
	}
}

// Detach drops every subscription of the session.
func (s *Session) Detach() {
	s.mu.Lock()
	subs := s.subs
	s.subs = map[string]*Sublist{}
	s.all = false
	s.mu.Unlock()
	for _, sl := range subs {
		sl.Unsubscribe(s)
	}
	s.hub.all.Unsubscribe(s)
	s.hub.log.Info().Str("event", SESSION_CLOSED).EmbedObject(s).Msg("")
}

func (h *Hub) publish(ctx context.Context, from *Session, driverID string, data []byte) {
	sl, _ := h.sublists.GetSublist(driverID, true)
	n := sl.Send(data, from)
	n += h.all.Broadcast(data, from)
	metrics.RelayRelayed.Add(float64(n))
	if h.cache != nil {
		if err := h.cache.Put(ctx, driverID, data); err != nil {
			h.log.Error().Err(err).Str("driver", driverID).Msg("last known store failed")
		}
	}
}

type DriverStatus struct {
	DriverID    string `json:"driverId"`
	Subscribers int    `json:"subscribers"`
	HasLast     bool   `json:"hasLast"`
}

// Status reports every driver sublist, sorted by driver id.
func (h *Hub) Status() []DriverStatus {
	keys := h.sublists.Keys()
	out := make([]DriverStatus, 0, len(keys))
	for _, k := range keys {
		sl, ok := h.sublists.GetSublist(k, false)
		if !ok {
			continue
		}
		out = append(out, DriverStatus{DriverID: k, Subscribers: sl.Len(), HasLast: sl.Last() != nil})
	}
	return out
}
