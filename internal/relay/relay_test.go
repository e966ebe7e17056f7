package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/transport"
	"nuha.dev/fleettrack/internal/wire"
)

type recorder struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func (r *recorder) Push(d []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	r.msgs = append(r.msgs, d)
	return false
}

func (r *recorder) decoded(t *testing.T) []wire.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.Message, 0, len(r.msgs))
	for _, d := range r.msgs {
		m, err := wire.Decode(d)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, m)
	}
	return out
}

type memCache struct {
	data map[string][]byte
}

func (c *memCache) Put(ctx context.Context, id string, d []byte) error {
	c.data[id] = d
	return nil
}

func (c *memCache) Get(ctx context.Context, id string) ([]byte, bool, error) {
	d, ok := c.data[id]
	return d, ok, nil
}

func staticHub(t *testing.T, cache LastKnown) *Hub {
	t.Helper()
	h, err := HashToken("secret", 4)
	if err != nil {
		t.Fatal(err)
	}
	return NewHub(NewStaticValidator(map[string]string{"ops": h}), cache)
}

func encode(t *testing.T, m wire.Message) []byte {
	t.Helper()
	b, err := wire.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func location(t *testing.T, id string, seq uint64, lng float64) []byte {
	return encode(t, wire.LocationEnvelope{
		DriverID: id, Sequence: seq,
		Fix: geo.NewFix(0, lng, time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC)),
	})
}

func TestSublistReplaysLast(t *testing.T) {
	sl := newSublist("d1")
	a := &recorder{}
	sl.Subscribe(a)
	if n := sl.Send([]byte("one"), nil); n != 1 {
		t.Errorf("pushed to %d, want 1", n)
	}
	b := &recorder{}
	sl.Subscribe(b)
	if len(b.msgs) != 1 || string(b.msgs[0]) != "one" {
		t.Errorf("late subscriber got %q", b.msgs)
	}
	a.closed = true
	sl.Send([]byte("two"), b)
	if sl.Len() != 1 {
		t.Errorf("closed subscriber should be dropped, len=%d", sl.Len())
	}
	sl.Broadcast([]byte("three"), nil)
	if string(sl.Last()) != "two" {
		t.Errorf("broadcast must not replace last, got %q", sl.Last())
	}
}

func TestHubRequiresAuthFirst(t *testing.T) {
	hub := staticHub(t, nil)
	r := &recorder{}
	s := hub.Attach(r, "test")
	err := s.Handle(context.Background(), location(t, "d1", 1, 0))
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	msgs := r.decoded(t)
	if len(msgs) != 1 || msgs[0].(wire.AuthResult).OK {
		t.Errorf("expected a failed authResult, got %+v", msgs)
	}
}

func TestHubRejectsBadToken(t *testing.T) {
	hub := staticHub(t, nil)
	r := &recorder{}
	s := hub.Attach(r, "test")
	err := s.Handle(context.Background(), encode(t, wire.Authenticate{Token: "nope"}))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if s.Authenticated() {
		t.Error("session must stay unauthenticated")
	}
}

func TestHubFanOut(t *testing.T) {
	cache := &memCache{data: map[string][]byte{}}
	hub := staticHub(t, cache)
	ctx := context.Background()
	auth := encode(t, wire.Authenticate{Token: "secret"})

	driver := &recorder{}
	ds := hub.Attach(driver, "test")
	one := &recorder{}
	cs := hub.Attach(one, "test")
	all := &recorder{}
	as := hub.Attach(all, "test")
	for _, s := range []*Session{ds, cs, as} {
		if err := s.Handle(ctx, auth); err != nil {
			t.Fatal(err)
		}
	}
	if err := ds.Handle(ctx, location(t, "d1", 1, 0)); err != nil {
		t.Fatal(err)
	}
	if err := cs.Handle(ctx, encode(t, wire.Subscribe{DriverIDs: []string{"d1"}})); err != nil {
		t.Fatal(err)
	}
	if err := as.Handle(ctx, encode(t, wire.Subscribe{})); err != nil {
		t.Fatal(err)
	}
	if err := ds.Handle(ctx, location(t, "d1", 2, 0.0001)); err != nil {
		t.Fatal(err)
	}
	if err := ds.Handle(ctx, location(t, "d2", 1, 0.0002)); err != nil {
		t.Fatal(err)
	}

	seqs := func(r *recorder) []string {
		var out []string
		for _, m := range r.decoded(t) {
			if env, ok := m.(wire.LocationEnvelope); ok {
				out = append(out, fmt.Sprintf("%s:%d", env.DriverID, env.Sequence))
			}
		}
		return out
	}
	if got := strings.Join(seqs(one), ","); got != "d1:1,d1:2" {
		t.Errorf("driver subscriber got %s", got)
	}
	if got := strings.Join(seqs(all), ","); got != "d1:1,d1:2,d2:1" {
		t.Errorf("all-driver subscriber got %s", got)
	}
	if got := seqs(driver); len(got) != 0 {
		t.Errorf("publisher must not receive its own envelopes, got %v", got)
	}
	if _, ok := cache.data["d2"]; !ok {
		t.Error("last known not cached")
	}
	if got := strings.Join(hub.Drivers(), ","); got != "d1,d2" {
		t.Errorf("drivers = %s", got)
	}
	if st := hub.Status(); len(st) != 2 || st[0].Subscribers != 1 || !st[1].HasLast {
		t.Errorf("status %+v", st)
	}

	cs.Handle(ctx, encode(t, wire.Unsubscribe{DriverIDs: []string{"d1"}}))
	ds.Handle(ctx, location(t, "d1", 3, 0.0003))
	if got := len(seqs(one)); got != 2 {
		t.Errorf("unsubscribed session still receives, %d envelopes", got)
	}
}

func TestHubReplaysFromCache(t *testing.T) {
	cache := &memCache{data: map[string][]byte{}}
	cache.data["d9"] = []byte(`{"type":"locationUpdate","driverId":"d9","sequence":7,"fix":{"lat":1,"lng":2,"accuracy":null,"at":"2024-01-01T00:00:00Z"}}`)
	hub := staticHub(t, cache)
	ctx := context.Background()
	r := &recorder{}
	s := hub.Attach(r, "test")
	s.Handle(ctx, encode(t, wire.Authenticate{Token: "secret"}))
	s.Handle(ctx, encode(t, wire.Subscribe{DriverIDs: []string{"d9"}}))
	msgs := r.decoded(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if env := msgs[1].(wire.LocationEnvelope); env.Sequence != 7 {
		t.Errorf("replayed sequence %d", env.Sequence)
	}
}

func TestLocalTransport(t *testing.T) {
	hub := staticHub(t, nil)
	l := NewLocal(hub)
	var mu sync.Mutex
	var got []wire.Message
	var closeErr error
	closed := false
	c, err := l.Open(context.Background(), "local://", transport.Handler{
		OnMessage: func(d []byte) {
			m, err := wire.Decode(d)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
		OnClose: func(err error) {
			closed = true
			closeErr = err
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(encode(t, wire.Authenticate{Token: "secret"})); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].(wire.AuthResult).OK {
		t.Fatalf("expected auth ok, got %+v", got)
	}
	boom := errors.New("network down")
	l.DropAll(boom)
	if !closed || closeErr != boom {
		t.Errorf("closed=%v err=%v", closed, closeErr)
	}
	if err := c.Send(nil); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("send after drop: %v", err)
	}
	l.SetRefuse(boom)
	if _, err := l.Open(context.Background(), "local://", transport.Handler{}); err != boom {
		t.Errorf("refused open returned %v", err)
	}
}

func TestServerWebSocket(t *testing.T) {
	hub := staticHub(t, nil)
	cfg := DefaultServerConfig()
	srv := NewServer(hub, cfg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	dial := func() *websocket.Conn {
		c, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Write(ctx, websocket.MessageText, encode(t, wire.Authenticate{Token: "secret"})); err != nil {
			t.Fatal(err)
		}
		_, d, err := c.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		m, err := wire.Decode(d)
		if err != nil {
			t.Fatal(err)
		}
		if !m.(wire.AuthResult).OK {
			t.Fatal("auth rejected")
		}
		return c
	}
	console := dial()
	defer console.Close(websocket.StatusNormalClosure, "")
	driver := dial()
	defer driver.Close(websocket.StatusNormalClosure, "")

	if err := console.Write(ctx, websocket.MessageText, encode(t, wire.Subscribe{DriverIDs: []string{"d1"}})); err != nil {
		t.Fatal(err)
	}
	// the subscribe is handled before any later publish only once the relay
	// has read it; poll the sublist
	deadline := time.Now().Add(2 * time.Second)
	for {
		if sl, ok := hub.sublists.GetSublist("d1", false); ok && sl.Len() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := driver.Write(ctx, websocket.MessageText, location(t, "d1", 1, 0.0001)); err != nil {
		t.Fatal(err)
	}
	_, d, err := console.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m, err := wire.Decode(d)
	if err != nil {
		t.Fatal(err)
	}
	env, ok := m.(wire.LocationEnvelope)
	if !ok || env.DriverID != "d1" || env.Sequence != 1 {
		t.Errorf("unexpected %+v", m)
	}
}

func TestServerWebSocketRejectsBadToken(t *testing.T) {
	hub := staticHub(t, nil)
	ts := httptest.NewServer(NewServer(hub, DefaultServerConfig()).Handler())
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")
	c.Write(ctx, websocket.MessageText, encode(t, wire.Authenticate{Token: "wrong"}))
	_, d, err := c.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := wire.Decode(d)
	if res, ok := m.(wire.AuthResult); !ok || res.OK {
		t.Fatalf("expected rejection, got %+v", m)
	}
	_, _, err = c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("expected policy violation close, got %v", err)
	}
}

func TestServerTunnel(t *testing.T) {
	hub := staticHub(t, nil)
	srv := NewServer(hub, DefaultServerConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeTunnel(ctx, ln)
	defer ln.Close()

	got := make(chan wire.Message, 4)
	octx, ocancel := context.WithTimeout(ctx, 5*time.Second)
	defer ocancel()
	c, err := transport.NewTunnel().Open(octx, "tunnel://"+ln.Addr().String(), transport.Handler{
		OnMessage: func(d []byte) {
			m, err := wire.Decode(d)
			if err == nil {
				got <- m
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Send(encode(t, wire.Authenticate{Token: "secret"})); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-got:
		if res, ok := m.(wire.AuthResult); !ok || !res.OK {
			t.Fatalf("unexpected reply %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no auth reply over the tunnel")
	}
}

type discard struct{}

func (discard) Push([]byte) bool { return false }

func BenchmarkSublistSend(b *testing.B) {
	sl := newSublist("d1")
	for i := 0; i < 100; i++ {
		sl.Subscribe(&outbox{out: make(chan []byte, 1), done: make(chan struct{})})
	}
	sl.Subscribe(discard{})
	d := []byte(`{"type":"locationUpdate"}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Send(d, nil)
	}
}

func TestOutboxWriteFailureAborts(t *testing.T) {
	ob := newOutbox(4)
	ob.Push([]byte("a"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	werr := errors.New("broken pipe")
	done := make(chan error, 1)
	go func() {
		done <- ob.run(func([]byte) error { return werr }, cancel)
	}()
	select {
	case err := <-done:
		if !errors.Is(err, werr) {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("writer did not stop")
	}
	if ctx.Err() == nil {
		t.Error("reader context not cancelled")
	}
	if !ob.Push([]byte("b")) {
		t.Error("push after failure must report closed outbox")
	}
}

func TestOutboxFlushesOnShutdown(t *testing.T) {
	ob := newOutbox(4)
	ob.Push([]byte("a"))
	ob.Push([]byte("b"))
	ob.shutdown()
	var got []string
	aborted := false
	err := ob.run(func(d []byte) error {
		got = append(got, string(d))
		return nil
	}, func() { aborted = true })
	if err != nil || aborted {
		t.Errorf("run err %v aborted %v", err, aborted)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("flushed %v", got)
	}
}
