package transport

import (
	"context"
	"errors"
	"testing"
)

type stubTransport struct {
	endpoints []string
}

type stubConn struct{}

func (stubConn) Send([]byte) error { return nil }
func (stubConn) Close() error      { return nil }

func (s *stubTransport) Open(ctx context.Context, endpoint string, h Handler) (Conn, error) {
	s.endpoints = append(s.endpoints, endpoint)
	return stubConn{}, nil
}

func TestMuxDispatchesOnScheme(t *testing.T) {
	ws := &stubTransport{}
	tn := &stubTransport{}
	m := Mux{"ws": ws, "wss": ws, "tunnel": tn}

	if _, err := m.Open(context.Background(), "ws://localhost:7000/ws", Handler{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(context.Background(), "tunnel://localhost:7001", Handler{}); err != nil {
		t.Fatal(err)
	}
	if len(ws.endpoints) != 1 || ws.endpoints[0] != "ws://localhost:7000/ws" {
		t.Errorf("ws got %v", ws.endpoints)
	}
	if len(tn.endpoints) != 1 {
		t.Errorf("tunnel got %v", tn.endpoints)
	}
	_, err := m.Open(context.Background(), "ftp://localhost", Handler{})
	if !errors.Is(err, ErrUnknownScheme) {
		t.Errorf("expected ErrUnknownScheme, got %v", err)
	}
}

func TestCloserFiresOnce(t *testing.T) {
	calls := 0
	var got error
	cl := newCloser(Handler{OnClose: func(err error) {
		calls++
		got = err
	}})
	boom := errors.New("boom")
	if !cl.fire(boom) {
		t.Error("first fire should report true")
	}
	if cl.fire(nil) {
		t.Error("second fire should report false")
	}
	if calls != 1 || got != boom {
		t.Errorf("calls=%d err=%v", calls, got)
	}
	select {
	case <-cl.done():
	default:
		t.Error("done channel not closed")
	}
}

func TestLocationSubject(t *testing.T) {
	cases := map[string]string{
		"d1":     "fleet.location.d1",
		"a.b":    "fleet.location.a_b",
		"x*>y z": "fleet.location.x__y_z",
	}
	for in, want := range cases {
		if got := LocationSubject(in); got != want {
			t.Errorf("LocationSubject(%q) = %q, want %q", in, got, want)
		}
	}
}
