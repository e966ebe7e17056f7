package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"nuha.dev/fleettrack/internal/metrics"
	"nuha.dev/fleettrack/internal/util"
)

type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" validate:"required"`
	TunnelAddr     string        `mapstructure:"tunnel_addr"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	PeerBuffer     int           `mapstructure:"peer_buffer" validate:"gt=0"`
	MaxMessage     int64         `mapstructure:"max_message" validate:"gt=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":7000",
		AuthTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		PeerBuffer:     64,
		MaxMessage:     16 << 10,
		AllowedOrigins: []string{"https://*", "http://*"},
	}
}

type Server struct {
	hub    *Hub
	cfg    ServerConfig
	log    log.Logger
	zlog   zerolog.Logger
	router chi.Router
	wg     sync.WaitGroup
}

func NewServer(hub *Hub, cfg ServerConfig) *Server {
	s := &Server{hub: hub, cfg: cfg}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "relay-server").Value()
	s.zlog = zerolog.New(os.Stderr).With().Timestamp().Str("module", "relay-tunnel").Logger()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.serveWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		if err := util.JsonWrite(w, s.hub.Status()); err != nil {
			s.log.Error().Err(err).Msg("unable to write status")
		}
	})
	r.Handle("/metrics", metrics.Handler())
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves websocket and, when configured, tunnel clients until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	hs := &http.Server{
		Addr:           s.cfg.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	errc := make(chan error, 2)
	go func() {
		s.log.Info().Msgf("starting relay on : %s", hs.Addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	var ln net.Listener
	if s.cfg.TunnelAddr != "" {
		var err error
		ln, err = net.Listen("tcp", s.cfg.TunnelAddr)
		if err != nil {
			_ = hs.Close()
			return err
		}
		go func() {
			if err := s.ServeTunnel(ctx, ln); err != nil {
				errc <- err
			}
		}()
	}
	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(shutdownCtx)
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	return err
}

// serve runs the read side of one session. The returned error says why it
// ended.
func (s *Server) serve(ctx context.Context, sess *Session, read func(deadline time.Time) ([]byte, error)) error {
	for {
		var deadline time.Time
		if !sess.Authenticated() {
			deadline = time.Now().Add(s.cfg.AuthTimeout)
		}
		data, err := read(deadline)
		if err != nil {
			return err
		}
		if err := sess.Handle(ctx, data); err != nil {
			return err
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}
	c.SetReadLimit(s.cfg.MaxMessage)
	metrics.RelayConnections.WithLabelValues("websocket").Inc()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ob := newOutbox(s.cfg.PeerBuffer)
	sess := s.hub.Attach(ob, "websocket")
	wdone := make(chan error, 1)
	go func() {
		wdone <- ob.run(func(d []byte) error {
			wctx, wcancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			defer wcancel()
			return c.Write(wctx, websocket.MessageText, d)
		}, cancel)
	}()
	err = s.serve(ctx, sess, func(deadline time.Time) ([]byte, error) {
		rctx := ctx
		if !deadline.IsZero() {
			var rcancel context.CancelFunc
			rctx, rcancel = context.WithDeadline(ctx, deadline)
			defer rcancel()
		}
		_, data, err := c.Read(rctx)
		return data, err
	})
	sess.Detach()
	ob.shutdown()
	werr := <-wdone
	pushed, skipped := ob.stat()
	s.log.Debug().EmbedObject(sess).Err(err).Uint64("pushed", pushed).Uint64("skipped", skipped).Msg("websocket session ended")
	switch {
	case werr != nil:
		c.Close(websocket.StatusInternalError, "write failed")
	case errors.Is(err, ErrRejected), errors.Is(err, ErrNotAuthenticated):
		c.Close(websocket.StatusPolicyViolation, "invalid token")
	case websocket.CloseStatus(err) != -1:
		c.Close(websocket.StatusNormalClosure, "")
	default:
		c.Close(websocket.StatusProtocolError, "")
	}
}

// ServeTunnel accepts yamux sessions over TCP (PROXY protocol aware). Each
// yamux stream is one client connection framed as newline-delimited JSON.
func (s *Server) ServeTunnel(ctx context.Context, ln net.Listener) error {
	pln := &proxyproto.Listener{Listener: ln}
	s.log.Info().Msgf("starting tunnel listener on %s", ln.Addr().String())
	for {
		c, err := pln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("failed to accept tunnel connection")
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleTunnel(ctx, c)
		}()
	}
}

func (s *Server) handleTunnel(ctx context.Context, c net.Conn) {
	wc := newCountedConn(c, s.hub.nextID(), s.zlog)
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Server(wc, cfg)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to start yamux session")
		wc.Close()
		return
	}
	defer session.Close()
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-session.CloseChan():
		}
	}()
	for {
		st, err := session.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(ctx, st)
		}()
	}
}

func (s *Server) handleStream(ctx context.Context, st net.Conn) {
	metrics.RelayConnections.WithLabelValues("tunnel").Inc()
	ob := newOutbox(s.cfg.PeerBuffer)
	sess := s.hub.Attach(ob, "tunnel")
	wdone := make(chan error, 1)
	go func() {
		wdone <- ob.run(func(d []byte) error {
			_ = st.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			bufs := net.Buffers{d, []byte{'\n'}}
			_, err := bufs.WriteTo(st)
			return err
		}, func() { st.Close() })
	}()
	sc := bufio.NewScanner(st)
	sc.Buffer(make([]byte, 4096), int(s.cfg.MaxMessage))
	err := s.serve(ctx, sess, func(deadline time.Time) ([]byte, error) {
		_ = st.SetReadDeadline(deadline)
		if sc.Scan() {
			line := sc.Bytes()
			data := make([]byte, len(line))
			copy(data, line)
			return data, nil
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	})
	sess.Detach()
	ob.shutdown()
	<-wdone
	s.log.Debug().EmbedObject(sess).Err(err).Msg("tunnel session ended")
	st.Close()
}
