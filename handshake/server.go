// Package handshake implements the one-shot discovery listener a freshly
// spawned backend calls back into, and the client side of that call.
//
// The host generates a token, listens on an ephemeral loopback port, and
// launches the backend with both. The backend connects back presenting the
// token and its own channel port. The first registration with a matching
// token completes Channel and tears the listener down. Mismatches are
// answered 403 and logged; the listener stays open until its deadline.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pithecene-io/jpoly/future"
	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/types"
)

// Registration headers.
const (
	HeaderToken       = "token"
	HeaderChannelPort = "channel-port"
	HeaderProtocol    = "protocol-version"
)

// Defaults.
const (
	DefaultTimeout = 30 * time.Second
	DefaultAddress = "127.0.0.1:0"
	loopbackHost   = "127.0.0.1"
)

// ErrClosed rejects Channel when the server is closed before registration.
var ErrClosed = errors.New("handshake server closed")

// Config holds Server settings.
type Config struct {
	// Token is the shared secret. Defaults to NewToken().
	Token string
	// Timeout is the overall registration deadline. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Address must be a loopback host. Defaults to DefaultAddress.
	Address string
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// Server is a single-use registration listener.
type Server struct {
	token     string
	timeout   time.Duration
	ln        net.Listener
	http      *http.Server
	channel   *future.Future[string]
	logger    *log.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	accepted bool

	stopOnce sync.Once
}

// Listen binds the listener. A bind failure is returned before any backend
// is launched.
func Listen(cfg Config) (*Server, error) {
	if cfg.Token == "" {
		tok, err := NewToken()
		if err != nil {
			return nil, err
		}
		cfg.Token = tok
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if err := requireLoopback(cfg.Address); err != nil {
		return nil, types.NewError(types.ErrProcessLaunch, "handshake listen", cfg.Address, err)
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, types.NewError(types.ErrProcessLaunch, "handshake listen", cfg.Address, err)
	}

	s := &Server{
		token:     cfg.Token,
		timeout:   cfg.Timeout,
		ln:        ln,
		channel:   future.New[string](),
		logger:    cfg.Logger.With("handshake"),
		collector: cfg.Collector,
	}
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Debug("handshake listener bound", map[string]any{"port": s.Port()})
	return s, nil
}

func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("handshake address %q is not loopback", addr)
	}
	return nil
}

// Port returns the OS-assigned listener port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Token returns the shared secret the backend must present.
func (s *Server) Token() string {
	return s.token
}

// Channel resolves with the backend's advertised channel address (host:port),
// or rejects on timeout or close.
func (s *Server) Channel() *future.Future[string] {
	return s.channel
}

// Serve accepts registrations until one succeeds, the deadline passes, or
// ctx is done. The listener is always torn down on return. The deadline
// yields types.ErrHandshakeTimeout.
func (s *Server) Serve(ctx context.Context) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer s.stop()

	select {
	case <-s.channel.Done():
		_, _, err := s.channel.Peek()
		return err
	case <-timer.C:
		s.collector.IncHandshakeTimeout()
		s.logger.Warn("handshake deadline exceeded", map[string]any{"timeout": s.timeout.String()})
		return s.fail(types.NewError(types.ErrHandshakeTimeout, "handshake", strconv.Itoa(s.Port()),
			fmt.Errorf("no valid registration within %s", s.timeout)))
	case <-ctx.Done():
		return s.fail(ctx.Err())
	case err := <-serveErr:
		return s.fail(err)
	}
}

// Close stops the listener and rejects Channel if still pending.
func (s *Server) Close() error {
	s.channel.Reject(ErrClosed)
	s.stop()
	return nil
}

// fail rejects the channel with err unless a registration won the race.
func (s *Server) fail(err error) error {
	if s.channel.Reject(err) {
		return err
	}
	_, _, settled := s.channel.Peek()
	return settled
}

func (s *Server) stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			_ = s.http.Close()
		}
		_ = s.ln.Close()
	})
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.HandleFunc("/*", s.handleRegister)
	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !tokensEqual(r.Header.Get(HeaderToken), s.token) {
		s.collector.IncHandshakeRejected()
		s.logger.Security("handshake token mismatch", map[string]any{
			"remote_addr": r.RemoteAddr,
		})
		w.WriteHeader(http.StatusForbidden)
		return
	}

	port, err := strconv.Atoi(r.Header.Get(HeaderChannelPort))
	if err != nil || port <= 0 || port > 65535 {
		s.logger.Warn("handshake with invalid channel port", map[string]any{
			"channel_port": r.Header.Get(HeaderChannelPort),
		})
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	first := !s.accepted
	s.accepted = true
	s.mu.Unlock()
	if !first {
		// Single use: the channel is already negotiated.
		w.WriteHeader(http.StatusConflict)
		return
	}

	// Backends that predate the header are accepted as-is.
	if v := r.Header.Get(HeaderProtocol); v != "" && v != types.ProtocolVersion {
		s.logger.Warn("backend protocol version differs", map[string]any{
			"backend": v,
			"host":    types.ProtocolVersion,
		})
	}

	addr := net.JoinHostPort(loopbackHost, strconv.Itoa(port))
	if !s.channel.Resolve(addr) {
		// The deadline or Close settled the channel first.
		s.logger.Warn("registration after handshake ended", map[string]any{"channel": addr})
		w.WriteHeader(http.StatusGone)
		return
	}
	s.collector.IncHandshakeAccepted()
	s.logger.Info("backend registered", map[string]any{"channel": addr})
	w.WriteHeader(http.StatusOK)
}
