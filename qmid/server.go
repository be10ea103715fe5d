// Package qmid serves a qmi.Device to local processes over a unix socket.
//
// Each accepted connection owns one qmi.Handle. The wire protocol and the
// client are in package thin.
package qmid

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi"
)

// Option configures a Server.
type Option func(*Server)

// WithMetrics registers the server's connection gauge on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Server) { s.reg = reg }
}

// WithReadLimit caps the SDU size a Read request may ask for.
func WithReadLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// Server accepts thin client connections for one device.
type Server struct {
	sync.Mutex

	d         *qmi.Device
	reg       prometheus.Registerer
	readLimit int
	connGauge prometheus.Gauge

	listener *net.UnixListener
	conns    map[uuid.UUID]*incomingConn

	closeAllCh chan struct{}
	closeAllWg sync.WaitGroup
	closeOnce  sync.Once
}

// New returns a server for d. Call Listen and then Serve.
func New(d *qmi.Device, opts ...Option) *Server {
	s := &Server{
		d:          d,
		readLimit:  defaultReadLimit,
		conns:      make(map[uuid.UUID]*incomingConn),
		closeAllCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qmid",
		Name:      "connections",
		Help:      "Open thin client connections.",
	})
	if s.reg != nil {
		if err := s.reg.Register(s.connGauge); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				pkg.LogWarn(pkg.ComponentServer, "metrics registration failed", "error", err)
			} else if g, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				s.connGauge = g
			}
		}
	}
	return s
}

// Listen binds the unix socket at path. A stale socket file left by a
// previous run is removed first.
func (s *Server) Listen(path string) error {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return err
	}
	s.Lock()
	s.listener = l
	s.Unlock()
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.Lock()
	defer s.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Close is called. It
// returns nil on an orderly stop.
func (s *Server) Serve(ctx context.Context) error {
	s.Lock()
	l := s.listener
	s.Unlock()
	if l == nil {
		return pkg.ErrNotRunning
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	addr := l.Addr()
	pkg.LogInfo(pkg.ComponentServer, "listening", "addr", addr)
	defer pkg.LogInfo(pkg.ComponentServer, "stopped listening", "addr", addr)

	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			select {
			case <-s.closeAllCh:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			pkg.LogError(pkg.ComponentServer, "critical accept failure", "error", err)
			return err
		}
		s.onNewConn(conn)
	}
}

func (s *Server) onNewConn(conn *net.UnixConn) {
	h, err := qmi.Open(s.d)
	if err != nil {
		pkg.LogWarn(pkg.ComponentServer, "rejecting connection", "error", err)
		_ = conn.Close()
		return
	}

	c := newIncomingConn(s, conn, h)

	s.Lock()
	select {
	case <-s.closeAllCh:
		s.Unlock()
		c.close()
		return
	default:
	}
	s.closeAllWg.Add(1)
	s.conns[c.id] = c
	s.Unlock()
	s.connGauge.Inc()

	go c.worker()
}

func (s *Server) onClosedConn(c *incomingConn) {
	s.Lock()
	delete(s.conns, c.id)
	s.Unlock()
	s.connGauge.Dec()
	s.closeAllWg.Done()
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	s.Lock()
	defer s.Unlock()
	return len(s.conns)
}

// Close stops accepting, closes every connection, and waits for their
// handles to be released. The socket file is removed.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Lock()
		close(s.closeAllCh)
		l := s.listener
		s.Unlock()
		if l != nil {
			// Closing a UnixListener unlinks its socket file.
			err = l.Close()
		}
		s.closeAllWg.Wait()
	})
	return err
}
