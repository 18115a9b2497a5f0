// Package proxy bootstraps the three protocol listeners (PostgreSQL,
// Cassandra, MongoDB) and dispatches each accepted connection to its wire
// engine. It owns no protocol logic of its own beyond accept loops and
// graceful shutdown.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
	"github.com/krbdbproxy/krbdbproxy/internal/cassandra"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
	"github.com/krbdbproxy/krbdbproxy/internal/mongowire"
	"github.com/krbdbproxy/krbdbproxy/internal/pgwire"
)

// Server owns the accept loops for every configured protocol listener.
type Server struct {
	pgResolver   pgwire.Resolver
	cassResolver cassandra.Resolver
	mongoTarget  string
	mongoEnabled bool

	fire    audit.Fire
	metrics *metrics.Collector
	logger  *slog.Logger

	listeners []net.Listener
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer builds a Server. pgResolver and cassResolver are the router
// snapshots driving each protocol's backend selection; mongoTarget is the
// single dial address for the MongoDB passthrough listener ("" disables
// it).
func NewServer(pgResolver pgwire.Resolver, cassResolver cassandra.Resolver, mongoTarget string, fire audit.Fire, m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		pgResolver:   pgResolver,
		cassResolver: cassResolver,
		mongoTarget:  mongoTarget,
		mongoEnabled: mongoTarget != "",
		fire:         fire,
		metrics:      m,
		logger:       slog.Default(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ListenPostgres starts the PostgreSQL wire-protocol listener.
func (s *Server) ListenPostgres(port int) error {
	ln, err := s.listen("postgres", port)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, "postgres", s.handlePostgres)
	}()
	return nil
}

// ListenCassandra starts the Cassandra native-protocol listener.
func (s *Server) ListenCassandra(port int) error {
	ln, err := s.listen("cassandra", port)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, "cassandra", s.handleCassandra)
	}()
	return nil
}

// ListenMongo starts the MongoDB passthrough listener. It is a no-op if
// the server was built with no mongo target configured.
func (s *Server) ListenMongo(port int) error {
	if !s.mongoEnabled {
		s.logger.Info("mongo passthrough disabled: no backend route configured")
		return nil
	}
	ln, err := s.listen("mongo", port)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, "mongo", s.handleMongo)
	}()
	return nil
}

func (s *Server) listen(name string, port int) (net.Listener, error) {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s for %s: %w", addr, name, err)
	}
	s.listeners = append(s.listeners, ln)
	s.logger.Info("listener started", "protocol", name, "addr", addr)
	return ln, nil
}

func (s *Server) acceptLoop(ln net.Listener, protocol string, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn("accept error", "protocol", protocol, "err", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handle(conn)
		}()
	}
}

func (s *Server) handlePostgres(conn net.Conn) {
	fe := &pgwire.Frontend{
		Conn:     conn,
		Resolver: s.pgResolver,
		Session:  audit.NewSession(conn.RemoteAddr().String(), audit.ProtocolPostgres),
		Fire:     s.fire,
		Metrics:  s.metrics,
	}
	fe.Run(s.ctx)
}

func (s *Server) handleCassandra(conn net.Conn) {
	sess := &cassandra.Session{
		Client:       conn,
		Resolver:     s.cassResolver,
		AuditSession: audit.NewSession(conn.RemoteAddr().String(), audit.ProtocolCassandra),
		Fire:         s.fire,
		Metrics:      s.metrics,
	}
	if err := sess.Run(s.ctx); err != nil {
		s.logger.Warn("cassandra session ended", "err", err)
	}
}

func (s *Server) handleMongo(conn net.Conn) {
	h := &mongowire.Handler{
		AuditSession: audit.NewSession(conn.RemoteAddr().String(), audit.ProtocolMongo),
		Fire:         s.fire,
		Metrics:      s.metrics,
		Logger:       s.logger,
	}
	target := s.mongoTarget
	if err := h.Handle(s.ctx, conn, func() (net.Conn, error) {
		return net.Dial("tcp", target)
	}); err != nil {
		s.logger.Warn("mongo session ended", "err", err)
	}
}

// Stop closes every listener and waits for in-flight connections' accept
// loops to return. It does not forcibly close already-accepted
// connections; those drain on their own via context cancellation
// propagated to blocking reads where the engines support it.
func (s *Server) Stop() {
	s.cancel()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.wg.Wait()
	s.logger.Info("proxy server stopped")
}
