// Package app runs the mesh: the TCP and websocket frame transports, the HTTP
// and gRPC publish surfaces, the admin server and the heartbeat sweeper.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	platformgrpc "github.com/louisbranch/eventmesh/internal/platform/grpc"
	"github.com/louisbranch/eventmesh/internal/platform/shutdown"
	"github.com/louisbranch/eventmesh/internal/services/mesh/admin"
	"github.com/louisbranch/eventmesh/internal/services/mesh/api/grpc/publisher"
	"github.com/louisbranch/eventmesh/internal/services/mesh/metrics"
	"github.com/louisbranch/eventmesh/internal/services/mesh/storage/sqlite"
	"github.com/louisbranch/eventmesh/internal/services/mesh/trace"
	"google.golang.org/grpc"
)

// Server hosts every mesh surface in one process.
type Server struct {
	cfg    Config
	mesh   *Mesh
	store  *sqlite.Store
	tracer *trace.Service

	tcpListener   net.Listener
	httpListener  net.Listener
	grpcListener  net.Listener
	adminListener net.Listener

	httpServer  *http.Server
	adminServer *http.Server
	grpcServer  *grpc.Server
	health      *platformgrpc.HealthServer

	conns sync.WaitGroup
}

// NewServer opens the broker store, binds every configured listener and
// wires the surfaces. Nothing is served until Serve.
func NewServer(ctx context.Context, cfg Config) (srv *Server, err error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	cfg = cfg.normalized()
	if strings.TrimSpace(cfg.TCPAddr) == "" && strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, errors.New("a tcp or http address is required")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create broker storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open broker store: %w", err)
	}
	s := &Server{cfg: cfg, store: store}
	defer func() {
		if err != nil {
			s.closeListeners()
			if s.tracer != nil {
				_ = s.tracer.Shutdown(context.Background())
			}
			_ = store.Close()
		}
	}()

	s.tracer, err = trace.New(ctx, trace.Options{
		ServiceName: "eventmesh",
		Endpoint:    cfg.OTelEndpoint,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init trace service: %w", err)
	}

	s.mesh, err = NewMesh(cfg, store, metrics.New(), s.tracer)
	if err != nil {
		return nil, err
	}

	if s.tcpListener, err = listen(cfg.TCPAddr); err != nil {
		return nil, fmt.Errorf("listen tcp: %w", err)
	}
	if s.httpListener, err = listen(cfg.HTTPAddr); err != nil {
		return nil, fmt.Errorf("listen http: %w", err)
	}
	if s.grpcListener, err = listen(cfg.GRPCAddr); err != nil {
		return nil, fmt.Errorf("listen grpc: %w", err)
	}
	if s.adminListener, err = listen(cfg.AdminAddr); err != nil {
		return nil, fmt.Errorf("listen admin: %w", err)
	}

	if s.httpListener != nil {
		s.httpServer = &http.Server{
			Handler:           s.mesh.Handler(),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
	}
	if s.grpcListener != nil {
		s.grpcServer = grpc.NewServer(platformgrpc.DefaultServerOptions()...)
		publisher.RegisterPublisherServer(s.grpcServer, publisher.NewService(s.mesh.Table(), store, s.tracer, s.mesh.Metrics()))
		s.health = platformgrpc.RegisterHealth(s.grpcServer, publisher.ServiceName)
	}
	if s.adminListener != nil {
		s.adminServer = &http.Server{
			Handler: admin.NewHandler(admin.Options{
				Configuration: func() (admin.Configuration, error) {
					return cfg.configuration(addrOf(s.tcpListener), addrOf(s.httpListener), addrOf(s.grpcListener)), nil
				},
				Sessions:      s.mesh,
				Stats:         s.mesh.Metrics(),
				Topics:        store,
				Subscriptions: store,
				Logger:        cfg.Logger,
			}),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
	}
	return s, nil
}

// Run creates and serves a mesh server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init mesh server: %w", err)
	}
	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("serve mesh: %w", err)
	}
	return nil
}

// Mesh returns the routing core.
func (s *Server) Mesh() *Mesh { return s.mesh }

// TCPAddr returns the bound TCP frame address, or nil.
func (s *Server) TCPAddr() net.Addr { return addrOf(s.tcpListener) }

// HTTPAddr returns the bound HTTP address, or nil.
func (s *Server) HTTPAddr() net.Addr { return addrOf(s.httpListener) }

// GRPCAddr returns the bound gRPC address, or nil.
func (s *Server) GRPCAddr() net.Addr { return addrOf(s.grpcListener) }

// AdminAddr returns the bound admin address, or nil.
func (s *Server) AdminAddr() net.Addr { return addrOf(s.adminListener) }

// Serve runs every surface until ctx ends or one of them fails, then shuts
// everything down in order.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("mesh server is nil")
	}
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 4)
	var running sync.WaitGroup
	start := func(name string, serve func() error) {
		running.Add(1)
		go func() {
			defer running.Done()
			if err := serve(); err != nil {
				serveErr <- fmt.Errorf("serve %s: %w", name, err)
			}
		}()
	}

	if s.tcpListener != nil {
		start("tcp", s.acceptTCP)
		s.cfg.Logger.Info().Str("addr", s.tcpListener.Addr().String()).Msg("tcp frame listener started")
	}
	if s.httpServer != nil {
		start("http", func() error {
			if err := s.httpServer.Serve(s.httpListener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		s.cfg.Logger.Info().Str("addr", s.httpListener.Addr().String()).Msg("http server started")
	}
	if s.grpcServer != nil {
		start("grpc", func() error { return s.grpcServer.Serve(s.grpcListener) })
		s.cfg.Logger.Info().Str("addr", s.grpcListener.Addr().String()).Msg("grpc server started")
	}
	if s.adminServer != nil {
		start("admin", func() error {
			if err := s.adminServer.Serve(s.adminListener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		s.cfg.Logger.Info().Str("addr", s.adminListener.Addr().String()).Msg("admin server started")
	}
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		s.mesh.RunHeartbeatSweeper(serveCtx)
	}()

	var failure error
	select {
	case <-ctx.Done():
	case failure = <-serveErr:
		s.cfg.Logger.Error().Err(failure).Msg("mesh surface failed")
	}
	cancel()
	<-sweeperDone

	shutdownErr := s.shutdown()
	running.Wait()
	if failure != nil {
		return failure
	}
	return shutdownErr
}

func (s *Server) acceptTCP() error {
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.mesh.ServeConn(conn, conn.RemoteAddr())
		}()
	}
}

// shutdown stops intake first, then says goodbye to sessions, then stops the
// servers and finally releases tracing and storage.
func (s *Server) shutdown() error {
	steps := []shutdown.Step{
		{Name: "grpc health", Close: func() error {
			s.health.Drain()
			return nil
		}},
		{Name: "tcp listener", Close: func() error {
			if s.tcpListener == nil {
				return nil
			}
			if err := s.tcpListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		}},
		{Name: "sessions", Close: func() error {
			err := s.mesh.Close()
			s.conns.Wait()
			return err
		}},
		{Name: "http server", Close: func() error { return shutdownHTTP(s.httpServer, s.cfg) }},
		{Name: "admin server", Close: func() error { return shutdownHTTP(s.adminServer, s.cfg) }},
		{Name: "grpc server", Close: func() error {
			if s.grpcServer != nil {
				s.grpcServer.GracefulStop()
			}
			return nil
		}},
		{Name: "trace", Close: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			return s.tracer.Shutdown(ctx)
		}},
		{Name: "broker store", Close: s.store.Close},
	}
	return shutdown.Run(s.cfg.Logger, steps...)
}

func shutdownHTTP(server *http.Server, cfg Config) error {
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func (s *Server) closeListeners() {
	for _, l := range []net.Listener{s.tcpListener, s.httpListener, s.grpcListener, s.adminListener} {
		if l != nil {
			_ = l.Close()
		}
	}
}

func listen(addr string) (net.Listener, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	return net.Listen("tcp", addr)
}

func addrOf(l net.Listener) net.Addr {
	if l == nil {
		return nil
	}
	return l.Addr()
}
