package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/eventmesh/internal/services/mesh/auth"
	"github.com/louisbranch/eventmesh/internal/services/mesh/group"
	"github.com/louisbranch/eventmesh/internal/services/mesh/metrics"
	"github.com/louisbranch/eventmesh/internal/services/mesh/session"
	"github.com/louisbranch/eventmesh/internal/services/mesh/storage"
	"github.com/louisbranch/eventmesh/internal/services/mesh/trace"
	"github.com/rs/zerolog"
)

// Store is the broker persistence the runtime needs.
type Store interface {
	group.Broker
	CreateTopic(ctx context.Context, name string) (storage.Topic, error)
	ListTopics(ctx context.Context) ([]storage.Topic, error)
}

// Mesh owns the routing state shared by every transport: the group table,
// the live sessions and the flow counters.
type Mesh struct {
	cfg      Config
	logger   zerolog.Logger
	store    Store
	table    *group.Table
	sessions *sessionManager
	metrics  *metrics.Summary
	tracer   *trace.Service
	verifier *auth.Verifier

	connCtx     context.Context
	cancelConns context.CancelFunc
}

// NewMesh builds the routing core. tracer may be nil.
func NewMesh(cfg Config, store Store, summary *metrics.Summary, tracer *trace.Service) (*Mesh, error) {
	if store == nil {
		return nil, errors.New("broker store is required")
	}
	cfg = cfg.normalized()
	if summary == nil {
		summary = metrics.New()
	}

	var verifier *auth.Verifier
	if cfg.SecurityEnabled {
		secret := strings.TrimSpace(cfg.AuthSecret)
		if secret == "" {
			return nil, errors.New("auth secret is required when security is enabled")
		}
		v, err := auth.NewVerifier(auth.Config{Secret: []byte(secret), Now: cfg.Clock})
		if err != nil {
			return nil, fmt.Errorf("build token verifier: %w", err)
		}
		verifier = v
	}

	table := group.NewTable(cfg.SysID, store, summary, group.Options{
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		IsolateWindow: cfg.IsolateWindow,
		DownstreamTTL: cfg.DownstreamTTL,
		MaxRetries:    cfg.MaxRetries,
	})
	connCtx, cancel := context.WithCancel(context.Background())
	return &Mesh{
		cfg:         cfg,
		logger:      cfg.Logger,
		store:       store,
		table:       table,
		sessions:    newSessionManager(table, summary, cfg.Logger),
		metrics:     summary,
		tracer:      tracer,
		verifier:    verifier,
		connCtx:     connCtx,
		cancelConns: cancel,
	}, nil
}

// Table returns the group table.
func (m *Mesh) Table() *group.Table { return m.table }

// Metrics returns the flow counters.
func (m *Mesh) Metrics() *metrics.Summary { return m.metrics }

// Sessions lists live sessions.
func (m *Mesh) Sessions() []*session.Session { return m.sessions.Sessions() }

// RunHeartbeatSweeper closes idle sessions until ctx ends.
func (m *Mesh) RunHeartbeatSweeper(ctx context.Context) {
	m.sessions.runSweeper(ctx, m.cfg.HeartbeatSweep, m.cfg.HeartbeatTimeout, m.cfg.Clock)
}

// SweepIdle closes sessions idle past the heartbeat timeout now.
func (m *Mesh) SweepIdle() int {
	return m.sessions.sweep(m.cfg.Clock(), m.cfg.HeartbeatTimeout)
}

// Close says goodbye to every session and drops the remaining connections.
func (m *Mesh) Close() error {
	m.sessions.closeAll("server shutting down")
	m.cancelConns()
	return nil
}

func (m *Mesh) sessionOptions() session.Options {
	return session.Options{
		Logger:         m.logger,
		Clock:          m.cfg.Clock,
		UpstreamBuffer: m.cfg.UpstreamBuffer,
		PusherQueue:    m.cfg.PusherQueue,
	}
}
