package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/eventmesh/internal/services/mesh/group"
	"github.com/louisbranch/eventmesh/internal/services/mesh/metrics"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"github.com/louisbranch/eventmesh/internal/services/mesh/session"
	"github.com/rs/zerolog"
)

const goodbyeFlushTimeout = 500 * time.Millisecond

type liveSession struct {
	session *session.Session
	channel *connChannel
}

// sessionManager tracks greeted sessions and closes them exactly once.
type sessionManager struct {
	table   *group.Table
	metrics *metrics.Summary
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]liveSession
}

func newSessionManager(table *group.Table, summary *metrics.Summary, logger zerolog.Logger) *sessionManager {
	return &sessionManager{
		table:    table,
		metrics:  summary,
		logger:   logger,
		sessions: make(map[string]liveSession),
	}
}

func (m *sessionManager) add(s *session.Session, ch *connChannel) {
	m.mu.Lock()
	m.sessions[s.ID()] = liveSession{session: s, channel: ch}
	m.mu.Unlock()
	m.metrics.AddConnections(1)
	m.logger.Info().Str("session", s.ID()).Str("client", s.Client().String()).Msg("session opened")
}

// close closes s, hands its unacknowledged messages back to the group and
// removes it. It reports false when s was already closed.
func (m *sessionManager) close(s *session.Session, reason string) bool {
	m.mu.Lock()
	_, ok := m.sessions[s.ID()]
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	if !ok {
		return false
	}

	pending := s.Close()
	m.table.Deregister(s, pending)
	m.metrics.AddConnections(-1)
	m.logger.Info().
		Str("session", s.ID()).
		Str("client", s.Client().String()).
		Str("reason", reason).
		Int("redelivered", len(pending)).
		Msg("session closed")
	return true
}

// goodbye tells the client the server is dropping it, then closes the
// session and its connection.
func (m *sessionManager) goodbye(live liveSession, reason string) {
	header := protocol.NewHeader(protocol.ServerGoodbyeRequest, protocol.StatusSuccess, reason, "")
	live.channel.WriteAndFlush(protocol.Package{Header: header}, nil)
	m.close(live.session, reason)
	live.channel.Flush(goodbyeFlushTimeout)
	_ = live.channel.Close()
}

// Sessions lists live sessions ordered by ID.
func (m *sessionManager) Sessions() []*session.Session {
	m.mu.Lock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, live := range m.sessions {
		out = append(out, live.session)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *sessionManager) snapshot() []liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]liveSession, 0, len(m.sessions))
	for _, live := range m.sessions {
		out = append(out, live)
	}
	return out
}

// sweep closes sessions whose last heartbeat is older than timeout.
func (m *sessionManager) sweep(now time.Time, timeout time.Duration) int {
	closed := 0
	for _, live := range m.snapshot() {
		idle := now.Sub(live.session.LastHeartbeat())
		if idle <= timeout {
			continue
		}
		m.logger.Warn().
			Str("session", live.session.ID()).
			Dur("idle", idle).
			Msg("heartbeat timeout")
		m.goodbye(live, "heartbeat timeout")
		closed++
	}
	return closed
}

func (m *sessionManager) runSweeper(ctx context.Context, interval time.Duration, timeout time.Duration, clock func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(clock(), timeout)
		}
	}
}

// closeAll says goodbye to every session.
func (m *sessionManager) closeAll(reason string) {
	for _, live := range m.snapshot() {
		m.goodbye(live, reason)
	}
}
