package group

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"github.com/louisbranch/eventmesh/internal/services/mesh/session"
)

// Table maps group keys to live groups. A group is created with its first
// session and dropped with its last.
type Table struct {
	sysID   string
	broker  Broker
	metrics Metrics
	opts    Options

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewTable builds an empty table.
func NewTable(sysID string, broker Broker, metrics Metrics, opts Options) *Table {
	return &Table{
		sysID:   sysID,
		broker:  broker,
		metrics: metrics,
		opts:    opts.withDefaults(),
		groups:  make(map[string]*Group),
	}
}

// Lookup implements session.GroupLookup.
func (t *Table) Lookup(key string) (session.Group, bool) {
	g, ok := t.Get(key)
	if !ok {
		return nil, false
	}
	return g, true
}

// Get returns the group for key.
func (t *Table) Get(key string) (*Group, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[key]
	return g, ok
}

// Register adds s to its group, creating the group when needed.
func (t *Table) Register(s *session.Session) *Group {
	t.mu.Lock()
	g, ok := t.groups[s.GroupKey()]
	if !ok {
		g = newGroup(t, s.GroupKey())
		t.groups[s.GroupKey()] = g
	}
	g.addSession(s)
	t.mu.Unlock()
	return g
}

// Deregister removes a closed session from its group, redelivers what it
// left unacknowledged and drops the group once empty.
func (t *Table) Deregister(s *session.Session, pending []*session.DownstreamContext) {
	g, ok := t.Get(s.GroupKey())
	if !ok {
		return
	}
	empty := g.removeSession(s)
	if len(pending) > 0 {
		g.Redeliver(s, pending)
	}
	if !empty {
		return
	}
	t.mu.Lock()
	if current, ok := t.groups[g.key]; ok && current == g && g.Size() == 0 {
		delete(t.groups, g.key)
	}
	t.mu.Unlock()
}

// Groups returns every group ordered by key.
func (t *Table) Groups() []*Group {
	t.mu.RLock()
	out := make([]*Group, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Sessions returns every session of every group.
func (t *Table) Sessions() []*session.Session {
	var out []*session.Session
	for _, g := range t.Groups() {
		out = append(out, g.Sessions()...)
	}
	return out
}

// Publish checks the topic, stores msg and routes it to every group
// listening to the topic. The HTTP and gRPC publish surfaces call it directly.
func (t *Table) Publish(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	exists, err := t.broker.TopicExists(ctx, msg.Topic)
	if err != nil {
		return protocol.Message{}, err
	}
	if !exists {
		return protocol.Message{}, apperrors.WithMetadata(apperrors.CodeTopicNotFound, "topic not found", map[string]string{"topic": msg.Topic})
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = t.opts.Clock()
	}
	stored, err := t.broker.Append(ctx, msg)
	if err != nil {
		return protocol.Message{}, err
	}
	t.metrics.IncrementMeshToBroker()
	t.dispatch(stored)
	return stored, nil
}

func (t *Table) dispatch(msg protocol.Message) {
	for _, g := range t.Groups() {
		g.Deliver(msg)
	}
}
