package session

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/eventmesh/internal/platform/logging"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
)

type fakeChannel struct {
	id       string
	mu       sync.Mutex
	written  []protocol.Package
	writeErr error
	// failures fails that many writes with writeErr before writes succeed.
	failures int
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41000}
}

func (c *fakeChannel) WriteAndFlush(pkg protocol.Package, done func(error)) {
	c.mu.Lock()
	c.written = append(c.written, pkg)
	err := c.writeErr
	if c.failures > 0 {
		c.failures--
		if c.failures == 0 {
			c.writeErr = nil
		}
	}
	c.mu.Unlock()
	done(err)
}

func (c *fakeChannel) failWrites(err error, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
	c.failures = n
}

func (c *fakeChannel) packages() []protocol.Package {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Package, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeChannel) count(cmd protocol.Command) int {
	n := 0
	for _, pkg := range c.packages() {
		if pkg.Header.Command == cmd {
			n++
		}
	}
	return n
}

type fakeMetrics struct {
	mu        sync.Mutex
	delivered int
	dropped   int
}

func (m *fakeMetrics) IncrementDelivered() {
	m.mu.Lock()
	m.delivered++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncrementDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func (m *fakeMetrics) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered, m.dropped
}

type fakeGroup struct {
	mu          sync.Mutex
	missing     map[string]bool
	subscribers map[string]map[*Session]struct{}
	subscribed  map[string]int
	retired     map[string]int
	published   []protocol.Message
	publish     func(ctx context.Context, msg protocol.Message) error
	metrics     *fakeMetrics
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{
		missing:     make(map[string]bool),
		subscribers: make(map[string]map[*Session]struct{}),
		subscribed:  make(map[string]int),
		retired:     make(map[string]int),
		metrics:     &fakeMetrics{},
	}
}

func (g *fakeGroup) SysID() string { return "0000" }

func (g *fakeGroup) Subscribe(item protocol.SubscriptionItem) {
	g.mu.Lock()
	g.subscribed[item.Topic]++
	g.mu.Unlock()
}

func (g *fakeGroup) Unsubscribe(item protocol.SubscriptionItem) {
	g.mu.Lock()
	g.retired[item.Topic]++
	g.mu.Unlock()
}

func (g *fakeGroup) AddSubscription(item protocol.SubscriptionItem, s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.subscribers[item.Topic]
	if !ok {
		set = make(map[*Session]struct{})
		g.subscribers[item.Topic] = set
	}
	set[s] = struct{}{}
}

func (g *fakeGroup) RemoveSubscription(item protocol.SubscriptionItem, s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscribers[item.Topic], s)
	if len(g.subscribers[item.Topic]) == 0 {
		delete(g.subscribers, item.Topic)
	}
}

func (g *fakeGroup) HasSubscription(topic string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subscribers[topic]) > 0
}

func (g *fakeGroup) CheckTopicExists(_ context.Context, topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.missing[topic] {
		return ErrTopicNotFound
	}
	return nil
}

func (g *fakeGroup) Publish(ctx context.Context, msg protocol.Message) error {
	if g.publish != nil {
		if err := g.publish(ctx, msg); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.published = append(g.published, msg)
	g.mu.Unlock()
	return nil
}

func (g *fakeGroup) Metrics() DeliveryMetrics { return g.metrics }

func (g *fakeGroup) retiredCount(topic string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retired[topic]
}

type fakeLookup struct {
	mu     sync.Mutex
	groups map[string]Group
}

func (l *fakeLookup) Lookup(key string) (Group, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[key]
	return g, ok
}

func (l *fakeLookup) drop(key string) {
	l.mu.Lock()
	delete(l.groups, key)
	l.mu.Unlock()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testClient() protocol.UserAgent {
	return protocol.UserAgent{
		Env:       "test",
		Subsystem: "5023",
		Host:      "127.0.0.1",
		Port:      41000,
		Pid:       42,
		Group:     "orders-consumers",
		Purpose:   protocol.PurposeSub,
	}
}

type testHarness struct {
	session *Session
	channel *fakeChannel
	group   *fakeGroup
	lookup  *fakeLookup
	clock   *fakeClock
	logs    *syncBuffer
}

func newHarness(opts Options) *testHarness {
	client := testClient()
	group := newFakeGroup()
	lookup := &fakeLookup{groups: map[string]Group{client.GroupKey(): group}}
	channel := &fakeChannel{id: "conn-1"}
	clock := newFakeClock()
	logs := &syncBuffer{}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	opts.Logger = logging.New(logs, "eventmesh-test")
	return &testHarness{
		session: New(client, channel, lookup, opts),
		channel: channel,
		group:   group,
		lookup:  lookup,
		clock:   clock,
		logs:    logs,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
