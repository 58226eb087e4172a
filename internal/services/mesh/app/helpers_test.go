package app

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/eventmesh/internal/platform/logging"
	"github.com/louisbranch/eventmesh/internal/services/mesh/metrics"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"github.com/louisbranch/eventmesh/internal/services/mesh/storage/sqlite"
)

const frameWait = 2 * time.Second

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTempStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "eventmesh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestMesh(t *testing.T, cfg Config, topics ...string) (*Mesh, *sqlite.Store) {
	t.Helper()
	store := openTempStore(t)
	for _, topic := range topics {
		if _, err := store.CreateTopic(context.Background(), topic); err != nil {
			t.Fatalf("create topic %s: %v", topic, err)
		}
	}
	cfg.Logger = logging.Nop()
	mesh, err := NewMesh(cfg, store, metrics.NewWithMeter(nil), nil)
	if err != nil {
		t.Fatalf("new mesh: %v", err)
	}
	t.Cleanup(func() { _ = mesh.Close() })
	return mesh, store
}

func subscriberAgent(group string) protocol.UserAgent {
	return protocol.UserAgent{
		Env:       "PRD",
		Subsystem: "5023",
		Group:     group,
		Purpose:   protocol.PurposeSub,
		Host:      "10.0.0.7",
		Port:      52100,
		Pid:       4242,
		IDC:       "FT",
	}
}

func publisherAgent() protocol.UserAgent {
	agent := subscriberAgent("orders-producers")
	agent.Purpose = protocol.PurposePub
	return agent
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	enc    *protocol.Encoder
	frames chan protocol.Package
}

// connect serves one end of a pipe on the mesh and reads the other end.
func connect(t *testing.T, mesh *Mesh) *testClient {
	t.Helper()
	server, client := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		mesh.ServeConn(server, &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 52100})
	}()

	c := &testClient{
		t:      t,
		conn:   client,
		enc:    protocol.NewEncoder(client),
		frames: make(chan protocol.Package, 64),
	}
	go func() {
		defer close(c.frames)
		dec := protocol.NewDecoder(client)
		for {
			pkg, err := dec.Decode()
			if err != nil {
				return
			}
			c.frames <- pkg
		}
	}()
	t.Cleanup(func() {
		_ = client.Close()
		select {
		case <-served:
		case <-time.After(frameWait):
			t.Errorf("connection was not released")
		}
	})
	return c
}

func (c *testClient) send(cmd protocol.Command, seq string, body any) {
	c.t.Helper()
	pkg, err := protocol.NewPackage(protocol.Header{Command: cmd, Seq: seq}, body)
	if err != nil {
		c.t.Fatalf("build %s: %v", cmd, err)
	}
	if err := c.enc.Encode(pkg); err != nil {
		c.t.Fatalf("send %s: %v", cmd, err)
	}
}

func (c *testClient) next() (protocol.Package, bool) {
	select {
	case pkg, ok := <-c.frames:
		return pkg, ok
	case <-time.After(frameWait):
		return protocol.Package{}, false
	}
}

func (c *testClient) expect(cmd protocol.Command) protocol.Package {
	c.t.Helper()
	pkg, ok := c.next()
	if !ok {
		c.t.Fatalf("expected %s, connection closed or timed out", cmd)
	}
	if pkg.Header.Command != cmd {
		c.t.Fatalf("command = %s (%s), want %s", pkg.Header.Command, pkg.Header.Desc, cmd)
	}
	return pkg
}

// expectMessage skips the one-time listen response.
func (c *testClient) expectMessage(cmd protocol.Command) protocol.Package {
	c.t.Helper()
	pkg := c.expectAny()
	if pkg.Header.Command == protocol.ListenResponse {
		pkg = c.expectAny()
	}
	if pkg.Header.Command != cmd {
		c.t.Fatalf("command = %s, want %s", pkg.Header.Command, cmd)
	}
	return pkg
}

func (c *testClient) expectAny() protocol.Package {
	c.t.Helper()
	pkg, ok := c.next()
	if !ok {
		c.t.Fatal("expected a frame, connection closed or timed out")
	}
	return pkg
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(frameWait)
	for {
		select {
		case pkg, ok := <-c.frames:
			if !ok {
				return
			}
			c.t.Fatalf("unexpected frame %s before close", pkg.Header.Command)
		case <-deadline:
			c.t.Fatal("connection stayed open")
		}
	}
}

func (c *testClient) hello(agent protocol.UserAgent) {
	c.t.Helper()
	c.send(protocol.HelloRequest, "hello", agent)
	resp := c.expect(protocol.HelloResponse)
	if resp.Header.Code != protocol.StatusSuccess {
		c.t.Fatalf("hello code = %d (%s), want success", resp.Header.Code, resp.Header.Desc)
	}
}

func (c *testClient) subscribe(topics ...string) protocol.Package {
	c.t.Helper()
	items := make([]protocol.SubscriptionItem, 0, len(topics))
	for _, topic := range topics {
		items = append(items, protocol.SubscriptionItem{Topic: topic})
	}
	c.send(protocol.SubscribeRequest, "sub", protocol.Subscription{Topics: items})
	return c.expect(protocol.SubscribeResponse)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(frameWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
