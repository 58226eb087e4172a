package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/eventmesh/internal/platform/logging"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
)

func items(topics ...string) []protocol.SubscriptionItem {
	out := make([]protocol.SubscriptionItem, 0, len(topics))
	for _, topic := range topics {
		out = append(out, protocol.SubscriptionItem{Topic: topic})
	}
	return out
}

func TestSubscribeThenUnsubscribeAvailability(t *testing.T) {
	for _, topic := range []string{"orders", "payments", "audit.log"} {
		h := newHarness(Options{})
		if h.session.IsAvailable(topic) {
			t.Fatalf("%s available before subscribe", topic)
		}
		if err := h.session.Subscribe(context.Background(), items(topic)); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
		if !h.session.IsAvailable(topic) {
			t.Fatalf("%s not available after subscribe", topic)
		}
		if err := h.session.Unsubscribe(context.Background(), items(topic)); err != nil {
			t.Fatalf("unsubscribe %s: %v", topic, err)
		}
		if h.session.IsAvailable(topic) {
			t.Fatalf("%s available after unsubscribe", topic)
		}
	}
}

func TestSubscribeNormalizesDefaults(t *testing.T) {
	h := newHarness(Options{})
	if err := h.session.Subscribe(context.Background(), items("orders")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	item, ok := h.session.Context().Subscription("orders")
	if !ok {
		t.Fatal("expected orders in table")
	}
	if item.Mode != protocol.ModeClustering || item.Type != protocol.TypeAsync {
		t.Fatalf("item = %+v, want clustering async defaults", item)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	first := protocol.SubscriptionItem{Topic: "orders", Mode: protocol.ModeBroadcasting}
	second := protocol.SubscriptionItem{Topic: "orders", Mode: protocol.ModeClustering}
	if err := h.session.Subscribe(ctx, []protocol.SubscriptionItem{first}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.session.Subscribe(ctx, []protocol.SubscriptionItem{second}); err != nil {
		t.Fatalf("subscribe again: %v", err)
	}

	subs := h.session.Context().Subscriptions()
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(subs))
	}
	if subs[0].Mode != protocol.ModeBroadcasting {
		t.Fatalf("mode = %s, want first descriptor kept", subs[0].Mode)
	}

	if err := h.session.Unsubscribe(ctx, items("orders")); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := h.session.Unsubscribe(ctx, items("orders")); err != nil {
		t.Fatalf("unsubscribe again: %v", err)
	}
	if got := h.group.retiredCount("orders"); got != 1 {
		t.Fatalf("retirements = %d, want 1", got)
	}
}

func TestSubscribeMissingTopic(t *testing.T) {
	h := newHarness(Options{})
	h.group.missing["missing-topic"] = true

	err := h.session.Subscribe(context.Background(), items("missing-topic"))
	if !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("err = %v, want ErrTopicNotFound", err)
	}
	if _, ok := h.session.Context().Subscription("missing-topic"); ok {
		t.Fatal("missing topic left in subscription table")
	}
	if h.group.HasSubscription("missing-topic") {
		t.Fatal("missing topic left in group")
	}
}

func TestSubscribeMissingTopicDoesNotBlockOtherItems(t *testing.T) {
	h := newHarness(Options{})
	h.group.missing["missing-topic"] = true

	err := h.session.Subscribe(context.Background(), items("orders", "missing-topic", "payments"))
	if !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("err = %v, want ErrTopicNotFound", err)
	}
	if !strings.Contains(err.Error(), "missing-topic") {
		t.Fatalf("err = %v, want topic named", err)
	}
	for _, topic := range []string{"orders", "payments"} {
		if !h.session.IsAvailable(topic) {
			t.Fatalf("%s should stay subscribed", topic)
		}
	}
}

func TestSubscribeWithoutGroup(t *testing.T) {
	h := newHarness(Options{})
	h.lookup.drop(h.session.GroupKey())

	err := h.session.Subscribe(context.Background(), items("orders"))
	if !errors.Is(err, ErrMissingGroup) {
		t.Fatalf("err = %v, want ErrMissingGroup", err)
	}
	if len(h.session.Context().Subscriptions()) != 0 {
		t.Fatal("subscription table changed without a group")
	}
	if err := h.session.Unsubscribe(context.Background(), items("orders")); !errors.Is(err, ErrMissingGroup) {
		t.Fatalf("unsubscribe err = %v, want ErrMissingGroup", err)
	}
}

func TestTryAcknowledgeListenConcurrent(t *testing.T) {
	for _, n := range []int{1, 2, 10} {
		h := newHarness(Options{})
		h.session.SetListenRequestSeq("listen-7")

		var ready sync.WaitGroup
		var done sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			ready.Add(1)
			done.Add(1)
			go func() {
				defer done.Done()
				ready.Done()
				<-start
				now := time.Now()
				h.session.TryAcknowledgeListen(nil, now, now.Add(time.Second))
			}()
		}
		ready.Wait()
		close(start)
		done.Wait()

		if got := h.channel.count(protocol.ListenResponse); got != 1 {
			t.Fatalf("n=%d: listen responses = %d, want 1", n, got)
		}
		if !h.session.ListenAcknowledged() {
			t.Fatalf("n=%d: listen not acknowledged", n)
		}
		header := h.channel.packages()[0].Header
		if header.Seq != "listen-7" {
			t.Fatalf("n=%d: seq = %q, want listen-7", n, header.Seq)
		}
		if header.Desc != "succeed" {
			t.Fatalf("n=%d: desc = %q, want succeed", n, header.Desc)
		}
	}
}

func TestWriteToClientClosedWritesNothing(t *testing.T) {
	h := newHarness(Options{})
	if err := h.session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.session.Close()

	frames := []protocol.Package{
		{Header: protocol.NewHeader(protocol.HeartbeatResponse, protocol.StatusSuccess, "", "1")},
		{Header: protocol.NewHeader(protocol.AsyncMessageToClient, protocol.StatusSuccess, "", "2"), Body: []byte(`{"topic":"orders"}`)},
		{},
	}
	for _, pkg := range frames {
		h.session.WriteToClient(pkg)
	}
	h.session.TryAcknowledgeListen(nil, time.Now(), time.Now())
	if got := len(h.channel.packages()); got != 0 {
		t.Fatalf("writes = %d, want 0", got)
	}
}

func TestWriteToClientCountsDelivered(t *testing.T) {
	h := newHarness(Options{})
	h.session.WriteToClient(protocol.Package{Header: protocol.NewHeader(protocol.HelloResponse, protocol.StatusSuccess, "", "1")})
	if delivered, _ := h.group.metrics.counts(); delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

func TestWriteToClientFailureIsLogged(t *testing.T) {
	h := newHarness(Options{})
	h.channel.writeErr = errors.New("connection reset")

	h.session.WriteToClient(protocol.Package{Header: protocol.NewHeader(protocol.HelloResponse, protocol.StatusSuccess, "", "1")})

	if delivered, _ := h.group.metrics.counts(); delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
	logs := h.logs.String()
	if !strings.Contains(logs, "write to client failed") || !strings.Contains(logs, "connection reset") {
		t.Fatalf("expected write failure log, got %s", logs)
	}
}

type panicChannel struct{ fakeChannel }

func (c *panicChannel) WriteAndFlush(protocol.Package, func(error)) {
	panic("channel gone")
}

func TestWriteToClientRecoversPanics(t *testing.T) {
	client := testClient()
	logs := &syncBuffer{}
	lookup := &fakeLookup{groups: map[string]Group{client.GroupKey(): newFakeGroup()}}
	s := New(client, &panicChannel{fakeChannel{id: "conn-p"}}, lookup, Options{Logger: logging.New(logs, "eventmesh-test")})

	s.WriteToClient(protocol.Package{Header: protocol.NewHeader(protocol.HelloResponse, protocol.StatusSuccess, "", "1")})

	if !strings.Contains(logs.String(), "write to client panicked") {
		t.Fatalf("expected panic log, got %s", logs.String())
	}
}

func TestIsolationWindow(t *testing.T) {
	h := newHarness(Options{})
	now := h.clock.Now()

	if h.session.IsIsolated() {
		t.Fatal("new session isolated")
	}
	h.session.SetIsolatedUntil(now.Add(5 * time.Second))
	if !h.session.IsIsolated() {
		t.Fatal("expected isolated right after setting window")
	}

	h.session.SetIsolatedUntil(now.Add(time.Second))
	if got := h.session.IsolatedUntil(); !got.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("isolated until = %v, want window kept at +5s", got)
	}

	h.clock.Advance(4 * time.Second)
	if !h.session.IsIsolated() {
		t.Fatal("expected isolated inside window")
	}
	h.clock.Advance(time.Second)
	if h.session.IsIsolated() {
		t.Fatal("expected isolation to end after window")
	}
}

func TestLifecycle(t *testing.T) {
	h := newHarness(Options{})
	if h.session.State() != StateCreated {
		t.Fatalf("state = %s, want CREATED", h.session.State())
	}
	if h.session.IsRunning() {
		t.Fatal("created session reported running")
	}
	if err := h.session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.session.IsRunning() {
		t.Fatal("expected running")
	}
	h.session.Close()
	if h.session.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", h.session.State())
	}
	if err := h.session.Start(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("start after close err = %v, want ErrSessionClosed", err)
	}
	if h.session.Close() != nil {
		t.Fatal("second close returned contexts")
	}
}

func TestClosedSessionIsUnavailable(t *testing.T) {
	h := newHarness(Options{})
	if err := h.session.Subscribe(context.Background(), items("orders")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.session.Close()
	if h.session.IsAvailable("orders") {
		t.Fatal("closed session reported available")
	}
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(Options{})
	at := h.clock.Now().Add(90 * time.Second)
	h.session.Heartbeat(at)
	if got := h.session.LastHeartbeat(); !got.Equal(at) {
		t.Fatalf("last heartbeat = %v, want %v", got, at)
	}
}

func TestEqual(t *testing.T) {
	h := newHarness(Options{})
	twin := New(testClient(), &fakeChannel{id: "conn-1"}, h.lookup, Options{})
	other := New(testClient(), &fakeChannel{id: "conn-2"}, h.lookup, Options{})

	if !h.session.Equal(twin) {
		t.Fatal("expected same client and connection to be equal")
	}
	if h.session.Equal(other) {
		t.Fatal("expected different connections to differ")
	}
	if err := twin.Subscribe(context.Background(), items("orders")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !h.session.Equal(twin) {
		t.Fatal("subscriptions must not affect equality")
	}
	if err := twin.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.session.Equal(twin) {
		t.Fatal("expected different states to differ")
	}
}

func TestStringListsTopics(t *testing.T) {
	h := newHarness(Options{})
	if err := h.session.Subscribe(context.Background(), items("orders")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.session.Context().AddSendTopic("payments")
	got := h.session.String()
	for _, want := range []string{"sysId=0000", "subscribeTopics=[orders]", "sendTopics=[payments]", "state=CREATED", "127.0.0.1:41000"} {
		if !strings.Contains(got, want) {
			t.Fatalf("String() = %s, missing %s", got, want)
		}
	}
	if strings.Contains(got, "token") {
		t.Fatalf("String() leaks token field: %s", got)
	}
}
