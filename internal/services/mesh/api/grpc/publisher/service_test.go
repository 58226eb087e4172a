package publisher

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"github.com/louisbranch/eventmesh/internal/services/mesh/storage"
	"github.com/louisbranch/eventmesh/internal/services/mesh/trace"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []protocol.Message
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, msg protocol.Message) (protocol.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return protocol.Message{}, p.err
	}
	if msg.ID == "" {
		msg.ID = "generated"
	}
	msg.Offset = int64(len(p.messages) + 1)
	p.messages = append(p.messages, msg)
	return msg, nil
}

type memoryTopics struct {
	mu     sync.Mutex
	topics []storage.Topic
}

func (m *memoryTopics) CreateTopic(_ context.Context, name string) (storage.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topic := storage.Topic{Name: name, CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.topics = append(m.topics, topic)
	return topic, nil
}

func (m *memoryTopics) ListTopics(context.Context) ([]storage.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Topic(nil), m.topics...), nil
}

type countingCounter struct{ n int }

func (c *countingCounter) IncrementClientToMesh() { c.n++ }

func startServer(t *testing.T, svc *Service) *Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := grpc.NewServer()
	RegisterPublisherServer(server, svc)
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestPublishRoundTrip(t *testing.T) {
	pub := &recordingPublisher{}
	counter := &countingCounter{}
	client := startServer(t, NewService(pub, &memoryTopics{}, nil, counter))

	req, err := MessageToStruct(protocol.Message{
		ID:         "m-1",
		Topic:      "orders",
		Data:       json.RawMessage(`{"sku":"A-1","qty":2}`),
		Properties: map[string]string{"region": "eu"},
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := client.Publish(context.Background(), req)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	fields := resp.GetFields()
	if fields["id"].GetStringValue() != "m-1" {
		t.Fatalf("id = %q, want m-1", fields["id"].GetStringValue())
	}
	if fields["offset"].GetNumberValue() != 1 {
		t.Fatalf("offset = %v, want 1", fields["offset"].GetNumberValue())
	}
	if counter.n != 1 {
		t.Fatalf("client to mesh count = %d, want 1", counter.n)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.messages) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.messages))
	}
	got := pub.messages[0]
	var data map[string]any
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["sku"] != "A-1" {
		t.Fatalf("data = %v", data)
	}
	if got.Property("region") != "eu" {
		t.Fatalf("region = %q, want eu", got.Property("region"))
	}
}

func TestPublishInjectsTraceContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tracer, err := trace.New(context.Background(), trace.Options{Exporter: exporter, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	pub := &recordingPublisher{}
	client := startServer(t, NewService(pub, &memoryTopics{}, tracer, nil))
	req, err := MessageToStruct(protocol.Message{Topic: "orders"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if _, err := client.Publish(context.Background(), req); err != nil {
		t.Fatalf("publish: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.messages[0].Property("traceparent") == "" {
		t.Fatal("expected traceparent property on published message")
	}
}

func TestPublishRequiresTopic(t *testing.T) {
	client := startServer(t, NewService(&recordingPublisher{}, &memoryTopics{}, nil, nil))
	req, err := MessageToStruct(protocol.Message{})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	_, err = client.Publish(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestPublishMapsDomainErrors(t *testing.T) {
	pub := &recordingPublisher{err: apperrors.WithMetadata(apperrors.CodeTopicNotFound, "topic missing", map[string]string{"topic": "orders"})}
	client := startServer(t, NewService(pub, &memoryTopics{}, nil, nil))
	req, err := MessageToStruct(protocol.Message{Topic: "orders"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	_, err = client.Publish(context.Background(), req)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("code = %v, want NotFound", status.Code(err))
	}
}

func TestTopics(t *testing.T) {
	topics := &memoryTopics{}
	client := startServer(t, NewService(&recordingPublisher{}, topics, nil, nil))
	ctx := context.Background()

	if _, err := client.CreateTopic(ctx, mustStruct(t, map[string]any{"name": " "})); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("blank name code = %v, want InvalidArgument", status.Code(err))
	}
	created, err := client.CreateTopic(ctx, mustStruct(t, map[string]any{"name": "orders"}))
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if created.GetFields()["name"].GetStringValue() != "orders" {
		t.Fatalf("created = %v", created)
	}

	list, err := client.ListTopics(ctx, mustStruct(t, map[string]any{}))
	if err != nil {
		t.Fatalf("list topics: %v", err)
	}
	values := list.GetFields()["topics"].GetListValue().GetValues()
	if len(values) != 1 {
		t.Fatalf("topics = %d, want 1", len(values))
	}
	if values[0].GetStructValue().GetFields()["name"].GetStringValue() != "orders" {
		t.Fatalf("topic = %v", values[0])
	}
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}
