// Package publisher serves message publishing and topic management over gRPC.
package publisher

import (
	"context"
	"encoding/json"
	"strings"

	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"github.com/louisbranch/eventmesh/internal/services/mesh/storage"
	"github.com/louisbranch/eventmesh/internal/services/mesh/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Publisher stores and routes a message.
type Publisher interface {
	Publish(ctx context.Context, msg protocol.Message) (protocol.Message, error)
}

// Topics manages broker topics.
type Topics interface {
	CreateTopic(ctx context.Context, name string) (storage.Topic, error)
	ListTopics(ctx context.Context) ([]storage.Topic, error)
}

// Counter records messages received from clients.
type Counter interface {
	IncrementClientToMesh()
}

// Service implements PublisherServer.
type Service struct {
	publisher Publisher
	topics    Topics
	tracer    *trace.Service
	counter   Counter
}

// NewService builds the gRPC publisher. tracer and counter may be nil.
func NewService(publisher Publisher, topics Topics, tracer *trace.Service, counter Counter) *Service {
	return &Service{publisher: publisher, topics: topics, tracer: tracer, counter: counter}
}

// Publish publishes {topic, id?, data?, properties?} and answers
// {id, topic, offset}.
func (s *Service) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msg, err := MessageFromStruct(in)
	if err != nil {
		return nil, err
	}
	if s.counter != nil {
		s.counter.IncrementClientToMesh()
	}
	if s.tracer != nil {
		spanCtx := s.tracer.ExtractFrom(ctx, msg.Properties)
		var span oteltrace.Span
		spanCtx, span = s.tracer.CreateSpan(spanCtx, "publish "+msg.Topic, oteltrace.SpanKindProducer, msg.CreatedAt)
		defer span.End()
		s.tracer.Inject(spanCtx, msg.TraceCarrier())
	}

	stored, err := s.publisher.Publish(ctx, msg)
	if err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	return structpb.NewStruct(map[string]any{
		"id":     stored.ID,
		"topic":  stored.Topic,
		"offset": float64(stored.Offset),
	})
}

// CreateTopic creates {name} and answers the topic.
func (s *Service) CreateTopic(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := strings.TrimSpace(in.GetFields()["name"].GetStringValue())
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	topic, err := s.topics.CreateTopic(ctx, name)
	if err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	return topicStruct(topic)
}

// ListTopics answers {topics: [...]}.
func (s *Service) ListTopics(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	topics, err := s.topics.ListTopics(ctx)
	if err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	list := make([]any, 0, len(topics))
	for _, topic := range topics {
		list = append(list, map[string]any{
			"name":       topic.Name,
			"nextOffset": float64(topic.NextOffset),
		})
	}
	return structpb.NewStruct(map[string]any{"topics": list})
}

func topicStruct(topic storage.Topic) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"name":       topic.Name,
		"nextOffset": float64(topic.NextOffset),
		"createdAt":  topic.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// MessageFromStruct reads a publish request.
func MessageFromStruct(in *structpb.Struct) (protocol.Message, error) {
	fields := in.GetFields()
	msg := protocol.Message{
		ID:    strings.TrimSpace(fields["id"].GetStringValue()),
		Topic: strings.TrimSpace(fields["topic"].GetStringValue()),
	}
	if msg.Topic == "" {
		return protocol.Message{}, status.Error(codes.InvalidArgument, "topic is required")
	}
	if data, ok := fields["data"]; ok {
		raw, err := json.Marshal(data.AsInterface())
		if err != nil {
			return protocol.Message{}, status.Errorf(codes.InvalidArgument, "encode data: %v", err)
		}
		msg.Data = raw
	}
	if props := fields["properties"].GetStructValue(); props != nil {
		msg.Properties = make(map[string]string, len(props.GetFields()))
		for key, value := range props.GetFields() {
			msg.Properties[key] = value.GetStringValue()
		}
	}
	return msg, nil
}

// MessageToStruct builds a publish request for msg.
func MessageToStruct(msg protocol.Message) (*structpb.Struct, error) {
	fields := map[string]any{"topic": msg.Topic}
	if msg.ID != "" {
		fields["id"] = msg.ID
	}
	if len(msg.Data) > 0 {
		var data any
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, err
		}
		fields["data"] = data
	}
	if len(msg.Properties) > 0 {
		props := make(map[string]any, len(msg.Properties))
		for key, value := range msg.Properties {
			props[key] = value
		}
		fields["properties"] = props
	}
	return structpb.NewStruct(fields)
}

var _ PublisherServer = (*Service)(nil)
