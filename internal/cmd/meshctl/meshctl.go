// Package meshctl publishes messages and manages topics on a running mesh
// through its gRPC publisher service.
package meshctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	entrypoint "github.com/louisbranch/eventmesh/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/eventmesh/internal/platform/grpc"
	"github.com/louisbranch/eventmesh/internal/platform/logging"
	"github.com/louisbranch/eventmesh/internal/services/mesh/api/grpc/publisher"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
)

// Config holds meshctl command configuration.
type Config struct {
	Addr        string        `env:"EVENTMESH_GRPC_ADDR" envDefault:"127.0.0.1:10205"`
	DialTimeout time.Duration `env:"EVENTMESH_MESHCTL_DIAL_TIMEOUT" envDefault:"2s"`

	Topic       string
	ID          string
	Data        string
	Properties  map[string]string
	CreateTopic string
	ListTopics  bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The mesh gRPC address")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "gRPC dial and health timeout")
	fs.StringVar(&cfg.Topic, "topic", "", "Topic to publish to")
	fs.StringVar(&cfg.ID, "id", "", "Message id; generated by the mesh when empty")
	fs.StringVar(&cfg.Data, "data", "", "Message payload as JSON")
	fs.StringToStringVar(&cfg.Properties, "property", nil, "Message property as key=value")
	fs.StringVar(&cfg.CreateTopic, "create-topic", "", "Create a topic and exit")
	fs.BoolVar(&cfg.ListTopics, "list-topics", false, "List topics and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Topic) == "" && strings.TrimSpace(cfg.CreateTopic) == "" && !cfg.ListTopics {
		return Config{}, errors.New("one of --topic, --create-topic or --list-topics is required")
	}
	return cfg, nil
}

// Run dials the mesh and performs the configured action, writing the
// response to out as JSON.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMeshCtl, func(ctx context.Context) error {
		logger := logging.Init(entrypoint.ServiceMeshCtl)
		conn, err := platformgrpc.DialWithHealth(ctx, nil, cfg.Addr, publisher.ServiceName, cfg.DialTimeout, &logger, platformgrpc.DefaultClientDialOptions()...)
		if err != nil {
			return fmt.Errorf("dial mesh: %w", err)
		}
		defer conn.Close()
		return Execute(ctx, publisher.NewClient(conn), cfg, out)
	})
}

// Client is the subset of the publisher client meshctl uses.
type Client interface {
	Publish(ctx context.Context, in *structpb.Struct, opts ...gogrpc.CallOption) (*structpb.Struct, error)
	CreateTopic(ctx context.Context, in *structpb.Struct, opts ...gogrpc.CallOption) (*structpb.Struct, error)
	ListTopics(ctx context.Context, in *structpb.Struct, opts ...gogrpc.CallOption) (*structpb.Struct, error)
}

// Execute performs the configured action against client.
func Execute(ctx context.Context, client Client, cfg Config, out io.Writer) error {
	var (
		resp *structpb.Struct
		err  error
	)
	switch {
	case strings.TrimSpace(cfg.CreateTopic) != "":
		req, reqErr := structpb.NewStruct(map[string]any{"name": strings.TrimSpace(cfg.CreateTopic)})
		if reqErr != nil {
			return reqErr
		}
		resp, err = client.CreateTopic(ctx, req)
	case cfg.ListTopics:
		resp, err = client.ListTopics(ctx, &structpb.Struct{})
	default:
		req, reqErr := publishRequest(cfg)
		if reqErr != nil {
			return reqErr
		}
		resp, err = client.Publish(ctx, req)
	}
	if err != nil {
		return err
	}
	body, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = fmt.Fprintln(out, string(body))
	return err
}

func publishRequest(cfg Config) (*structpb.Struct, error) {
	msg := protocol.Message{
		ID:         strings.TrimSpace(cfg.ID),
		Topic:      strings.TrimSpace(cfg.Topic),
		Properties: cfg.Properties,
	}
	if data := strings.TrimSpace(cfg.Data); data != "" {
		if !json.Valid([]byte(data)) {
			return nil, fmt.Errorf("--data is not valid JSON")
		}
		msg.Data = json.RawMessage(data)
	}
	return publisher.MessageToStruct(msg)
}
