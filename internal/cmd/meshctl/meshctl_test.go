package meshctl

import (
	"bytes"
	"context"
	"strings"
	"testing"

	flag "github.com/spf13/pflag"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeClient struct {
	method string
	req    *structpb.Struct
}

func (f *fakeClient) record(method string, in *structpb.Struct) (*structpb.Struct, error) {
	f.method = method
	f.req = in
	return structpb.NewStruct(map[string]any{"ok": method})
}

func (f *fakeClient) Publish(_ context.Context, in *structpb.Struct, _ ...gogrpc.CallOption) (*structpb.Struct, error) {
	return f.record("publish", in)
}

func (f *fakeClient) CreateTopic(_ context.Context, in *structpb.Struct, _ ...gogrpc.CallOption) (*structpb.Struct, error) {
	return f.record("create", in)
}

func (f *fakeClient) ListTopics(_ context.Context, in *structpb.Struct, _ ...gogrpc.CallOption) (*structpb.Struct, error) {
	return f.record("list", in)
}

func TestParseConfigRequiresAction(t *testing.T) {
	fs := flag.NewFlagSet("meshctl", flag.ContinueOnError)
	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatal("expected missing action error")
	}
}

func TestParseConfigFlags(t *testing.T) {
	t.Setenv("EVENTMESH_GRPC_ADDR", "mesh:1")
	fs := flag.NewFlagSet("meshctl", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"--topic", "orders", "--property", "traceparent=abc", "--data", `{"n":1}`})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != "mesh:1" {
		t.Fatalf("addr = %q, want env value", cfg.Addr)
	}
	if cfg.Topic != "orders" || cfg.Properties["traceparent"] != "abc" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestExecutePublish(t *testing.T) {
	client := &fakeClient{}
	var out bytes.Buffer
	cfg := Config{Topic: " orders ", Data: `{"n":1}`, Properties: map[string]string{"k": "v"}}
	if err := Execute(context.Background(), client, cfg, &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if client.method != "publish" {
		t.Fatalf("method = %q, want publish", client.method)
	}
	fields := client.req.GetFields()
	if fields["topic"].GetStringValue() != "orders" {
		t.Fatalf("topic = %q, want orders", fields["topic"].GetStringValue())
	}
	if fields["data"].GetStructValue().GetFields()["n"].GetNumberValue() != 1 {
		t.Fatalf("data = %v", fields["data"])
	}
	if fields["properties"].GetStructValue().GetFields()["k"].GetStringValue() != "v" {
		t.Fatalf("properties = %v", fields["properties"])
	}
	if !strings.Contains(out.String(), "publish") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestExecuteRejectsInvalidData(t *testing.T) {
	client := &fakeClient{}
	err := Execute(context.Background(), client, Config{Topic: "orders", Data: "{"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected invalid data error")
	}
	if client.method != "" {
		t.Fatalf("expected no call, got %q", client.method)
	}
}

func TestExecuteTopicActions(t *testing.T) {
	client := &fakeClient{}
	if err := Execute(context.Background(), client, Config{CreateTopic: "orders"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if client.method != "create" || client.req.GetFields()["name"].GetStringValue() != "orders" {
		t.Fatalf("create call = %q %v", client.method, client.req)
	}
	if err := Execute(context.Background(), client, Config{ListTopics: true}, &bytes.Buffer{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if client.method != "list" {
		t.Fatalf("method = %q, want list", client.method)
	}
}
