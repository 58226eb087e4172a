package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	platformgrpc "github.com/louisbranch/eventmesh/internal/platform/grpc"
	"github.com/louisbranch/eventmesh/internal/platform/logging"
	"github.com/louisbranch/eventmesh/internal/platform/timeouts"
	"github.com/louisbranch/eventmesh/internal/services/mesh/admin"
	"github.com/louisbranch/eventmesh/internal/services/mesh/api/grpc/publisher"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestNewServerRequiresTransport(t *testing.T) {
	_, err := NewServer(context.Background(), Config{DBPath: filepath.Join(t.TempDir(), "mesh.db")})
	if err == nil {
		t.Fatal("expected error without tcp or http address")
	}
}

func TestServerEndToEnd(t *testing.T) {
	cfg := Config{
		SysID:     "5477",
		Env:       "PRD",
		IDC:       "FT",
		TCPAddr:   "127.0.0.1:0",
		HTTPAddr:  "127.0.0.1:0",
		GRPCAddr:  "127.0.0.1:0",
		AdminAddr: "127.0.0.1:0",
		DBPath:    filepath.Join(t.TempDir(), "data", "mesh.db"),
		Logger:    logging.Nop(),
	}
	srv, err := NewServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	conn, err := platformgrpc.DialWithHealth(ctx, nil, srv.GRPCAddr().String(), publisher.ServiceName, timeouts.GRPCDial, nil, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	defer conn.Close()
	client := publisher.NewClient(conn)
	name, _ := structpb.NewStruct(map[string]any{"name": "orders"})
	if _, err := client.CreateTopic(ctx, name); err != nil {
		t.Fatalf("create topic: %v", err)
	}

	tcp, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatalf("dial tcp: %v", err)
	}
	defer tcp.Close()
	_ = tcp.SetDeadline(time.Now().Add(5 * time.Second))
	enc := protocol.NewEncoder(tcp)
	dec := protocol.NewDecoder(tcp)
	send := func(cmd protocol.Command, body any) {
		t.Helper()
		pkg, err := protocol.NewPackage(protocol.Header{Command: cmd, Seq: string(cmd)}, body)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := enc.Encode(pkg); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	receive := func(want protocol.Command) protocol.Package {
		t.Helper()
		pkg, err := dec.Decode()
		if err != nil {
			t.Fatalf("receive %s: %v", want, err)
		}
		if pkg.Header.Command != want {
			t.Fatalf("command = %s (%s), want %s", pkg.Header.Command, pkg.Header.Desc, want)
		}
		return pkg
	}
	send(protocol.HelloRequest, subscriberAgent("orders-consumers"))
	receive(protocol.HelloResponse)
	send(protocol.SubscribeRequest, protocol.Subscription{Topics: []protocol.SubscriptionItem{{Topic: "orders"}}})
	if resp := receive(protocol.SubscribeResponse); resp.Header.Code != protocol.StatusSuccess {
		t.Fatalf("subscribe = %d (%s)", resp.Header.Code, resp.Header.Desc)
	}
	send(protocol.ListenRequest, nil)
	receive(protocol.ListenResponse)

	req, err := publisher.MessageToStruct(protocol.Message{Topic: "orders", Data: json.RawMessage(`{"sku":"C-3"}`)})
	if err != nil {
		t.Fatalf("build publish: %v", err)
	}
	if _, err := client.Publish(ctx, req); err != nil {
		t.Fatalf("grpc publish: %v", err)
	}
	receive(protocol.AsyncMessageToClient)

	resp, err := http.Get("http://" + srv.AdminAddr().String() + "/configuration")
	if err != nil {
		t.Fatalf("get configuration: %v", err)
	}
	var got admin.Configuration
	err = json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode configuration: %v", err)
	}
	if got.SysID != "5477" || got.TCPPort != srv.TCPAddr().(*net.TCPAddr).Port {
		t.Fatalf("configuration = %+v", got)
	}

	cancel()
	receive(protocol.ServerGoodbyeRequest)
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
