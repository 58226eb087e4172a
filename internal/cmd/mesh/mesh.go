// Package mesh parses eventmesh command flags and launches the mesh runtime.
package mesh

import (
	"context"
	"time"

	flag "github.com/spf13/pflag"

	entrypoint "github.com/louisbranch/eventmesh/internal/platform/cmd"
	"github.com/louisbranch/eventmesh/internal/platform/logging"
	meshapp "github.com/louisbranch/eventmesh/internal/services/mesh/app"
)

// Config holds eventmesh command configuration.
type Config struct {
	ConfigPath string `toml:"-"`

	SysID         string `env:"EVENTMESH_SYS_ID" envDefault:"5477" toml:"sys_id"`
	Env           string `env:"EVENTMESH_ENV" envDefault:"dev" toml:"env"`
	IDC           string `env:"EVENTMESH_IDC" envDefault:"default" toml:"idc"`
	Cluster       string `env:"EVENTMESH_CLUSTER" envDefault:"default" toml:"cluster"`
	ServerIP      string `env:"EVENTMESH_SERVER_IP" toml:"server_ip"`
	Name          string `env:"EVENTMESH_NAME" envDefault:"eventmesh" toml:"name"`
	NamesrvAddr   string `env:"EVENTMESH_NAMESRV_ADDR" toml:"namesrv_addr"`
	WebhookOrigin string `env:"EVENTMESH_WEBHOOK_ORIGIN" toml:"webhook_origin"`

	SecurityEnabled bool   `env:"EVENTMESH_SECURITY_ENABLED" toml:"security_enabled"`
	RegistryEnabled bool   `env:"EVENTMESH_REGISTRY_ENABLED" toml:"registry_enabled"`
	AuthSecret      string `env:"EVENTMESH_AUTH_SECRET" toml:"auth_secret"`

	TCPAddr   string `env:"EVENTMESH_TCP_ADDR" envDefault:":10000" toml:"tcp_addr"`
	HTTPAddr  string `env:"EVENTMESH_HTTP_ADDR" envDefault:":10105" toml:"http_addr"`
	HTTPTLS   bool   `env:"EVENTMESH_HTTP_TLS" toml:"http_tls"`
	GRPCAddr  string `env:"EVENTMESH_GRPC_ADDR" envDefault:":10205" toml:"grpc_addr"`
	GRPCTLS   bool   `env:"EVENTMESH_GRPC_TLS" toml:"grpc_tls"`
	AdminAddr string `env:"EVENTMESH_ADMIN_ADDR" envDefault:":10106" toml:"admin_addr"`

	DBPath       string `env:"EVENTMESH_DB_PATH" envDefault:"data/eventmesh.db" toml:"db_path"`
	OTelEndpoint string `env:"EVENTMESH_OTEL_ENDPOINT" toml:"otel_endpoint"`

	HeartbeatTimeout time.Duration `env:"EVENTMESH_HEARTBEAT_TIMEOUT" envDefault:"30s" toml:"heartbeat_timeout"`
	IsolateWindow    time.Duration `env:"EVENTMESH_ISOLATE_WINDOW" envDefault:"5s" toml:"isolate_window"`
	DownstreamTTL    time.Duration `env:"EVENTMESH_DOWNSTREAM_TTL" envDefault:"10s" toml:"downstream_ttl"`
	UpstreamBuffer   int64         `env:"EVENTMESH_UPSTREAM_BUFFER" envDefault:"100" toml:"upstream_buffer"`
	PusherQueue      int           `env:"EVENTMESH_PUSHER_QUEUE" envDefault:"100" toml:"pusher_queue"`
}

// ParseConfig parses environment, an optional TOML file, and flags into a
// Config. Flags win over the file, and the file wins over the environment.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.ConfigPath, "config", "", "Path to a TOML configuration file")
	fs.StringVar(&cfg.SysID, "sys-id", "", "The mesh system identifier")
	fs.StringVar(&cfg.Name, "name", "", "The mesh instance name")
	fs.StringVar(&cfg.Cluster, "cluster", "", "The mesh cluster name")
	fs.StringVar(&cfg.TCPAddr, "tcp-addr", "", "The TCP client listen address")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", "", "The HTTP and websocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", "", "The gRPC publisher listen address")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", "", "The admin HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", "", "The topic SQLite database path")
	fs.BoolVar(&cfg.SecurityEnabled, "security", false, "Require a signed token on HELLO")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", 0, "Idle time before a client is closed")
	fs.DurationVar(&cfg.IsolateWindow, "isolate-window", 0, "How long a busy client is skipped")
	fs.Int64Var(&cfg.UpstreamBuffer, "upstream-buffer", 0, "Concurrent upstream sends per client")
	fs.IntVar(&cfg.PusherQueue, "pusher-queue", 0, "Unacknowledged downstream messages per client")
	if err := entrypoint.ParseConfigFromArgs(&cfg, fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RuntimeConfig maps the command configuration onto the mesh runtime.
func (c Config) RuntimeConfig() meshapp.Config {
	return meshapp.Config{
		SysID:            c.SysID,
		Env:              c.Env,
		IDC:              c.IDC,
		Cluster:          c.Cluster,
		ServerIP:         c.ServerIP,
		Name:             c.Name,
		NamesrvAddr:      c.NamesrvAddr,
		WebhookOrigin:    c.WebhookOrigin,
		SecurityEnabled:  c.SecurityEnabled,
		RegistryEnabled:  c.RegistryEnabled,
		AuthSecret:       c.AuthSecret,
		TCPAddr:          c.TCPAddr,
		HTTPAddr:         c.HTTPAddr,
		HTTPTLS:          c.HTTPTLS,
		GRPCAddr:         c.GRPCAddr,
		GRPCTLS:          c.GRPCTLS,
		AdminAddr:        c.AdminAddr,
		DBPath:           c.DBPath,
		OTelEndpoint:     c.OTelEndpoint,
		HeartbeatTimeout: c.HeartbeatTimeout,
		IsolateWindow:    c.IsolateWindow,
		DownstreamTTL:    c.DownstreamTTL,
		UpstreamBuffer:   c.UpstreamBuffer,
		PusherQueue:      c.PusherQueue,
	}
}

// Run starts the mesh runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMesh, func(context.Context) error {
		runtime := cfg.RuntimeConfig()
		runtime.Logger = logging.Init(entrypoint.ServiceMesh)
		return meshapp.Run(ctx, runtime)
	})
}
