package app

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/eventmesh/internal/platform/timeouts"
	"github.com/louisbranch/eventmesh/internal/services/mesh/admin"
	"github.com/rs/zerolog"
)

const (
	defaultSysID      = "5477"
	defaultDBPath     = "data/eventmesh.db"
	defaultWriteQueue = 256
	defaultMaxRetries = 3
)

// Config controls the mesh runtime. An empty listen address disables that
// surface.
type Config struct {
	SysID         string
	Env           string
	IDC           string
	Cluster       string
	ServerIP      string
	Name          string
	NamesrvAddr   string
	WebhookOrigin string

	SecurityEnabled bool
	RegistryEnabled bool
	AuthSecret      string

	TCPAddr   string
	HTTPAddr  string
	HTTPTLS   bool
	GRPCAddr  string
	GRPCTLS   bool
	AdminAddr string

	DBPath       string
	OTelEndpoint string

	HeartbeatTimeout time.Duration
	HeartbeatSweep   time.Duration
	IsolateWindow    time.Duration
	DownstreamTTL    time.Duration
	UpstreamTimeout  time.Duration
	UpstreamBuffer   int64
	PusherQueue      int
	WriteQueue       int
	MaxRetries       int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Logger zerolog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (c Config) normalized() Config {
	c.SysID = strings.TrimSpace(c.SysID)
	if c.SysID == "" {
		c.SysID = defaultSysID
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = defaultDBPath
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = timeouts.Heartbeat
	}
	if c.HeartbeatSweep <= 0 {
		c.HeartbeatSweep = timeouts.HeartbeatSweep
	}
	if c.IsolateWindow <= 0 {
		c.IsolateWindow = timeouts.Isolate
	}
	if c.DownstreamTTL <= 0 {
		c.DownstreamTTL = timeouts.Downstream
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = timeouts.Upstream
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = defaultWriteQueue
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = timeouts.Shutdown
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// configuration reports cfg on the admin surface. Ports come from the bound
// listeners when they are known so ":0" addresses show the real port.
func (c Config) configuration(tcp, httpAddr, grpcAddr net.Addr) admin.Configuration {
	return admin.Configuration{
		SysID:           c.SysID,
		NamesrvAddr:     c.NamesrvAddr,
		Env:             c.Env,
		IDC:             c.IDC,
		Cluster:         c.Cluster,
		ServerIP:        c.ServerIP,
		Name:            c.Name,
		WebhookOrigin:   c.WebhookOrigin,
		SecurityEnabled: c.SecurityEnabled,
		RegistryEnabled: c.RegistryEnabled,
		TCPPort:         portOf(tcp, c.TCPAddr),
		HTTPPort:        portOf(httpAddr, c.HTTPAddr),
		HTTPTLS:         c.HTTPTLS,
		GRPCPort:        portOf(grpcAddr, c.GRPCAddr),
		GRPCTLS:         c.GRPCTLS,
	}
}

func portOf(bound net.Addr, configured string) int {
	if tcp, ok := bound.(*net.TCPAddr); ok && tcp != nil {
		return tcp.Port
	}
	_, port, err := net.SplitHostPort(strings.TrimSpace(configured))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}
