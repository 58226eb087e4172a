// Package admin serves the mesh's operational HTTP surface: runtime
// configuration, live sessions, flow counters, broker topics and group
// subscriptions.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/louisbranch/eventmesh/internal/services/mesh/metrics"
	"github.com/louisbranch/eventmesh/internal/services/mesh/session"
	"github.com/louisbranch/eventmesh/internal/services/mesh/storage"
	"github.com/rs/zerolog"
)

// Configuration is the runtime configuration reported by GET /configuration.
type Configuration struct {
	SysID           string `json:"sysId"`
	NamesrvAddr     string `json:"namesrvAddr"`
	Env             string `json:"eventMeshEnv"`
	IDC             string `json:"eventMeshIDC"`
	Cluster         string `json:"eventMeshCluster"`
	ServerIP        string `json:"eventMeshServerIp"`
	Name            string `json:"eventMeshName"`
	WebhookOrigin   string `json:"eventMeshWebhookOrigin"`
	SecurityEnabled bool   `json:"eventMeshServerSecurityEnable"`
	RegistryEnabled bool   `json:"eventMeshServerRegistryEnable"`

	TCPPort  int  `json:"eventMeshTcpServerPort"`
	HTTPPort int  `json:"eventMeshHttpServerPort"`
	HTTPTLS  bool `json:"eventMeshHttpServerUseTls"`
	GRPCPort int  `json:"eventMeshGrpcServerPort"`
	GRPCTLS  bool `json:"eventMeshGrpcServerUseTls"`
}

// ConfigurationSource produces the configuration on every request.
type ConfigurationSource func() (Configuration, error)

// SessionLister lists live sessions.
type SessionLister interface {
	Sessions() []*session.Session
}

// Stats exposes flow counters.
type Stats interface {
	Snapshot() metrics.Snapshot
}

// Topics manages broker topics.
type Topics interface {
	CreateTopic(ctx context.Context, name string) (storage.Topic, error)
	ListTopics(ctx context.Context) ([]storage.Topic, error)
}

// Subscriptions lists the topics client groups consume at the broker.
type Subscriptions interface {
	ListSubscriptions(ctx context.Context) ([]storage.SubscriptionRecord, error)
}

// Options wire the admin handler. Nil collaborators disable their routes.
type Options struct {
	Configuration ConfigurationSource
	Sessions      SessionLister
	Stats         Stats
	Topics        Topics
	Subscriptions Subscriptions
	Logger        zerolog.Logger
}

type errorResponse struct {
	Error      string `json:"error"`
	StackTrace string `json:"stackTrace"`
}

type sessionView struct {
	ID              string    `json:"id"`
	Group           string    `json:"group"`
	Subsystem       string    `json:"subsystem"`
	Purpose         string    `json:"purpose"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	RemoteAddr      string    `json:"remoteAddr"`
	State           string    `json:"state"`
	Topics          []string  `json:"topics"`
	SendTopics      []string  `json:"sendTopics"`
	Queued          int       `json:"queued"`
	Unacked         int       `json:"unacked"`
	Isolated        bool      `json:"isolated"`
	CreatedAt       time.Time `json:"createdAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

type handler struct {
	opts Options
}

// NewHandler builds the admin routes.
func NewHandler(opts Options) http.Handler {
	h := &handler{opts: opts}
	mux := http.NewServeMux()
	mux.HandleFunc("/configuration", h.handleConfiguration)
	mux.HandleFunc("/sessions", h.handleSessions)
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/topics", h.handleTopics)
	mux.HandleFunc("/subscriptions", h.handleSubscriptions)
	return mux
}

func (h *handler) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		preflight(w)
	case http.MethodGet:
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if h.opts.Configuration == nil {
			h.writeFailure(w, errors.New("configuration is not available"))
			return
		}
		cfg, err := h.readConfiguration()
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodOptions)
	}
}

// readConfiguration turns a panicking source into an error.
func (h *handler) readConfiguration() (cfg Configuration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read configuration: %v", r)
		}
	}()
	return h.opts.Configuration()
}

func (h *handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if h.opts.Sessions == nil {
		http.NotFound(w, r)
		return
	}
	sessions := h.opts.Sessions.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, views)
}

func viewOf(s *session.Session) sessionView {
	client := s.Client()
	topics := make([]string, 0)
	for _, item := range s.Context().Subscriptions() {
		topics = append(topics, item.Topic)
	}
	queued, unacked := s.Pusher().Pending()
	remote := ""
	if addr := s.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return sessionView{
		ID:              s.ID(),
		Group:           s.GroupKey(),
		Subsystem:       client.Subsystem,
		Purpose:         client.Purpose,
		Host:            client.Host,
		Port:            client.Port,
		RemoteAddr:      remote,
		State:           s.State().String(),
		Topics:          topics,
		SendTopics:      s.Context().SendTopics(),
		Queued:          queued,
		Unacked:         unacked,
		Isolated:        s.IsIsolated(),
		CreatedAt:       s.CreatedAt().UTC(),
		LastHeartbeatAt: s.LastHeartbeat().UTC(),
	}
}

func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if h.opts.Stats == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, h.opts.Stats.Snapshot())
}

type createTopicRequest struct {
	Name string `json:"name"`
}

func (h *handler) handleTopics(w http.ResponseWriter, r *http.Request) {
	if h.opts.Topics == nil {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		topics, err := h.opts.Topics.ListTopics(r.Context())
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeJSON(w, http.StatusOK, topics)
	case http.MethodPost:
		var req createTopicRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			http.Error(w, "invalid topic payload", http.StatusBadRequest)
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		topic, err := h.opts.Topics.CreateTopic(r.Context(), name)
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, topic)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h *handler) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if h.opts.Subscriptions == nil {
		http.NotFound(w, r)
		return
	}
	records, err := h.opts.Subscriptions.ListSubscriptions(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) writeFailure(w http.ResponseWriter, err error) {
	h.opts.Logger.Error().Err(err).Msg("admin request failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:      err.Error(),
		StackTrace: string(debug.Stack()),
	})
}

func preflight(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "*")
	header.Set("Access-Control-Allow-Headers", "*")
	header.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
