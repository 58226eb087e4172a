package app

import (
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/net/websocket"
)

const maxPublishBodyBytes = 1 << 20

type publishResponse struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Offset int64  `json:"offset"`
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler returns the client-facing HTTP routes: POST /publish, the /ws
// frame endpoint and /up.
func (m *Mesh) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/publish", m.handlePublish)

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		conn.MaxPayloadBytes = protocol.MaxFrameBytes
		remote := ""
		if req := conn.Request(); req != nil {
			remote = req.RemoteAddr
		}
		m.ServeConn(conn, wsAddr(remote))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

func (m *Mesh) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg protocol.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBodyBytes)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, httpError{Code: "INVALID_ARGUMENT", Message: "invalid message payload"})
		return
	}
	msg.Topic = strings.TrimSpace(msg.Topic)
	if msg.Topic == "" {
		writeJSON(w, http.StatusBadRequest, httpError{Code: string(apperrors.CodeTopicEmpty), Message: "topic is required"})
		return
	}
	m.metrics.IncrementClientToMesh()

	ctx := r.Context()
	if m.tracer != nil {
		ctx = m.tracer.ExtractFrom(ctx, msg.Properties)
		var span oteltrace.Span
		ctx, span = m.tracer.CreateSpan(ctx, "publish "+msg.Topic, oteltrace.SpanKindProducer, m.cfg.Clock())
		defer span.End()
		m.tracer.Inject(ctx, msg.TraceCarrier())
	}

	stored, err := m.table.Publish(ctx, msg)
	if err != nil {
		code := apperrors.CodeOf(err)
		m.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("http publish failed")
		writeJSON(w, httpStatus(code), httpError{Code: string(code), Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, publishResponse{ID: stored.ID, Topic: stored.Topic, Offset: stored.Offset})
}

func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.CodeTopicEmpty:
		return http.StatusBadRequest
	case apperrors.CodeTopicNotFound:
		return http.StatusNotFound
	case apperrors.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
