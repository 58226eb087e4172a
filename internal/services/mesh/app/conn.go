package app

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"github.com/louisbranch/eventmesh/internal/services/mesh/session"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	errHelloRequired     = apperrors.New(apperrors.CodeHelloRequired, "hello required")
	errSubscriptionEmpty = apperrors.New(apperrors.CodeSubscriptionEmpty, "topicList is required")
)

type sendAck struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// connection runs the frame loop of one client. Frames are read by a single
// goroutine; upstream sends finish on their own goroutines.
type connection struct {
	mesh    *Mesh
	channel *connChannel
	ctx     context.Context
	session *session.Session
}

// ServeConn runs the frame protocol on conn until the client leaves, the
// connection fails or the mesh closes.
func (m *Mesh) ServeConn(conn io.ReadWriteCloser, remote net.Addr) {
	ch := newConnChannel(conn, remote, m.cfg.WriteQueue)
	stop := context.AfterFunc(m.connCtx, func() { _ = ch.Close() })
	defer stop()
	defer func() {
		ch.Flush(goodbyeFlushTimeout)
		_ = ch.Close()
	}()

	c := &connection{mesh: m, channel: ch, ctx: m.connCtx}
	defer c.close("connection closed")

	dec := protocol.NewDecoder(conn)
	for {
		pkg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				m.logger.Debug().Err(err).Str("remote", addrString(remote)).Msg("read frame")
				c.reply(protocol.Header{Command: protocol.ServerGoodbyeRequest}, protocol.StatusFail, "invalid frame", nil)
			}
			return
		}
		if !c.handle(pkg) {
			return
		}
	}
}

func (c *connection) close(reason string) {
	if c.session != nil {
		c.mesh.sessions.close(c.session, reason)
	}
}

// handle dispatches one frame. It reports false when the connection must end.
func (c *connection) handle(pkg protocol.Package) bool {
	header := pkg.Header
	if c.session == nil && header.Command != protocol.HelloRequest {
		c.reply(header, protocol.StatusFail, errHelloRequired.Error(), nil)
		return false
	}

	switch header.Command {
	case protocol.HelloRequest:
		return c.hello(pkg)
	case protocol.HeartbeatRequest:
		c.session.Heartbeat(c.mesh.cfg.Clock())
		c.reply(header, protocol.StatusSuccess, "", nil)
	case protocol.SubscribeRequest:
		c.subscribe(pkg)
	case protocol.UnsubscribeRequest:
		c.unsubscribe(pkg)
	case protocol.ListenRequest:
		c.listen(header)
	case protocol.AsyncMessageToServer, protocol.BroadcastMessageToServer:
		c.upstream(pkg)
	case protocol.AsyncMessageToClientAck, protocol.BroadcastMessageToClientAck:
		if !c.session.AckDownstream(header.Seq) {
			c.mesh.logger.Debug().Str("seq", header.Seq).Str("session", c.session.ID()).Msg("ack for unknown downstream message")
		}
	case protocol.ClientGoodbyeRequest:
		c.reply(header, protocol.StatusSuccess, "", nil)
		return false
	default:
		c.reply(header, protocol.StatusFail, "unsupported command "+string(header.Command), nil)
	}
	return true
}

func (c *connection) hello(pkg protocol.Package) bool {
	if c.session != nil {
		c.reply(pkg.Header, protocol.StatusFail, "session already established", nil)
		return true
	}
	var agent protocol.UserAgent
	if err := pkg.DecodeBody(&agent); err != nil {
		c.reply(pkg.Header, protocol.StatusFail, err.Error(), nil)
		return false
	}
	if err := agent.Validate(); err != nil {
		err = apperrors.Wrap(apperrors.CodeUserAgentInvalid, "invalid user agent", err)
		c.reply(pkg.Header, protocol.StatusFail, err.Error(), nil)
		return false
	}
	if c.mesh.verifier != nil {
		if _, err := c.mesh.verifier.Verify(agent); err != nil {
			c.mesh.logger.Warn().Err(err).Str("client", agent.String()).Msg("hello rejected")
			c.reply(pkg.Header, protocol.StatusACLFail, err.Error(), nil)
			return false
		}
	}

	s := session.New(agent, c.channel, c.mesh.table, c.mesh.sessionOptions())
	c.mesh.table.Register(s)
	if err := s.Start(); err != nil {
		c.mesh.table.Deregister(s, nil)
		c.reply(pkg.Header, protocol.StatusFail, err.Error(), nil)
		return false
	}
	c.session = s
	c.mesh.sessions.add(s, c.channel)
	c.reply(pkg.Header, protocol.StatusSuccess, "", nil)
	return true
}

func (c *connection) subscribe(pkg protocol.Package) {
	var body protocol.Subscription
	if err := pkg.DecodeBody(&body); err != nil {
		c.reply(pkg.Header, protocol.StatusFail, err.Error(), nil)
		return
	}
	if len(body.Topics) == 0 {
		c.reply(pkg.Header, protocol.StatusFail, errSubscriptionEmpty.Error(), nil)
		return
	}
	if err := c.session.Subscribe(c.ctx, body.Topics); err != nil {
		c.reply(pkg.Header, protocol.StatusFail, err.Error(), nil)
		return
	}
	c.reply(pkg.Header, protocol.StatusSuccess, "", nil)
}

func (c *connection) unsubscribe(pkg protocol.Package) {
	var body protocol.Subscription
	if err := pkg.DecodeBody(&body); err != nil {
		c.reply(pkg.Header, protocol.StatusFail, err.Error(), nil)
		return
	}
	if err := c.session.Unsubscribe(c.ctx, body.Topics); err != nil {
		c.reply(pkg.Header, protocol.StatusFail, err.Error(), nil)
		return
	}
	c.reply(pkg.Header, protocol.StatusSuccess, "", nil)
}

// listen records the request seq and answers it unless a downstream message
// already did.
func (c *connection) listen(header protocol.Header) {
	c.session.SetListenRequestSeq(header.Seq)
	response := protocol.NewHeader(protocol.ListenResponse, protocol.StatusSuccess, "", header.Seq)
	start := c.mesh.cfg.Clock()
	c.session.TryAcknowledgeListen(&response, start, start.Add(c.mesh.cfg.UpstreamTimeout))
}

func (c *connection) upstream(pkg protocol.Package) {
	var msg protocol.Message
	if err := pkg.DecodeBody(&msg); err != nil {
		c.reply(pkg.Header, protocol.StatusFail, err.Error(), nil)
		return
	}
	msg.Topic = strings.TrimSpace(msg.Topic)
	if msg.Topic == "" {
		c.reply(pkg.Header, protocol.StatusFail, "topic is required", nil)
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	c.mesh.metrics.IncrementClientToMesh()

	start := c.mesh.cfg.Clock()
	deadline := start.Add(c.mesh.cfg.UpstreamTimeout)
	ctx := c.ctx
	var span oteltrace.Span
	if c.mesh.tracer != nil {
		ctx = c.mesh.tracer.ExtractFrom(ctx, msg.Properties)
		ctx, span = c.mesh.tracer.CreateSpan(ctx, "upstream "+msg.Topic, oteltrace.SpanKindProducer, start)
		c.mesh.tracer.Inject(ctx, msg.TraceCarrier())
	}

	header := pkg.Header
	s := c.session
	go func() {
		if span != nil {
			defer span.End()
		}
		result := s.UpstreamSend(ctx, header, msg, nil, start, deadline)
		if !result.OK() {
			desc := result.Status.String()
			if result.Err != nil {
				desc = result.Err.Error()
			}
			c.reply(header, result.Status.OPStatus(), desc, nil)
			return
		}
		c.reply(header, protocol.StatusSuccess, "", sendAck{ID: msg.ID, Topic: msg.Topic})
	}()
}

// reply answers req with its response command. Before hello the frame goes
// straight to the channel.
func (c *connection) reply(req protocol.Header, status protocol.OPStatus, desc string, body any) {
	cmd := req.Command.Response()
	if cmd == "" {
		cmd = req.Command
	}
	pkg, err := protocol.NewPackage(protocol.NewHeader(cmd, status, desc, req.Seq), body)
	if err != nil {
		c.mesh.logger.Error().Err(err).Str("cmd", string(cmd)).Msg("encode reply")
		return
	}
	if c.session != nil {
		c.session.WriteToClient(pkg)
		return
	}
	c.channel.WriteAndFlush(pkg, func(err error) {
		if err != nil {
			c.mesh.logger.Debug().Err(err).Str("cmd", string(cmd)).Msg("write reply")
		}
	})
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
