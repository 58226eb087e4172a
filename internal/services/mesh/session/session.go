package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/louisbranch/eventmesh/internal/platform/logging"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultUpstreamBuffer = 100
	defaultPusherQueue    = 1000
)

// Options tune a session.
type Options struct {
	Logger zerolog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
	// UpstreamBuffer bounds concurrent upstream sends.
	UpstreamBuffer int64
	// PusherQueue bounds queued plus unacked downstream contexts.
	PusherQueue int
}

// Session is one live client connection.
type Session struct {
	client     protocol.UserAgent
	channel    Channel
	remoteAddr net.Addr
	groups     GroupLookup
	groupKey   string

	clock        func() time.Time
	logger       zerolog.Logger
	subscribeLog zerolog.Logger
	messageLog   zerolog.Logger

	state         atomic.Int32
	createdAt     time.Time
	lastHeartbeat atomic.Int64
	isolatedUntil atomic.Int64

	ctx *Context

	listenLock         sync.Mutex
	listenAcknowledged atomic.Bool
	listenRequestSeq   atomic.Value

	sender *Sender
	pusher *Pusher
}

// New builds a session in the CREATED state.
func New(client protocol.UserAgent, channel Channel, groups GroupLookup, opts Options) *Session {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Session{
		client:   client,
		channel:  channel,
		groups:   groups,
		groupKey: client.GroupKey(),
		clock:    clock,
		logger:   opts.Logger,
		ctx:      NewContext(),
	}
	if channel != nil {
		s.remoteAddr = channel.RemoteAddr()
	}
	s.subscribeLog = logging.Named(opts.Logger, logging.LoggerSubscribe)
	s.messageLog = logging.Named(opts.Logger, logging.LoggerMessage)

	now := clock()
	s.createdAt = now
	s.lastHeartbeat.Store(now.UnixNano())
	s.listenRequestSeq.Store("")
	s.state.Store(int32(StateCreated))
	s.sender = newSender(s, opts.UpstreamBuffer)
	s.pusher = newPusher(s, opts.PusherQueue)
	return s
}

// Start moves a CREATED session to RUNNING once it is registered with its
// group and starts downstream delivery.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
		return nil
	}
	s.pusher.start()
	return nil
}

// Close marks the session CLOSED and stops the pusher. It returns the
// downstream contexts the client never acknowledged so the owner can hand
// them to another session before deregistering this one.
func (s *Session) Close() []*DownstreamContext {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	return s.pusher.Close()
}

func (s *Session) now() time.Time {
	return s.clock()
}

func (s *Session) group() (Group, error) {
	if s.groups == nil {
		return nil, ErrMissingGroup
	}
	group, ok := s.groups.Lookup(s.groupKey)
	if !ok || group == nil {
		return nil, ErrMissingGroup
	}
	return group, nil
}

// Subscribe adds items to the session and registers them with the group.
//
// Items are handled in order and independently: an item whose topic the
// broker does not know is removed again and reported, earlier items stay
// subscribed and later items still run.
func (s *Session) Subscribe(ctx context.Context, items []protocol.SubscriptionItem) error {
	group, err := s.group()
	if err != nil {
		s.subscribeLog.Error().Err(err).Str("group", s.groupKey).Str("client", s.client.String()).Msg("subscribe without group")
		return err
	}

	var errs []error
	for _, item := range items {
		item = item.Normalized()
		_, inserted := s.ctx.PutIfAbsent(item)
		group.Subscribe(item)
		if err := group.CheckTopicExists(ctx, item.Topic); err != nil {
			if inserted {
				s.ctx.Remove(item.Topic)
				if !group.HasSubscription(item.Topic) {
					group.Unsubscribe(item)
				}
			}
			s.subscribeLog.Warn().Err(err).Str("topic", item.Topic).Str("client", s.client.String()).Msg("subscribe rejected")
			errs = append(errs, fmt.Errorf("subscribe %s: %w", item.Topic, err))
			continue
		}
		group.AddSubscription(item, s)
		s.subscribeLog.Info().
			Str("topic", item.Topic).
			Str("mode", string(item.Mode)).
			Str("type", string(item.Type)).
			Str("client", s.client.String()).
			Msg("subscribe succeeded")
	}
	return errors.Join(errs...)
}

// Unsubscribe removes items from the session and the group. The group retires
// a topic when this session was its last subscriber.
func (s *Session) Unsubscribe(ctx context.Context, items []protocol.SubscriptionItem) error {
	group, err := s.group()
	if err != nil {
		s.subscribeLog.Error().Err(err).Str("group", s.groupKey).Str("client", s.client.String()).Msg("unsubscribe without group")
		return err
	}
	for _, item := range items {
		item = item.Normalized()
		stored, removed := s.ctx.Remove(item.Topic)
		if removed {
			item = stored
		}
		group.RemoveSubscription(item, s)
		if removed && !group.HasSubscription(item.Topic) {
			group.Unsubscribe(item)
		}
		s.subscribeLog.Info().
			Str("topic", item.Topic).
			Bool("was_subscribed", removed).
			Str("client", s.client.String()).
			Msg("unsubscribe succeeded")
	}
	return nil
}

// UpstreamSend records msg's topic and publishes it through the Sender.
func (s *Session) UpstreamSend(ctx context.Context, header protocol.Header, msg protocol.Message, callback SendCallback, startTime time.Time, deadline time.Time) SendResult {
	s.ctx.AddSendTopic(msg.Topic)
	return s.sender.Send(ctx, header, msg, callback, startTime, deadline)
}

// listenSucceeded is the desc of the LISTEN_RESPONSE frame.
const listenSucceeded = "succeed"

// DownstreamDeliver acknowledges the client's listen request if that has not
// happened yet and queues dctx on the Pusher.
func (s *Session) DownstreamDeliver(dctx *DownstreamContext) error {
	header := protocol.NewHeader(protocol.ListenResponse, protocol.StatusSuccess, listenSucceeded, s.ListenRequestSeq())
	start := s.now()
	s.TryAcknowledgeListen(&header, start, start.Add(time.Second))
	return s.pusher.Push(dctx)
}

// TryAcknowledgeListen writes the LISTEN_RESPONSE frame at most once per
// session. A caller that finds another caller mid-send returns without
// waiting.
func (s *Session) TryAcknowledgeListen(header *protocol.Header, startTime time.Time, deadline time.Time) {
	if s.listenAcknowledged.Load() {
		return
	}
	if !s.listenLock.TryLock() {
		return
	}
	defer s.listenLock.Unlock()
	if s.listenAcknowledged.Load() {
		return
	}

	if header == nil {
		h := protocol.NewHeader(protocol.ListenResponse, protocol.StatusSuccess, listenSucceeded, s.ListenRequestSeq())
		header = &h
	}
	s.messageLog.Info().
		Str("cmd", string(header.Command)).
		Str("client", s.client.String()).
		Time("start", startTime).
		Time("deadline", deadline).
		Msg("acknowledging listen")
	s.WriteToClient(protocol.Package{Header: *header})
	s.listenAcknowledged.Store(true)
}

// ListenAcknowledged reports whether the listen response was written.
func (s *Session) ListenAcknowledged() bool {
	return s.listenAcknowledged.Load()
}

// SetListenRequestSeq stores the seq of the client's LISTEN_REQUEST so the
// eventual response can echo it.
func (s *Session) SetListenRequestSeq(seq string) {
	s.listenRequestSeq.Store(seq)
}

// ListenRequestSeq returns the stored listen request seq.
func (s *Session) ListenRequestSeq() string {
	seq, _ := s.listenRequestSeq.Load().(string)
	return seq
}

// AckDownstream marks a pushed message as received by the client.
func (s *Session) AckDownstream(seq string) bool {
	return s.pusher.Ack(seq)
}

// WriteToClient hands pkg to the channel without waiting for the write. A
// closed session drops pkg. Write failures are logged and never returned.
func (s *Session) WriteToClient(pkg protocol.Package) {
	s.writeToClient(pkg, nil)
}

// writeToClient is WriteToClient with a completion hook. after runs once with
// the write outcome unless the session is already closed.
func (s *Session) writeToClient(pkg protocol.Package, after func(error)) {
	if s.State() == StateClosed {
		return
	}
	if after != nil {
		var once sync.Once
		complete := after
		after = func(err error) { once.Do(func() { complete(err) }) }
	}
	if s.channel == nil {
		if after != nil {
			after(ErrWriteFailure)
		}
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.messageLog.Error().
				Str("cmd", string(pkg.Header.Command)).
				Str("client", s.client.String()).
				Interface("panic", r).
				Msg("write to client panicked")
			if after != nil {
				after(fmt.Errorf("%w: panic: %v", ErrWriteFailure, r))
			}
		}
	}()
	s.channel.WriteAndFlush(pkg, func(err error) {
		defer func() {
			if r := recover(); r != nil {
				s.messageLog.Error().Interface("panic", r).Msg("write completion panicked")
			}
		}()
		if after != nil {
			defer after(err)
		}
		if err != nil {
			s.messageLog.Error().
				Err(fmt.Errorf("%w: %w", ErrWriteFailure, err)).
				Str("pkg", pkg.String()).
				Str("client", s.client.String()).
				Msg("write to client failed")
			return
		}
		group, gerr := s.group()
		if gerr != nil {
			s.messageLog.Debug().Err(gerr).Str("client", s.client.String()).Msg("delivered without group")
			return
		}
		group.Metrics().IncrementDelivered()
	})
}

// IsAvailable reports whether downstream messages for topic may be routed to
// this session.
func (s *Session) IsAvailable(topic string) bool {
	if s.State() == StateClosed {
		s.logger.Warn().Str("client", s.client.String()).Msg("session is closed")
		return false
	}
	if _, ok := s.ctx.Subscription(topic); !ok {
		s.logger.Warn().Str("topic", topic).Str("client", s.client.String()).Msg("session is not subscribed to topic")
		return false
	}
	return true
}

// IsRunning reports whether the session is RUNNING.
func (s *Session) IsRunning() bool {
	if state := s.State(); state != StateRunning {
		s.logger.Warn().Str("state", state.String()).Str("client", s.client.String()).Msg("session is not running")
		return false
	}
	return true
}

// IsIsolated reports whether the session is inside its isolation window.
func (s *Session) IsIsolated() bool {
	return s.now().UnixNano() < s.isolatedUntil.Load()
}

// SetIsolatedUntil extends the isolation window to until. Earlier values are
// ignored.
func (s *Session) SetIsolatedUntil(until time.Time) {
	next := until.UnixNano()
	for {
		current := s.isolatedUntil.Load()
		if next <= current {
			return
		}
		if s.isolatedUntil.CompareAndSwap(current, next) {
			return
		}
	}
}

// IsolatedUntil returns the end of the isolation window.
func (s *Session) IsolatedUntil() time.Time {
	nanos := s.isolatedUntil.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Heartbeat records a client heartbeat.
func (s *Session) Heartbeat(at time.Time) {
	s.lastHeartbeat.Store(at.UnixNano())
}

// LastHeartbeat returns the last heartbeat time.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ID returns the channel id, or "" when the session has no channel.
func (s *Session) ID() string {
	if s.channel == nil {
		return ""
	}
	return s.channel.ID()
}

// Client returns the user agent the client announced in its hello.
func (s *Session) Client() protocol.UserAgent { return s.client }

// GroupKey returns the key of the consumer group the session belongs to.
func (s *Session) GroupKey() string { return s.groupKey }

// RemoteAddr returns the client's address as seen by the channel.
func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Context returns the session's subscription and send-topic state.
func (s *Session) Context() *Context { return s.ctx }

// Sender returns the session's upstream publisher.
func (s *Session) Sender() *Sender { return s.sender }

// Pusher returns the session's downstream delivery queue.
func (s *Session) Pusher() *Pusher { return s.pusher }

// Equal compares client identity, connection and state. Subscriptions are
// not compared.
func (s *Session) Equal(other *Session) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	return s.client == other.client &&
		s.ID() == other.ID() &&
		s.State() == other.State()
}

// String describes the session for logs.
func (s *Session) String() string {
	var b strings.Builder
	b.WriteString("Session{")
	if group, err := s.group(); err == nil {
		fmt.Fprintf(&b, "sysId=%s,", group.SysID())
	}
	remote := ""
	if s.remoteAddr != nil {
		remote = s.remoteAddr.String()
	}
	fmt.Fprintf(&b, "remoteAddr=%s,client=%s,state=%s,subscribeTopics=[", remote, s.client, s.State())
	for i, item := range s.ctx.Subscriptions() {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(item.Topic)
	}
	fmt.Fprintf(&b, "],sendTopics=%v,createTime=%s,lastHeartbeatTime=%s}",
		s.ctx.SendTopics(), s.createdAt.Format(time.RFC3339), s.LastHeartbeat().Format(time.RFC3339))
	return b.String()
}
