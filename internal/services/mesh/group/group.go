package group

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/louisbranch/eventmesh/internal/platform/timeouts"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"github.com/louisbranch/eventmesh/internal/services/mesh/session"
	"github.com/rs/zerolog"
)

// Broker stores messages and the topics groups consume.
type Broker interface {
	TopicExists(ctx context.Context, topic string) (bool, error)
	Append(ctx context.Context, msg protocol.Message) (protocol.Message, error)
	Subscribe(ctx context.Context, groupKey string, item protocol.SubscriptionItem) error
	Unsubscribe(ctx context.Context, groupKey string, topic string) error
}

// Metrics receives routing counters.
type Metrics interface {
	session.DeliveryMetrics
	IncrementMeshToBroker()
	IncrementBrokerToMesh()
	IncrementRetried()
}

// Options tune groups created by a Table.
type Options struct {
	Logger zerolog.Logger
	Clock  func() time.Time
	// IsolateWindow is how long a session whose pusher was busy is skipped.
	IsolateWindow time.Duration
	// DownstreamTTL bounds how long a pushed message may wait for delivery.
	DownstreamTTL time.Duration
	// MaxRetries bounds redelivery of one message to other sessions.
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.IsolateWindow <= 0 {
		o.IsolateWindow = timeouts.Isolate
	}
	if o.DownstreamTTL <= 0 {
		o.DownstreamTTL = timeouts.Downstream
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	return o
}

// Group holds the sessions sharing one subsystem/group key.
type Group struct {
	key     string
	sysID   string
	table   *Table
	broker  Broker
	metrics Metrics
	opts    Options
	logger  zerolog.Logger

	// topicMu orders topic registration and retirement together with the
	// broker calls they make. It is taken before mu.
	topicMu sync.Mutex

	mu          sync.RWMutex
	sessions    map[string]*session.Session
	topics      map[string]protocol.SubscriptionItem
	subscribers map[string]map[string]*session.Session
	cursors     map[string]int

	seq atomic.Int64
}

func newGroup(table *Table, key string) *Group {
	return &Group{
		key:         key,
		sysID:       table.sysID,
		table:       table,
		broker:      table.broker,
		metrics:     table.metrics,
		opts:        table.opts,
		logger:      table.opts.Logger.With().Str("group", key).Logger(),
		sessions:    make(map[string]*session.Session),
		topics:      make(map[string]protocol.SubscriptionItem),
		subscribers: make(map[string]map[string]*session.Session),
		cursors:     make(map[string]int),
	}
}

// Key returns the group key.
func (g *Group) Key() string { return g.key }

// SysID returns the mesh system id.
func (g *Group) SysID() string { return g.sysID }

// Metrics returns the delivery counters.
func (g *Group) Metrics() session.DeliveryMetrics { return g.metrics }

func (g *Group) brokerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeouts.GRPCRequest)
}

// Subscribe registers the topic with the broker on first use.
func (g *Group) Subscribe(item protocol.SubscriptionItem) {
	g.topicMu.Lock()
	defer g.topicMu.Unlock()
	g.mu.Lock()
	if _, ok := g.topics[item.Topic]; ok {
		g.mu.Unlock()
		return
	}
	g.topics[item.Topic] = item
	g.mu.Unlock()
	g.brokerSubscribe(item)
}

// Unsubscribe retires the topic once no session of the group listens to it.
func (g *Group) Unsubscribe(item protocol.SubscriptionItem) {
	g.topicMu.Lock()
	defer g.topicMu.Unlock()
	g.mu.Lock()
	if _, ok := g.topics[item.Topic]; !ok || len(g.subscribers[item.Topic]) > 0 {
		g.mu.Unlock()
		return
	}
	delete(g.topics, item.Topic)
	delete(g.cursors, item.Topic)
	g.mu.Unlock()

	ctx, cancel := g.brokerContext()
	defer cancel()
	if err := g.broker.Unsubscribe(ctx, g.key, item.Topic); err != nil {
		g.logger.Error().Err(err).Str("topic", item.Topic).Msg("broker unsubscribe failed")
		return
	}
	g.logger.Info().Str("topic", item.Topic).Msg("topic retired")
}

// AddSubscription adds s to the topic's subscriber set. A topic retired by
// another session since Subscribe is registered again.
func (g *Group) AddSubscription(item protocol.SubscriptionItem, s *session.Session) {
	g.topicMu.Lock()
	defer g.topicMu.Unlock()
	g.mu.Lock()
	set, ok := g.subscribers[item.Topic]
	if !ok {
		set = make(map[string]*session.Session)
		g.subscribers[item.Topic] = set
	}
	set[s.ID()] = s
	_, registered := g.topics[item.Topic]
	if !registered {
		g.topics[item.Topic] = item
	}
	g.mu.Unlock()

	if !registered {
		g.logger.Info().Str("topic", item.Topic).Str("session", s.ID()).Msg("topic registered again")
		g.brokerSubscribe(item)
	}
}

func (g *Group) brokerSubscribe(item protocol.SubscriptionItem) {
	ctx, cancel := g.brokerContext()
	defer cancel()
	if err := g.broker.Subscribe(ctx, g.key, item); err != nil {
		g.logger.Error().Err(err).Str("topic", item.Topic).Msg("broker subscribe failed")
	}
}

// RemoveSubscription removes s from the topic's subscriber set.
func (g *Group) RemoveSubscription(item protocol.SubscriptionItem, s *session.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.subscribers[item.Topic]
	if !ok {
		return
	}
	delete(set, s.ID())
	if len(set) == 0 {
		delete(g.subscribers, item.Topic)
	}
}

// HasSubscription reports whether any session of the group listens to topic.
func (g *Group) HasSubscription(topic string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subscribers[topic]) > 0
}

// CheckTopicExists asks the broker for topic.
func (g *Group) CheckTopicExists(ctx context.Context, topic string) error {
	exists, err := g.broker.TopicExists(ctx, topic)
	if err != nil {
		return err
	}
	if !exists {
		return apperrors.WithMetadata(apperrors.CodeTopicNotFound, "topic not found", map[string]string{"topic": topic})
	}
	return nil
}

// Publish stores msg and routes it to every group listening to its topic.
func (g *Group) Publish(ctx context.Context, msg protocol.Message) error {
	_, err := g.table.Publish(ctx, msg)
	return err
}

// Topics returns the topics the group subscribed to, sorted.
func (g *Group) Topics() []protocol.SubscriptionItem {
	g.mu.RLock()
	items := make([]protocol.SubscriptionItem, 0, len(g.topics))
	for _, item := range g.topics {
		items = append(items, item)
	}
	g.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Topic < items[j].Topic })
	return items
}

// Sessions returns the group's sessions ordered by id.
func (g *Group) Sessions() []*session.Session {
	g.mu.RLock()
	out := make([]*session.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Size returns the number of sessions.
func (g *Group) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Group) addSession(s *session.Session) {
	g.mu.Lock()
	g.sessions[s.ID()] = s
	g.mu.Unlock()
}

// removeSession drops s and every subscription it held, retiring topics it
// was the last subscriber of. It reports whether the group is now empty.
func (g *Group) removeSession(s *session.Session) bool {
	g.mu.Lock()
	delete(g.sessions, s.ID())
	var orphaned []protocol.SubscriptionItem
	for topic, set := range g.subscribers {
		if _, ok := set[s.ID()]; !ok {
			continue
		}
		delete(set, s.ID())
		if len(set) == 0 {
			delete(g.subscribers, topic)
			item, ok := g.topics[topic]
			if !ok {
				item = protocol.SubscriptionItem{Topic: topic}
			}
			orphaned = append(orphaned, item)
		}
	}
	g.mu.Unlock()

	for _, item := range orphaned {
		g.Unsubscribe(item)
	}
	return g.Size() == 0
}

// Deliver pushes msg to the group's sessions according to the topic's
// subscription mode. It returns how many sessions accepted it.
func (g *Group) Deliver(msg protocol.Message) int {
	g.mu.RLock()
	item, ok := g.topics[msg.Topic]
	g.mu.RUnlock()
	if !ok {
		return 0
	}
	g.metrics.IncrementBrokerToMesh()

	now := g.opts.Clock()
	if item.Mode == protocol.ModeBroadcasting {
		delivered := 0
		for _, s := range g.candidates(msg.Topic) {
			if g.push(s, g.newDownstream(msg, item, now)) {
				delivered++
			}
		}
		if delivered == 0 {
			g.logger.Warn().Str("topic", msg.Topic).Str("msg", msg.ID).Msg("no session accepted broadcast")
		}
		return delivered
	}
	if g.deliverOne(g.newDownstream(msg, item, now), "") {
		return 1
	}
	return 0
}

func (g *Group) newDownstream(msg protocol.Message, item protocol.SubscriptionItem, now time.Time) *session.DownstreamContext {
	return &session.DownstreamContext{
		Seq:          strconv.FormatInt(g.seq.Add(1), 10),
		Message:      msg,
		Subscription: item,
		CreatedAt:    now,
		Deadline:     now.Add(g.opts.DownstreamTTL),
	}
}

// deliverOne hands dctx to one session round-robin, skipping exclude.
func (g *Group) deliverOne(dctx *session.DownstreamContext, exclude string) bool {
	candidates := g.candidates(dctx.Message.Topic)
	if len(candidates) == 0 {
		g.logger.Warn().Str("topic", dctx.Message.Topic).Str("msg", dctx.Message.ID).Msg("no session available")
		return false
	}

	g.mu.Lock()
	start := g.cursors[dctx.Message.Topic]
	g.cursors[dctx.Message.Topic] = start + 1
	g.mu.Unlock()

	for i := range candidates {
		s := candidates[(start+i)%len(candidates)]
		if s.ID() == exclude {
			continue
		}
		if g.push(s, dctx) {
			return true
		}
	}
	g.logger.Warn().Str("topic", dctx.Message.Topic).Str("msg", dctx.Message.ID).Msg("every session rejected message")
	return false
}

func (g *Group) push(s *session.Session, dctx *session.DownstreamContext) bool {
	err := s.DownstreamDeliver(dctx)
	if err == nil {
		return true
	}
	if apperrors.CodeOf(err) == apperrors.CodePusherBusy {
		until := g.opts.Clock().Add(g.opts.IsolateWindow)
		s.SetIsolatedUntil(until)
		g.logger.Warn().Str("session", s.ID()).Time("until", until).Msg("pusher busy, isolating session")
		return false
	}
	g.logger.Warn().Err(err).Str("session", s.ID()).Msg("downstream push rejected")
	return false
}

// candidates returns running, non-isolated sessions subscribed to topic,
// ordered by id so round-robin is stable.
func (g *Group) candidates(topic string) []*session.Session {
	g.mu.RLock()
	set := g.subscribers[topic]
	out := make([]*session.Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	g.mu.RUnlock()

	filtered := out[:0]
	for _, s := range out {
		if !s.IsRunning() || !s.IsAvailable(topic) || s.IsIsolated() {
			continue
		}
		filtered = append(filtered, s)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID() < filtered[j].ID() })
	return filtered
}

// Redeliver hands contexts a closed session never acknowledged to the other
// sessions of the group. Broadcast contexts belong to the closed session and
// are dropped.
func (g *Group) Redeliver(from *session.Session, pending []*session.DownstreamContext) {
	for _, dctx := range pending {
		if dctx.Subscription.Mode == protocol.ModeBroadcasting {
			continue
		}
		if dctx.Retries >= g.opts.MaxRetries {
			g.logger.Warn().Str("msg", dctx.Message.ID).Int("retries", dctx.Retries).Msg("giving up redelivery")
			g.metrics.IncrementDropped()
			continue
		}
		retry := *dctx
		retry.Retries++
		retry.Seq = strconv.FormatInt(g.seq.Add(1), 10)
		retry.Deadline = g.opts.Clock().Add(g.opts.DownstreamTTL)
		exclude := ""
		if from != nil {
			exclude = from.ID()
		}
		if g.deliverOne(&retry, exclude) {
			g.metrics.IncrementRetried()
			continue
		}
		g.metrics.IncrementDropped()
	}
}
