package session

import (
	"sort"
	"sync"

	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
)

// Context is the per-session subscription table plus the set of topics the
// client has published to.
//
// Only the owning session's frame loop mutates it; the lock lets dispatchers
// and admin readers look at it from other goroutines.
type Context struct {
	mu              sync.RWMutex
	subscribeTopics map[string]protocol.SubscriptionItem
	sendTopics      map[string]struct{}
}

// NewContext returns an empty table.
func NewContext() *Context {
	return &Context{
		subscribeTopics: make(map[string]protocol.SubscriptionItem),
		sendTopics:      make(map[string]struct{}),
	}
}

// PutIfAbsent stores item unless its topic is already present. It returns the
// stored item and whether this call inserted it.
func (c *Context) PutIfAbsent(item protocol.SubscriptionItem) (protocol.SubscriptionItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.subscribeTopics[item.Topic]; ok {
		return existing, false
	}
	c.subscribeTopics[item.Topic] = item
	return item, true
}

// Remove deletes topic. Removing an absent topic is a no-op.
func (c *Context) Remove(topic string) (protocol.SubscriptionItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.subscribeTopics[topic]
	if ok {
		delete(c.subscribeTopics, topic)
	}
	return item, ok
}

// Subscription returns the stored item for topic.
func (c *Context) Subscription(topic string) (protocol.SubscriptionItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.subscribeTopics[topic]
	return item, ok
}

// Subscriptions returns the stored items sorted by topic.
func (c *Context) Subscriptions() []protocol.SubscriptionItem {
	c.mu.RLock()
	items := make([]protocol.SubscriptionItem, 0, len(c.subscribeTopics))
	for _, item := range c.subscribeTopics {
		items = append(items, item)
	}
	c.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Topic < items[j].Topic })
	return items
}

// AddSendTopic records that the client published to topic.
func (c *Context) AddSendTopic(topic string) {
	if topic == "" {
		return
	}
	c.mu.Lock()
	c.sendTopics[topic] = struct{}{}
	c.mu.Unlock()
}

// SendTopics returns the published-to topics, sorted.
func (c *Context) SendTopics() []string {
	c.mu.RLock()
	topics := make([]string, 0, len(c.sendTopics))
	for topic := range c.sendTopics {
		topics = append(topics, topic)
	}
	c.mu.RUnlock()
	sort.Strings(topics)
	return topics
}
