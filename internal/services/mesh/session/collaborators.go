package session

import (
	"context"
	"net"

	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
)

// DeliveryMetrics receives delivery outcomes for a group.
type DeliveryMetrics interface {
	IncrementDelivered()
	IncrementDropped()
}

// Group is the cross-session registry a session subscribes through.
// Implementations must be safe for concurrent use.
type Group interface {
	SysID() string
	// Subscribe registers the topic with the backing broker for the group.
	Subscribe(item protocol.SubscriptionItem)
	// Unsubscribe retires the topic for the group.
	Unsubscribe(item protocol.SubscriptionItem)
	AddSubscription(item protocol.SubscriptionItem, s *Session)
	RemoveSubscription(item protocol.SubscriptionItem, s *Session)
	HasSubscription(topic string) bool
	// CheckTopicExists fails with an error matching ErrTopicNotFound when
	// the broker has no such topic.
	CheckTopicExists(ctx context.Context, topic string) error
	Publish(ctx context.Context, msg protocol.Message) error
	Metrics() DeliveryMetrics
}

// GroupLookup resolves a group key to the live group.
type GroupLookup interface {
	Lookup(key string) (Group, bool)
}

// Channel is the transport a session writes frames to.
type Channel interface {
	// ID identifies the connection for the process lifetime.
	ID() string
	RemoteAddr() net.Addr
	// WriteAndFlush queues pkg and reports completion through done. done may
	// run on another goroutine.
	WriteAndFlush(pkg protocol.Package, done func(error))
}
