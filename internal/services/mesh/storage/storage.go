// Package storage defines the broker persistence contracts of the mesh.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
)

// Topic is one topic known to the broker.
type Topic struct {
	Name       string    `json:"name"`
	NextOffset int64     `json:"nextOffset"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SubscriptionRecord is one topic a client group consumes.
type SubscriptionRecord struct {
	GroupKey  string                    `json:"group"`
	Item      protocol.SubscriptionItem `json:"item"`
	CreatedAt time.Time                 `json:"createdAt"`
}

// TopicStore manages topics.
type TopicStore interface {
	CreateTopic(ctx context.Context, name string) (Topic, error)
	TopicExists(ctx context.Context, name string) (bool, error)
	ListTopics(ctx context.Context) ([]Topic, error)
}

// MessageStore persists messages per topic with increasing offsets.
type MessageStore interface {
	Append(ctx context.Context, msg protocol.Message) (protocol.Message, error)
	ListMessages(ctx context.Context, topic string, afterOffset int64, limit int) ([]protocol.Message, error)
}

// SubscriptionStore records which topics client groups consume.
type SubscriptionStore interface {
	Subscribe(ctx context.Context, groupKey string, item protocol.SubscriptionItem) error
	Unsubscribe(ctx context.Context, groupKey string, topic string) error
	ListSubscriptions(ctx context.Context) ([]SubscriptionRecord, error)
}

// Store is the full broker store.
type Store interface {
	TopicStore
	MessageStore
	SubscriptionStore
	Close() error
}
