package protocol

import (
	"encoding/json"
	"time"
)

// SubscriptionMode decides how a topic's messages spread across a group.
type SubscriptionMode string

const (
	// ModeClustering delivers each message to one session of the group.
	ModeClustering SubscriptionMode = "CLUSTERING"
	// ModeBroadcasting delivers each message to every session of the group.
	ModeBroadcasting SubscriptionMode = "BROADCASTING"
)

// SubscriptionType names the acknowledgement style of a subscription.
type SubscriptionType string

const (
	TypeSync  SubscriptionType = "SYNC"
	TypeAsync SubscriptionType = "ASYNC"
)

// SubscriptionItem describes one topic a session listens to.
type SubscriptionItem struct {
	Topic string           `json:"topic"`
	Mode  SubscriptionMode `json:"mode,omitempty"`
	Type  SubscriptionType `json:"type,omitempty"`
}

// Normalized fills in defaults.
func (i SubscriptionItem) Normalized() SubscriptionItem {
	if i.Mode == "" {
		i.Mode = ModeClustering
	}
	if i.Type == "" {
		i.Type = TypeAsync
	}
	return i
}

// Subscription is the body of subscribe and unsubscribe requests.
type Subscription struct {
	Topics []SubscriptionItem `json:"topicList"`
}

// Message is an event routed through the mesh.
type Message struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	Offset     int64             `json:"offset,omitempty"`
}

// Property returns a message property or "".
func (m Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// TraceCarrier returns the properties as a map usable by text-map
// propagators. The returned map is the message's own map.
func (m *Message) TraceCarrier() map[string]string {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	return m.Properties
}
