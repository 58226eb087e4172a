// Package metrics counts message flow through the mesh.
//
// Counters are atomics so write-completion callbacks from many sessions can
// bump them without coordination; each increment is mirrored into an
// OpenTelemetry instrument for export.
package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/louisbranch/eventmesh/mesh"

// Summary holds the runtime-wide message counters.
type Summary struct {
	clientToMesh atomic.Int64
	meshToBroker atomic.Int64
	brokerToMesh atomic.Int64
	meshToClient atomic.Int64
	dropped      atomic.Int64
	retried      atomic.Int64
	connections  atomic.Int64

	clientToMeshCounter metric.Int64Counter
	meshToBrokerCounter metric.Int64Counter
	brokerToMeshCounter metric.Int64Counter
	meshToClientCounter metric.Int64Counter
	droppedCounter      metric.Int64Counter
	retriedCounter      metric.Int64Counter
	connectionsGauge    metric.Int64UpDownCounter
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ClientToMesh int64 `json:"client2meshMsgNum"`
	MeshToBroker int64 `json:"mesh2mqMsgNum"`
	BrokerToMesh int64 `json:"mq2meshMsgNum"`
	MeshToClient int64 `json:"mesh2clientMsgNum"`
	Dropped      int64 `json:"droppedMsgNum"`
	Retried      int64 `json:"retryMsgNum"`
	Connections  int64 `json:"connections"`
}

// New builds a summary whose instruments come from the global meter provider.
func New() *Summary {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter builds a summary whose instruments come from meter.
func NewWithMeter(meter metric.Meter) *Summary {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}
	return &Summary{
		clientToMeshCounter: counter(meter, "eventmesh.client_to_mesh.messages", "Messages received from clients."),
		meshToBrokerCounter: counter(meter, "eventmesh.mesh_to_broker.messages", "Messages stored in the backing broker."),
		brokerToMeshCounter: counter(meter, "eventmesh.broker_to_mesh.messages", "Messages read from the backing broker for delivery."),
		meshToClientCounter: counter(meter, "eventmesh.mesh_to_client.messages", "Frames delivered to clients."),
		droppedCounter:      counter(meter, "eventmesh.dropped.messages", "Downstream messages dropped after their deadline."),
		retriedCounter:      counter(meter, "eventmesh.retried.messages", "Downstream messages handed to another session."),
		connectionsGauge:    upDown(meter, "eventmesh.connections", "Open client connections."),
	}
}

func counter(meter metric.Meter, name string, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func upDown(meter metric.Meter, name string, desc string) metric.Int64UpDownCounter {
	c, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64UpDownCounter{}
	}
	return c
}

// IncrementDelivered counts one frame written to a client.
func (s *Summary) IncrementDelivered() {
	if s == nil {
		return
	}
	s.meshToClient.Add(1)
	s.meshToClientCounter.Add(context.Background(), 1)
}

// IncrementClientToMesh counts one message received from a client.
func (s *Summary) IncrementClientToMesh() {
	if s == nil {
		return
	}
	s.clientToMesh.Add(1)
	s.clientToMeshCounter.Add(context.Background(), 1)
}

// IncrementMeshToBroker counts one message stored upstream.
func (s *Summary) IncrementMeshToBroker() {
	if s == nil {
		return
	}
	s.meshToBroker.Add(1)
	s.meshToBrokerCounter.Add(context.Background(), 1)
}

// IncrementBrokerToMesh counts one message picked up for downstream delivery.
func (s *Summary) IncrementBrokerToMesh() {
	if s == nil {
		return
	}
	s.brokerToMesh.Add(1)
	s.brokerToMeshCounter.Add(context.Background(), 1)
}

// IncrementDropped counts one downstream message dropped.
func (s *Summary) IncrementDropped() {
	if s == nil {
		return
	}
	s.dropped.Add(1)
	s.droppedCounter.Add(context.Background(), 1)
}

// IncrementRetried counts one downstream message redelivered.
func (s *Summary) IncrementRetried() {
	if s == nil {
		return
	}
	s.retried.Add(1)
	s.retriedCounter.Add(context.Background(), 1)
}

// AddConnections moves the open connection gauge by delta.
func (s *Summary) AddConnections(delta int64) {
	if s == nil {
		return
	}
	s.connections.Add(delta)
	s.connectionsGauge.Add(context.Background(), delta)
}

// Snapshot copies the current counter values.
func (s *Summary) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return Snapshot{
		ClientToMesh: s.clientToMesh.Load(),
		MeshToBroker: s.meshToBroker.Load(),
		BrokerToMesh: s.brokerToMesh.Load(),
		MeshToClient: s.meshToClient.Load(),
		Dropped:      s.dropped.Load(),
		Retried:      s.retried.Load(),
		Connections:  s.connections.Load(),
	}
}
