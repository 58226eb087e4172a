// Package timeouts defines shared timeout constants used across the runtime.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// GRPCRequest caps the time allowed for a single gRPC request from tooling.
const GRPCRequest = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second

// Heartbeat is the default idle window after which a client session without
// heartbeats is closed.
const Heartbeat = 30 * time.Second

// HeartbeatSweep is how often idle sessions are looked for.
const HeartbeatSweep = 5 * time.Second

// Isolate is the default penalty window applied to a session whose pusher
// rejected work.
const Isolate = 5 * time.Second

// Downstream caps how long a pushed message may wait before it is dropped.
const Downstream = 10 * time.Second

// Upstream caps how long a client publish may take end to end.
const Upstream = 3 * time.Second
