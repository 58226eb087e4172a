// Package session holds the per-connection state machine of the mesh.
//
// A Session is created once a client's HELLO identity is known, tracks the
// topics the client subscribed to, forwards upstream publishes through its
// Sender and hands downstream messages to its Pusher. The session reaches its
// group only through a GroupLookup, so a torn-down group surfaces as
// ErrMissingGroup rather than a dangling reference.
package session
