// Package protocol defines the frames exchanged between mesh clients and the
// runtime: commands, headers, identity and subscription descriptors.
//
// Frames are JSON documents written one per line on TCP connections and one
// per websocket message on the HTTP transport.
package protocol
