// Package group aggregates the sessions of one client group and routes
// messages between them and the broker.
package group
