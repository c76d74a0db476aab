// Package server implements the WebSocket event server: the upgrade
// endpoint, per-connection read loops, session teardown, built-in events and
// the HTTP routes around them.
//
// The implementation is organized into specialized files for connection
// lifecycle, reading, origin checks, rate limiting, routing and HTTP
// handlers.
package server
