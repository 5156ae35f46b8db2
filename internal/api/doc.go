// Package api implements the HTTP REST API and WebSocket server for savantaudio.
//
// This package provides:
//   - REST endpoints for config entries, config flows and options flows
//   - zone entity reads and service calls
//   - a WebSocket hub that relays zone state changes
//   - HS256 bearer token authentication
//
// # Architecture
//
// The server is a thin shell over the entry manager, the flow manager and
// the media player platform. Flows are driven step by step: every POST
// returns the next form, an abort or a created entry. The WebSocket hub is
// registered as an entity listener on the platform, so state changes reach
// clients without a broker. Subscribing to entity_state replays the current
// state of every zone; clients may narrow it with entity_ids and call services
// over the same socket.
//
// # Security
//
// When security.jwt.secret is set every route except /health requires an
// Authorization bearer token signed with that secret. Browser WebSocket
// clients exchange their token for a single-use ticket at /auth/ws-ticket
// and pass it as the "ticket" query parameter. An empty secret disables
// authentication, which is only meant for local development.
package api
