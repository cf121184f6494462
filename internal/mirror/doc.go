// Package mirror maintains a live, in-memory copy of every entity state
// held by the home-automation hub.
//
// # Session
//
// The mirror dials the hub's websocket endpoint (http→ws, https→wss, plus
// /api/websocket) and runs the handshake:
//
//	hub                         mirror
//	 │── auth_required ──────────►│
//	 │◄──────── auth{token} ──────│
//	 │── auth_ok ────────────────►│
//	 │◄── subscribe_events ───────│  (state_changed)
//	 │◄── get_states ─────────────│
//	 │── event / result ─────────►│  (merged by one goroutine)
//
// The snapshot is not awaited: events and the get_states result share one
// merge path, and a per-entity sequence number stops the snapshot from
// overwriting newer live state.
//
// # Reconnect
//
// Any transport or protocol error closes the session and retries after a
// backoff of 5s doubling to 60s, reset once authentication succeeds. With
// no URL or token configured the loop idles and re-checks every 10s.
//
// # Notifications
//
// Changes are forwarded to an Observer after filtering: repeated values are
// dropped (except momentary domains such as event and button), noisy
// diagnostic entities are dropped, and when a watched set is configured
// only its members are forwarded. The cache records everything.
package mirror
