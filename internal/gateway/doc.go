// Package gateway wires the directline-gateway components into a running
// server.
//
// # Components
//
// New builds, from a config.Config:
//
//   - store.MemoryStore holding live conversations and their activity logs
//   - a transcript store (SQLite when transcripts.path is set, memory otherwise)
//   - notify.Hub fanning change signals out to websocket subscribers
//   - auth.Gate, backed by a JWTVerifier when auth.jwt_secret is set
//   - dedupe.Cache guarding against replayed clientActivityIDs
//   - botclient.Client delivering user activities to the configured bot
//   - directline.Server exposing the HTTP routes
//
// # Listeners
//
// Run opens two listeners: HTTP (server.http_addr) for the DirectLine and
// connector routes plus /health and /health/ready, and websocket
// (server.ws_addr) serving /ws. With tailscale.enabled both move onto a tsnet
// node at :80 and :81. The bound websocket port is advertised through
// GET /conversations/ws/port and the streamUrl of started conversations.
//
// # Shutdown
//
// Run returns when its context is canceled. Shutdown closes the hub first so
// websocket subscribers see a going-away close, then drains both HTTP
// servers and closes the transcript store.
package gateway
