// Package notify pushes "new activity" signals to connected clients.
//
// A Hub fans signals out to subscribers without ever blocking the append
// path: each subscriber has a bounded buffer and signals that do not fit are
// dropped. A dropped signal costs latency, never data, because clients
// recover missed activities by polling with their last watermark.
//
// Handler exposes the hub over a websocket (github.com/coder/websocket).
// Each frame is a JSON Signal:
//
//	{"type":"activity","conversationId":"<id>","watermark":"<n>"}
package notify
