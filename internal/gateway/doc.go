// Package gateway orchestrates the parley-hub server components.
//
// # Overview
//
// The gateway package is the central coordinator of the parley-hub server.
// It owns and manages all major components: the conversation hub, the
// message store, the identity chain, the HTTP/WebSocket server, and the
// optional tsnet listener.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config      *config.Config
//	    hub         *space.Hub
//	    store       store.MessageStore
//	    identity    identity.Provider
//	    httpServer  *http.Server
//	    tsnetServer *tsnet.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /api/conversations - List live conversations
//   - POST /api/conversations - Create a conversation from a preset and overrides
//   - GET /api/conversations/{id} - Snapshot of one conversation
//   - DELETE /api/conversations/{id} - Close a conversation (purge=true drops history)
//   - GET /api/conversations/{id}/history - Persisted message range
//   - GET /api/conversations/{id}/participants - Current membership
//   - GET /api/presets - Available preset names
//   - GET /api/stats - Hub-wide counters
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # WebSocket Sessions
//
// Participants connect via GET /ws and speak JSON control frames defined
// in ws.go. The first frame must be hello or resume; after that the
// session carries send, turn, bid, interrupt, vote, and subscription
// frames inbound, and envelope traffic plus acks outbound. A dropped
// transport suspends the connection rather than removing the
// participant; a resume token or a fresh identity proof reattaches it.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//	gw.Shutdown(shutdownCtx)
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown, listeners
//   - api.go: HTTP handlers and auth middleware
//   - ws.go: WebSocket session layer and wire frames
package gateway
