// Package gateway wires the parley-gateway components together and serves
// them over HTTP.
//
// # Components
//
// New opens the SQLite store (and Redis when enabled) and builds, in order:
// the event bus (local, or local plus the Redis bridge), the audit sink, the
// queue manager, message ingress, the conversation service, the transcript
// builder and job, the dedupe cache and the realtime gateway.
//
// # HTTP API
//
//   - POST /api/chats/start - start a conversation (token optional)
//   - GET /api/chats/{id}/queue-status - queue status (token optional)
//   - PUT /api/chats/{id}/queue - assign, transfer, close or reopen (staff)
//   - GET /api/chats/company/{companyId}/queue - active queue (staff)
//   - GET /api/chats/{id}/messages - message history
//   - GET /api/chats/{id}/transcript - transcript (staff)
//   - GET /api/audit - audit log (admin)
//   - GET /ws - realtime channel
//   - GET /health, GET /health/ready - liveness and readiness
//   - GET /metrics - Prometheus metrics, when enabled
//
// Service errors map to statuses: not found 404, invalid transition 409,
// validation 400, forbidden 403, anything else 500.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, disconnects realtime clients, stops the
// workers and closes the bus, cache, Redis client and store.
package gateway
