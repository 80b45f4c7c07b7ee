// Package api defines the wire types of the citerag HTTP API.
//
// # API Overview
//
// citerag answers questions from a tenant's indexed documents and cites
// the passages it used:
//   - POST /api/v1/query         single JSON response
//   - POST /api/v1/query/stream  Server-Sent Events
//   - GET  /api/v1/query/ws      WebSocket, first client frame is the request
//   - GET  /health, /healthz, /ready, /version
//
// All JSON fields are camelCase.
//
// # Authentication
//
// When server.jwt.secret is configured, requests carry a bearer token:
//
//	Authorization: Bearer <jwt>
//
// The token's tenant_id claim must match userContext.tenantId; an empty
// tenantId is filled from the token.
//
// # Streaming
//
// SSE frames are
//
//	event: <type>
//	data: <json>
//
// with types chunk, citations, metadata, response_completed, done and
// error. A stream ends with exactly one done or error event. WebSocket
// frames carry the same vocabulary as {"type": ..., "data": ...}.
//
// # Errors
//
// Failed non-streaming requests return
//
//	{"success": false, "error": {"code": "...", "message": "...", "retryable": false}}
//
// with the HTTP status derived from the error code.
package api
