// Package gateway orchestrates the loom-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the loom-gateway
// process. It owns and wires all major components: identity store,
// document store, event log, dedupe cache, connector registry, live hub,
// HTTP server, router workers, and the status propagator.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config       *config.Config
//	    identities   store.Store
//	    messages     msgstore.Store
//	    log          eventlog.Log
//	    dedupe       dedupe.Deduper
//	    registry     *connector.Registry
//	    hub          *live.Hub
//	    ingress      *ingress.Service
//	    conversation *conversation.Service
//	    files        *files.Service
//	    // ... and more
//	}
//
// New assembles everything from configuration; Run starts the HTTP
// server and both consumer loops and blocks until the context is
// canceled or a component fails.
//
// # HTTP API
//
// The gateway exposes its HTTP surface in api.go and webhooks.go:
//
//   - POST /messages - Accept an outbound message (202 + status URL)
//   - GET /messages/{id}, GET /messages/{id}/status - Message lookup
//   - POST /conversations, GET /conversations/{id} - Conversation lifecycle
//   - GET /conversations/{id}/messages - Membership-filtered history
//   - POST/DELETE /conversations/{id}/participants - Group membership
//   - POST /webhooks/{platform} - Signature-checked platform intake
//   - GET /ws/chat - Websocket live delivery
//   - POST /users, /users/{id}/identities, GET /identities/resolve - Identity
//   - POST /files/initiate, PUT /files/{id}/content - Attachments
//   - POST /admin/channels - Connector provisioning
//   - GET /healthz, GET /readyz - Probes
//
// # Backend Selection
//
// Every stateful dependency is chosen by configuration: sqlite or
// postgres for identities, mongo or memory for documents, kafka or
// memory for the event log, redis or memory for dedupe. Dev mode runs
// entirely on the memory backends.
//
// # Shutdown
//
// Run stops the consumer loops before closing stores underneath them,
// then shuts the HTTP server down with a five second grace window.
// Shutdown errors are aggregated, not short-circuited.
package gateway
