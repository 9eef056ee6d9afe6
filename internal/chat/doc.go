// Package chat holds the domain model shared across the pipeline: users,
// identities, conversations, messages with their status state machine, and
// file attachments. The persistence packages (store, msgstore) and the
// pipeline stages (ingress, router, propagator) all speak these types.
package chat
