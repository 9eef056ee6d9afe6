// Package conversation provides conversation lifecycle management.
//
// # Overview
//
// The conversation package sits between the HTTP handlers and the message
// store. It owns creation, lookup, history paging, and group membership
// changes. Message flow does not pass through here: ingress writes
// messages, the router delivers them.
//
// # Service
//
// The Service coordinates conversation operations:
//
//	svc := conversation.New(identities, messages, hub)
//
// Key operations:
//
//   - Create(ctx, req): Validate and persist a new conversation
//   - Get(ctx, id): Retrieve a conversation
//   - History(ctx, params): One membership-filtered page of messages
//   - ModifyParticipants(ctx, change): Group membership edits
//
// # Conversation Types
//
// ONE_TO_ONE conversations hold exactly two fixed participants and may be
// bound to an external platform chat. GROUP conversations hold 2-100
// participants and support add/remove.
//
// # Membership Intervals
//
// Participants carry (joined_at, left_at?) intervals; rejoining appends a
// new interval rather than reopening the old one. History visibility is
// evaluated against these intervals, so a user only sees messages sent
// while they were a member.
//
// # SYSTEM Messages
//
// Every membership change writes a synthetic SYSTEM message recording who
// was added or removed. SYSTEM messages are born DELIVERED, never enter
// the routing log, and are pushed to live subscribers directly.
package conversation
