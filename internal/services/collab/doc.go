// Package collab hosts the real-time campaign collaboration service.
//
// One room per campaign coordinates concurrent editors. The room owns the
// participant registry, the field-lock table and the ordered change log, and
// every mutation runs on the room's own goroutine in arrival order. Editors
// avoid clobbering each other through pessimistic try-locks on field paths;
// there is no automatic merge.
//
// Subpackages:
//   - domain: wire events, inbound commands, change entries and typed outcomes
//   - room: sessions, rooms and the process-wide room manager
//   - storage: the change persistence port and its SQLite adapter
//   - app: WebSocket transport, identity handshake and the read-only REST surface
package collab
