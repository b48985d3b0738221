// Package store provides durable conversation history behind a small interface.
//
// # Architecture
//
// MessageStore is the only seam the rest of the hub sees. Two implementations
// ship:
//
//   - SQLiteStore: single-file embedded storage, the default for a hub node
//   - RedisStore: one Redis stream per conversation, for shared deployments
//
// Both key history by (conversation_id, sequence). Sequence numbers are
// assigned upstream by the conversation space, so the store never invents
// ordering of its own; ReadRange answers resume replays and history pages
// directly from that key.
//
// # SQLite Configuration
//
// SQLiteStore opens the database with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// # Redis Layout
//
// RedisStore writes each message as a stream entry whose ID encodes the
// sequence ("<sequence>-0"), so XRANGE serves sequence-bounded reads without
// a secondary index. Keys follow parley:conv:<conversation_id>:messages.
//
// # Error Handling
//
// ErrNotFound reports a missing entity. All methods accept context.Context
// for cancellation support.
package store
