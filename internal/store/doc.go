// Package store provides persistent storage for the orchestration engine
// using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with focused
// interfaces per concern:
//
//   - VisitorStore: prospective customer records
//   - SessionStore: chat sessions and their ordered message log
//   - CampaignStore: schedules, templates and campaign attempts
//   - OutreachStore: per-send channel records (email/SMS)
//   - TokenStore: single-use return tokens
//   - LedgerStore: append-only activity events
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while components depend only on the interface slice they use.
//
// # Ownership
//
// Status columns have exactly one writer: the scheduler owns campaign attempt
// transitions, the connection manager owns the session active flag, and the
// token resolver owns return-token consumption. All transitions are expressed
// as single-row compare-and-set updates, never as multi-row transactions
// spanning components, so the scheduler can run as a separate worker process
// against the same database file.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateVisitor: email hash already registered
//
// All methods accept context.Context for cancellation support.
package store
