// Package store keeps an accounting ledger of relayed exchanges in SQLite.
//
// Each completed exchange produces one row in the exchanges table: which
// channel and sender it served, which model and backend endpoint answered,
// the token counters Ollama reported, how many chat messages the answer
// was split into, and how long it took. Conversation tokens are never
// written; the ledger cannot restore conversation state after a restart.
//
// The database runs in WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// Use NewSQLiteStore(path, logger) with a file under t.TempDir() in tests.
package store
