// Package relay runs one chat exchange end to end: it resolves the
// conversation context for an incoming message, asks an Ollama backend for
// a completion, splits the answer into chat-sized segments, delivers them,
// and only then records the new context against the delivered message IDs.
//
// Exchanges on the same channel are serialized. Exchanges on different
// channels run concurrently and compete for backends through the
// dispatcher.
package relay
