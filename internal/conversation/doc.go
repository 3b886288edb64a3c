// Package conversation tracks multi-turn conversation state per channel.
//
// # Overview
//
// The model backend returns an opaque continuation Token with every
// generation. Feeding that token back with the next prompt continues the
// same conversation. The Store remembers which token belongs to which
// message this relay sent, so users can continue any earlier exchange by
// replying to it.
//
// # Threads
//
// One Thread exists per channel that has seen an exchange:
//
//   - TurnCount: completed exchanges since the thread was created
//   - LastContext: token of the most recent exchange in the channel
//   - Replies: message ID of every reply the relay sent -> its token
//
// # Resolving Context
//
// When a message arrives:
//
//  1. A reply to a tracked message continues from that message's token
//  2. A reply to anything else returns ErrUnknownReplyTarget and is ignored
//  3. A plain message continues from LastContext (nil starts fresh)
//
// # Lifetime
//
// Threads live in memory until Reset is called for the channel. Nothing is
// evicted and nothing survives a restart.
//
// # Thread Safety
//
// Store methods are safe for concurrent use. Callers that run several
// exchanges for the same channel concurrently must serialize them so that
// RecordExchange calls do not interleave; the relay package does this with
// a per-channel lock.
package conversation
