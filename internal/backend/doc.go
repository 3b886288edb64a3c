// Package backend load-balances requests across interchangeable inference
// servers.
//
// # Pool
//
// A Pool owns one Backend per configured endpoint. Each Backend carries an
// exclusivity flag: a backend serves at most one request at a time. The
// flag is acquired with a compare-and-set and released on every exit path
// of the request, success or failure.
//
// # Dispatcher
//
// Dispatcher.Dispatch runs one logical request:
//
//  1. Wait until at least one backend is free. Waiters wake on any release
//     and also re-check on a fixed poll interval (1s by default).
//  2. Shuffle the backend indices.
//  3. Walk the shuffled order, skipping busy backends. The first free one is
//     claimed, called, and released.
//  4. Return the first success. On failure log, remember the error, and
//     move on to the next candidate.
//  5. If every attempt failed, return an *ExhaustedError, which matches
//     ErrExhaustedBackends and unwraps to the last *RequestError.
//
// A failed backend is eligible again on the very next call; there is no
// cooldown.
//
// # Thread Safety
//
// Pool and Dispatcher are safe for concurrent use.
package backend
