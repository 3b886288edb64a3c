// Package dedupe drops chat events that were already handled, using a
// time and size bounded cache of event IDs.
package dedupe
