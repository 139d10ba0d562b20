// Package dedupe remembers which client activity ids have already been
// posted so a retried post does not consume a second watermark.
//
// Keys are "<conversationId>:<clientActivityID>". Reserve claims a key; the
// owner then either Completes it with the assigned activity id or Releases
// it when the append failed. Entries expire after the configured TTL and the
// oldest entry is evicted when the cache is full.
package dedupe
