// Package caption reconciles media messages with textual captions in
// the background. The router enqueues a job when a media stub is
// persisted; a periodic sweep catches anything dropped or failed. The
// write-back keys on (session id, message index) and never overwrites,
// so duplicate jobs and retries are harmless.
package caption
