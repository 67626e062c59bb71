// Package relay moves streaming answer text from a tool invocation to
// a consumer. Stream is the pull side: cumulative partials in, deltas
// out, with the rule that an extension sends only the suffix and a
// rewrite sends the whole text. SSEWriter is the push side, framing
// events for HTTP server-sent events.
package relay
