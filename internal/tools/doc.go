// Package tools routes turns to external capabilities and invokes them.
//
// A Registry holds an ordered table of Tools plus a default. Selection
// is deterministic: sticky continuity first (a follow-up turn goes back
// to the tool that answered last), then trigger phrases in registration
// order, then the default tool. Selection never fails.
//
// The concrete tools (general, search, reason, vision) all speak the
// OpenAI chat-completions dialect against different providers, so they
// share one HTTP client implementation including SSE stream parsing.
// Provider failures surface as *CapabilityError; the router turns those
// into a persisted apology instead of a user-visible error.
package tools
