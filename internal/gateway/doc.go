// ABOUTME: Package doc for the gateway orchestrator.
// ABOUTME: Describes how the server components fit together.

// Package gateway assembles and runs the assistant server.
//
// A Gateway owns the SQLite session store, the tool registry built
// from the configured providers, the caption worker, and the turn
// dispatcher. It exposes them over an HTTP server (JSON API, SSE
// streaming, and the web chat page) and optionally a Telegram bot,
// listening on plain TCP or a tsnet node.
//
// Run blocks until the context is canceled, then shuts everything
// down gracefully: HTTP drains in-flight requests, the caption queue
// finishes its jobs, and the store closes last.
package gateway
