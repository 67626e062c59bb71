// Package httpapi serves the gateway's HTTP surface: POST /api/chat in
// JSON or SSE streaming form, GET /api/session/{uid} for transcripts,
// and GET /health.
package httpapi
