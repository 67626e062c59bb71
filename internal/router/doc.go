// Package router dispatches inbound turns through the fixed pipeline:
// identity normalization, session load, user-message append, tool
// selection, invocation, and assistant-message append. The user message
// is recorded before the tool runs. Capability failures never escape as
// errors; the configured apology is persisted and returned like any
// other answer.
package router
