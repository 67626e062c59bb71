// ABOUTME: Package doc for the Telegram channel adapter.
// ABOUTME: Long-poll Bot API client plus the loop feeding turns to the dispatcher.

// Package telegram connects the assistant to Telegram via the Bot API.
//
// The adapter long-polls getUpdates, deduplicates update ids, and
// routes each message as a turn with channel "telegram" and raw user
// id "tg_<numeric id>". Photos are resolved to a public file URL and
// recorded as media stubs; replies are chunked to fit Telegram's
// message size limit.
package telegram
