// ABOUTME: Gateway API client for yen-matrix bridge
// ABOUTME: Sends chat turns and streams SSE responses from yen-gateway

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EventType represents SSE event types from the gateway.
type EventType string

const (
	EventContent EventType = "content"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// SSEEvent represents a parsed Server-Sent Event.
type SSEEvent struct {
	Type EventType
	Data string
}

// ContentEventData is the JSON structure for content events.
type ContentEventData struct {
	Text string `json:"text"`
}

// DoneEventData is the JSON structure for the terminal done event.
type DoneEventData struct {
	CanonicalUserID string `json:"canonical_user_id"`
	Mode            string `json:"mode"`
	ActiveSessionID string `json:"active_session_id"`
	AssistantText   string `json:"assistant_text"`
	MessageCount    int    `json:"message_count"`
}

// ErrorEventData is the JSON structure for error events.
type ErrorEventData struct {
	Message string `json:"message"`
}

// ChatRequest is the request body for POST /api/chat.
type ChatRequest struct {
	CanonicalUserID string `json:"canonical_user_id"`
	Message         string `json:"message"`
	Mode            string `json:"mode,omitempty"`
	Channel         string `json:"channel,omitempty"`
	Stream          bool   `json:"stream,omitempty"`
}

// GatewayClient communicates with the yen-gateway HTTP API.
type GatewayClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGatewayClient creates a new gateway client. token may be empty
// when the gateway runs without auth.
func NewGatewayClient(baseURL, token string) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

// SendMessage sends a turn to the gateway and streams SSE responses via
// callback. Returns the final assistant text on success.
func (g *GatewayClient) SendMessage(ctx context.Context, req ChatRequest, onEvent func(SSEEvent)) (string, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", g.handleErrorResponse(resp)
	}

	return g.parseSSEStream(ctx, resp.Body, onEvent)
}

// handleErrorResponse extracts an error message from non-200 responses.
func (g *GatewayClient) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, errResp.Error)
		}
	}

	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// parseSSEStream reads SSE events from the response body until the
// terminal done or error event.
func (g *GatewayClient) parseSSEStream(ctx context.Context, body io.Reader, onEvent func(SSEEvent)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType EventType
	var dataLines []string
	var finalText string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return finalText, ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				event := SSEEvent{
					Type: eventType,
					Data: strings.Join(dataLines, "\n"),
				}

				if eventType == EventDone {
					var data DoneEventData
					if json.Unmarshal([]byte(event.Data), &data) == nil {
						finalText = data.AssistantText
					}
				}

				if eventType == EventError {
					var data ErrorEventData
					if json.Unmarshal([]byte(event.Data), &data) == nil {
						return "", fmt.Errorf("gateway error: %s", data.Message)
					}
				}

				if onEvent != nil {
					onEvent(event)
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		return finalText, fmt.Errorf("reading SSE stream: %w", err)
	}

	return finalText, nil
}
