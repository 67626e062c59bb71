// ABOUTME: Shared client for OpenAI-compatible chat completions providers
// ABOUTME: Handles request shaping, bearer auth, and SSE stream parsing into Chunks

package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ProviderConfig identifies one chat-completions endpoint.
type ProviderConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type completionsRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type completionsResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// completionsClient talks to one provider. All providers used here
// (general chat, search, reasoning, vision) speak the same
// chat-completions dialect, so one client covers them.
type completionsClient struct {
	cfg        ProviderConfig
	toolName   string
	httpClient *http.Client
	logger     *slog.Logger
}

func newCompletionsClient(toolName string, cfg ProviderConfig, httpClient *http.Client) *completionsClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &completionsClient{
		cfg:        cfg,
		toolName:   toolName,
		httpClient: httpClient,
		logger:     slog.Default().With("component", "tools", "tool", toolName),
	}
}

func (c *completionsClient) capErr(err error) error {
	return &CapabilityError{Tool: c.toolName, Err: err}
}

func (c *completionsClient) newRequest(ctx context.Context, messages []chatMessage, stream bool) (*http.Request, error) {
	body, err := json.Marshal(completionsRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
		Stream:    stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// complete performs a blocking completion and returns the full text.
func (c *completionsClient) complete(ctx context.Context, messages []chatMessage) (string, error) {
	req, err := c.newRequest(ctx, messages, false)
	if err != nil {
		return "", c.capErr(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.capErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", c.capErr(fmt.Errorf("provider returned %d: %s", resp.StatusCode, snippet))
	}

	var out completionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", c.capErr(fmt.Errorf("decoding response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", c.capErr(fmt.Errorf("provider returned no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

// stream performs a streaming completion. The returned channel yields
// text chunks whose concatenation equals the full answer, closing after
// the terminal chunk. A provider failure mid-stream arrives as a final
// Chunk with Err set.
func (c *completionsClient) stream(ctx context.Context, messages []chatMessage) (<-chan Chunk, error) {
	req, err := c.newRequest(ctx, messages, true)
	if err != nil {
		return nil, c.capErr(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.capErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, c.capErr(fmt.Errorf("provider returned %d: %s", resp.StatusCode, snippet))
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" || data == "[DONE]" {
				continue
			}

			var chunk completionsResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.logger.Debug("skipping unparseable stream line", "error", err)
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			token := chunk.Choices[0].Delta.Content
			if token == "" {
				continue
			}

			select {
			case out <- Chunk{Text: token}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- Chunk{Err: c.capErr(fmt.Errorf("reading stream: %w", err))}
		}
	}()

	return out, nil
}
