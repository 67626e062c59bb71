// ABOUTME: Tool interface and shared types for capability invocation
// ABOUTME: Defines Descriptor, Request, Chunk and the CapabilityError taxonomy

package tools

import (
	"context"
	"fmt"

	"github.com/2389/yen-gateway/internal/store"
)

// Descriptor declares a tool's selection metadata. Sticky tools keep
// the conversation once selected: short follow-up turns route back to
// them until another tool's trigger phrase appears. NeedsHistory tools
// receive a window of recent messages in the Request.
type Descriptor struct {
	Name         string
	Sticky       bool
	NeedsHistory bool
	Triggers     []string
}

// Request is the payload handed to a tool for one turn. History is
// empty unless the tool's descriptor asks for it.
type Request struct {
	Turn    string
	History []store.Message
}

// Chunk is one streaming increment. Text chunks concatenate to the
// tool's full answer; a non-nil Err terminates the stream.
type Chunk struct {
	Text string
	Err  error
}

// Tool is an external capability that produces an assistant answer for
// a turn. InvokeStreaming and Invoke must yield the same final text for
// the same request.
type Tool interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, req *Request) (string, error)
	InvokeStreaming(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// CapabilityError wraps a failure or timeout from an external provider.
// The router converts these into a persisted apology rather than a
// user-visible error.
type CapabilityError struct {
	Tool string
	Err  error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s: %v", e.Tool, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }
