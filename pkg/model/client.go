package model

import (
	"context"
)

// Stream is one open completion stream. Recv blocks until the next event
// or stream error; after an EventCompleted the next Recv returns an error.
// SendToolResult must only be called after receiving an EventToolCall and
// before the next Recv, matching the synchronous tool-dispatch contract.
type Stream interface {
	Recv() (Event, error)
	SendToolResult(result ToolResult) error
	Close() error
}

// StreamClient opens streaming completions against a model backend.
// Implementations must honor context cancellation: a cancelled ctx
// terminates the stream and unblocks any pending Recv.
type StreamClient interface {
	OpenStream(ctx context.Context, req Request) (Stream, error)
}
