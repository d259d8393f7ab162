package model

import (
	"context"
	"io"
	"sync"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

// ScriptedClient is a StreamClient that replays a fixed event script.
// It backs executor and dispatch tests without any network transport.
type ScriptedClient struct {
	mu        sync.Mutex
	script    []Event
	failOpens int
	requests  []Request
}

// NewScriptedClient creates a client whose streams replay the given events.
func NewScriptedClient(script []Event) *ScriptedClient {
	return &ScriptedClient{script: script}
}

// FailOpens makes the next n OpenStream calls fail with a retryable error.
func (sc *ScriptedClient) FailOpens(n int) {
	sc.mu.Lock()
	sc.failOpens = n
	sc.mu.Unlock()
}

// Requests returns a copy of every request seen so far.
func (sc *ScriptedClient) Requests() []Request {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]Request{}, sc.requests...)
}

// OpenStream records the request and returns a stream over the script.
func (sc *ScriptedClient) OpenStream(ctx context.Context, req Request) (Stream, error) {
	sc.mu.Lock()
	sc.requests = append(sc.requests, req)
	if sc.failOpens > 0 {
		sc.failOpens--
		sc.mu.Unlock()
		return nil, errors.New(errors.ErrCodeLLMError, "scripted open failure").WithRetryable(true)
	}
	script := append([]Event{}, sc.script...)
	sc.mu.Unlock()

	return &scriptedStream{ctx: ctx, events: script}, nil
}

type scriptedStream struct {
	ctx    context.Context
	mu     sync.Mutex
	events []Event
	idx    int
	closed bool

	pendingCall string
	results     []ToolResult
}

func (ss *scriptedStream) Recv() (Event, error) {
	select {
	case <-ss.ctx.Done():
		return Event{}, errors.Wrap(ss.ctx.Err(), errors.ErrCodeLLMTimeout, "stream cancelled")
	default:
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return Event{}, errors.New(errors.ErrCodeLLMError, "stream closed")
	}
	if ss.pendingCall != "" {
		return Event{}, errors.New(errors.ErrCodeLLMError, "tool result not provided for pending call").
			WithContext("call_id", ss.pendingCall)
	}
	if ss.idx >= len(ss.events) {
		return Event{}, io.EOF
	}

	event := ss.events[ss.idx]
	ss.idx++
	if event.Type == EventToolCall && event.ToolCall != nil {
		ss.pendingCall = event.ToolCall.CallID
	}
	return event, nil
}

func (ss *scriptedStream) SendToolResult(result ToolResult) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return errors.New(errors.ErrCodeLLMError, "stream closed")
	}
	if ss.pendingCall == "" || ss.pendingCall != result.CallID {
		return errors.New(errors.ErrCodeLLMError, "unexpected tool result").
			WithContext("call_id", result.CallID)
	}
	ss.pendingCall = ""
	ss.results = append(ss.results, result)
	return nil
}

func (ss *scriptedStream) Close() error {
	ss.mu.Lock()
	ss.closed = true
	ss.mu.Unlock()
	return nil
}

// ToolResults returns the results fed back into the stream so far.
func (ss *scriptedStream) ToolResults() []ToolResult {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return append([]ToolResult{}, ss.results...)
}
