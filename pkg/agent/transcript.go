package agent

import (
	"sync"
	"time"
)

// EntryType identifies one kind of transcript entry.
type EntryType string

const (
	EntryUserInput       EntryType = "user_input"
	EntryAssistantOutput EntryType = "assistant_output"
	EntryToolCall        EntryType = "tool_call"
	EntryToolResult      EntryType = "tool_result"
)

// Entry is one ordered item of an executor's conversation history.
type Entry struct {
	Type      EntryType `json:"type"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is a capacity-bounded ring buffer of entries. When full,
// the oldest entry is dropped to admit the newest. Lossy by contract.
type Transcript struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	count   int
	dropped int
}

// NewTranscript creates a transcript holding at most capacity entries.
// A capacity below one is raised to one.
func NewTranscript(capacity int) *Transcript {
	if capacity < 1 {
		capacity = 1
	}
	return &Transcript{entries: make([]Entry, capacity)}
}

// Append adds an entry, dropping the oldest when at capacity.
func (t *Transcript) Append(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count < len(t.entries) {
		t.entries[(t.head+t.count)%len(t.entries)] = entry
		t.count++
		return
	}
	t.entries[t.head] = entry
	t.head = (t.head + 1) % len(t.entries)
	t.dropped++
}

// Entries returns the retained entries, oldest first.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, t.count)
	for i := 0; i < t.count; i++ {
		out[i] = t.entries[(t.head+i)%len(t.entries)]
	}
	return out
}

// Len returns the number of retained entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Dropped returns how many entries have been evicted so far.
func (t *Transcript) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
