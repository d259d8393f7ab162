// Package session generates the identifiers used to correlate executor
// state, transcripts, checkpoints, and usage records.
package session

import (
	cryptorand "crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(cryptorand.Reader, 0)
)

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewSessionID returns a unique session identifier for one executor
// invocation context. IDs are lexicographically sortable by creation time.
func NewSessionID(agentName string) string {
	name := sanitize(agentName)
	if name == "" {
		name = "agent"
	}
	return name + "-" + newULID()
}

// NewCorrelationID returns a unique identifier for one invoke call.
func NewCorrelationID() string {
	return newULID()
}

// NewCallID returns a unique identifier for one tool dispatch.
func NewCallID() string {
	return newULID()
}

func sanitize(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '.':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
