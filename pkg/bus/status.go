package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StatusEvent is the payload published on every agent lifecycle transition.
type StatusEvent struct {
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id,omitempty"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusSubject returns the subject carrying one agent's status events.
func StatusSubject(agentID string) string {
	return fmt.Sprintf("otto.agent.%s.status", agentID)
}

// AllStatusSubject matches the status subjects of every agent.
func AllStatusSubject() string {
	return "otto.agent.*.status"
}

// PublishStatus encodes and publishes one lifecycle event.
// A nil bus is a no-op so callers can run without a wired transport.
func PublishStatus(ctx context.Context, b MessageBus, event StatusEvent) error {
	if b == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	return b.Publish(ctx, StatusSubject(event.AgentID), data)
}

// BudgetWarningEvent is published when an agent crosses a budget
// warning threshold.
type BudgetWarningEvent struct {
	AgentID     string    `json:"agent_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Dimension   string    `json:"dimension"`
	Threshold   string    `json:"threshold"`
	PercentUsed float64   `json:"percent_used"`
	Timestamp   time.Time `json:"timestamp"`
}

// BudgetSubject returns the subject carrying one agent's budget warnings.
func BudgetSubject(agentID string) string {
	return fmt.Sprintf("otto.agent.%s.budget", agentID)
}

// PublishBudgetWarning encodes and publishes one threshold crossing.
// A nil bus is a no-op.
func PublishBudgetWarning(ctx context.Context, b MessageBus, event BudgetWarningEvent) error {
	if b == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode budget warning: %w", err)
	}
	return b.Publish(ctx, BudgetSubject(event.AgentID), data)
}

// SubscribeStatus registers a typed handler for one agent's status events,
// or for all agents when agentID is "*".
func SubscribeStatus(ctx context.Context, b MessageBus, agentID string, handler func(StatusEvent)) (Subscription, error) {
	subject := StatusSubject(agentID)
	return b.Subscribe(ctx, subject, func(msg *Message) []byte {
		var event StatusEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return nil
		}
		handler(event)
		return nil
	})
}
