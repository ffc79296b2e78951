package loop

import (
	"fmt"
	"time"
)

// Kind routes a tool call to its executor.
type Kind string

const (
	KindShell  Kind = "shell"  // sandboxed command via the broker
	KindFile   Kind = "file"   // file bridge tool
	KindSubmit Kind = "submit" // final patch capture
)

// CallStatus tracks a tool call through its lifecycle. Transitions are
// monotonic: pending → running → completed|failed.
type CallStatus string

const (
	StatusPending   CallStatus = "pending"
	StatusRunning   CallStatus = "running"
	StatusCompleted CallStatus = "completed"
	StatusFailed    CallStatus = "failed"
)

var statusRank = map[CallStatus]int{
	StatusPending:   0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
}

// ToolCall is one tool invocation requested by the model. Output and
// IsError are filled by dispatch; the original request order is preserved
// by the call's position in its step slice.
type ToolCall struct {
	ID    string
	Name  string
	Kind  Kind
	Input map[string]any

	Status   CallStatus
	Output   string
	IsError  bool
	Duration time.Duration
}

// advance moves the call to a later lifecycle status. Moving backwards is a
// programming error and is rejected.
func (c *ToolCall) advance(to CallStatus) error {
	if statusRank[to] < statusRank[c.Status] {
		return fmt.Errorf("tool call %s: invalid status transition %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	return nil
}

// fail marks the call failed with an error message for the model.
func (c *ToolCall) fail(msg string) {
	c.Output = msg
	c.IsError = true
	_ = c.advance(StatusFailed)
}
