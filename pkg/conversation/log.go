// Package conversation holds the append-only turn log that a single agent
// session accumulates. The log is the unit both the model client and UI
// observers consume.
package conversation

import (
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolCallResult is the outcome of one tool call. Results are stored on the
// tool turn in the same order as the calls that produced them.
type ToolCallResult struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Turn is a single entry in the log. Turns are immutable once appended,
// except that an in-flight assistant turn may be marked complete when
// generation finishes.
type Turn struct {
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	ToolCalls   []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults []ToolCallResult `json:"tool_results,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`

	// Complete is false while an assistant turn is still being generated.
	Complete bool `json:"complete"`
}

// Log is an ordered, append-only sequence of turns. It is not safe for
// concurrent writers; the session registry serializes all mutation.
type Log struct {
	turns []Turn
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a turn to the end of the log.
func (l *Log) Append(turn Turn) error {
	switch turn.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid turn role: %q", turn.Role)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	l.turns = append(l.turns, turn)
	return nil
}

// Len returns the number of turns.
func (l *Log) Len() int {
	return len(l.turns)
}

// Turns returns a copy of all turns.
func (l *Log) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Slice returns a copy of the turns from the given offset. Used to isolate
// one session's turns when a log continues an earlier conversation. An
// out-of-range offset yields an empty slice.
func (l *Log) Slice(from int) []Turn {
	if from < 0 {
		from = 0
	}
	if from >= len(l.turns) {
		return []Turn{}
	}
	out := make([]Turn, len(l.turns)-from)
	copy(out, l.turns[from:])
	return out
}

// Tail returns up to n most recent turns.
func (l *Log) Tail(n int) []Turn {
	if n <= 0 || len(l.turns) == 0 {
		return []Turn{}
	}
	if n > len(l.turns) {
		n = len(l.turns)
	}
	return l.Slice(len(l.turns) - n)
}

// MarkLastComplete flags the most recent assistant turn as fully generated.
// It is a no-op if the last turn is not an assistant turn.
func (l *Log) MarkLastComplete() {
	if len(l.turns) == 0 {
		return
	}
	last := &l.turns[len(l.turns)-1]
	if last.Role == RoleAssistant {
		last.Complete = true
	}
}

// TotalContentLength sums the content length of every turn plus the content
// of tool results. Cheap change-detection input for observers.
func (l *Log) TotalContentLength() int {
	total := 0
	for _, t := range l.turns {
		total += len(t.Content)
		for _, r := range t.ToolResults {
			total += len(r.Content)
		}
	}
	return total
}
