package agentrun

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/andhika/lumen/pkg/conversation"
)

// Session is one agent run from goal to terminal outcome. Values returned
// from the Registry are copies; mutation happens only through Registry
// methods.
type Session struct {
	ID               string    `json:"id"`
	Goal             string    `json:"goal"`
	Status           Status    `json:"status"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime,omitzero"`
	CurrentIteration int       `json:"currentIteration"`
	MaxIterations    int       `json:"maxIterations"`
	LastActivity     string    `json:"lastActivity"`
	Snoozed          bool      `json:"isSnoozed"`
	Error            string    `json:"error,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	FinalContent     string    `json:"finalContent,omitempty"`
	Turns            []conversation.Turn `json:"-"`
}

// Step is one observable unit of progress derived from the conversation
// log, shaped for UI surfaces.
type Step struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"` // thinking | tool_call | tool_result
	Title  string `json:"title"`
	Status string `json:"status"` // running | done | error
}

// Snapshot is the de-duplicated progress payload delivered to observers.
type Snapshot struct {
	SessionID        string    `json:"sessionId"`
	Status           Status    `json:"status"`
	CurrentIteration int       `json:"currentIteration"`
	MaxIterations    int       `json:"maxIterations"`
	Steps            []Step    `json:"steps"`
	IsComplete       bool      `json:"isComplete"`
	IsSnoozed        bool      `json:"isSnoozed"`
	FinalContent     string    `json:"finalContent,omitempty"`
	Error            string    `json:"error,omitempty"`
	LastActivity     string    `json:"lastActivity"`
	Timestamp        time.Time `json:"timestamp"`

	// Version is the registry's structural change counter for this
	// session. Observers compare it to skip stale deliveries.
	Version uint64 `json:"-"`
}

const stepTitleLimit = 120

// buildSnapshot derives the observer payload from a session copy. Step IDs
// are deterministic (turn index plus sub-index) so repeated snapshots of
// the same log produce identical step lists.
func buildSnapshot(s Session, version uint64) Snapshot {
	snap := Snapshot{
		SessionID:        s.ID,
		Status:           s.Status,
		CurrentIteration: s.CurrentIteration,
		MaxIterations:    s.MaxIterations,
		Steps:            deriveSteps(s),
		IsComplete:       s.Status.IsTerminal(),
		IsSnoozed:        s.Snoozed,
		FinalContent:     s.FinalContent,
		Error:            s.Error,
		LastActivity:     s.LastActivity,
		Timestamp:        time.Now(),
		Version:          version,
	}
	return snap
}

func deriveSteps(s Session) []Step {
	steps := make([]Step, 0, len(s.Turns))
	for i, turn := range s.Turns {
		switch turn.Role {
		case conversation.RoleAssistant:
			if turn.Content != "" {
				status := "done"
				if !turn.Complete {
					status = "running"
				}
				steps = append(steps, Step{
					ID:     fmt.Sprintf("t%d-think", i),
					Kind:   "thinking",
					Title:  truncateTitle(turn.Content),
					Status: status,
				})
			}
			for j, call := range turn.ToolCalls {
				steps = append(steps, Step{
					ID:     fmt.Sprintf("t%d-call%d", i, j),
					Kind:   "tool_call",
					Title:  call.Name,
					Status: "done",
				})
			}
		case conversation.RoleTool:
			for j, res := range turn.ToolResults {
				title := "tool result"
				if j < len(turn.ToolCalls) {
					title = turn.ToolCalls[j].Name
				}
				status := "done"
				if !res.Success {
					status = "error"
				}
				steps = append(steps, Step{
					ID:     fmt.Sprintf("t%d-res%d", i, j),
					Kind:   "tool_result",
					Title:  title,
					Status: status,
				})
			}
		}
	}
	return steps
}

// truncateTitle caps a step title at stepTitleLimit bytes without
// splitting a multi-byte rune, so observer JSON stays valid UTF-8.
func truncateTitle(s string) string {
	if len(s) <= stepTitleLimit {
		return s
	}
	cut := stepTitleLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
