package modelclient

import "strings"

// Markers the system prompt asks the model to emit to signal whether the
// agent loop should keep going. They are stripped from user-visible text.
const (
	MarkerContinue = "CONTINUE_AGENT"
	MarkerComplete = "TASK_COMPLETE"
)

// ResolveContinuation decides whether the loop continues, from the model's
// own output. The completion marker wins when both markers are present.
// With neither marker, pending tool calls imply continuation and plain text
// implies completion.
func ResolveContinuation(content string, hasToolCalls bool) (bool, string) {
	hasComplete := strings.Contains(content, MarkerComplete)
	hasContinue := strings.Contains(content, MarkerContinue)

	cleaned := strings.ReplaceAll(content, MarkerComplete, "")
	cleaned = strings.ReplaceAll(cleaned, MarkerContinue, "")
	cleaned = strings.TrimSpace(cleaned)

	switch {
	case hasComplete:
		return false, cleaned
	case hasContinue:
		return true, cleaned
	default:
		return hasToolCalls, cleaned
	}
}
