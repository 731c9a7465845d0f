// internal/provision/diag.go

package provision

import "strings"

// outcome is the classified result of a compose build/start invocation.
type outcome int

const (
	outcomeStarted outcome = iota
	outcomeAlreadyCreated
	outcomeAlreadyRunning
	outcomeAlreadyStarting
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeStarted:
		return "started"
	case outcomeAlreadyCreated:
		return "created"
	case outcomeAlreadyRunning:
		return "running"
	case outcomeAlreadyStarting:
		return "starting"
	default:
		return "failed"
	}
}

// classifyComposeDiag maps the compose tool's diagnostic stream to an
// outcome. Compose reports progress on stderr, so specific phrases there
// mean the desired end state already holds and are success, not failure.
// This textual matching is a known fragility versus a structured status API;
// it is kept in this one function so the recognized set stays closed and
// testable.
func classifyComposeDiag(diag string) outcome {
	if diag == "" {
		return outcomeStarted
	}
	lower := strings.ToLower(diag)
	switch {
	case strings.Contains(lower, "created"):
		return outcomeAlreadyCreated
	case strings.Contains(lower, "running"):
		return outcomeAlreadyRunning
	case strings.Contains(lower, "starting"):
		return outcomeAlreadyStarting
	default:
		return outcomeFailed
	}
}
