package workflow

import "animforge/internal/session"

// Event kinds in a progress stream.
const (
	EventStart    = "start"
	EventProgress = "progress"
	EventComplete = "complete"
)

// Transition names, one per state the loop executes.
const (
	NodeGenerate      = "generate"
	NodeValidate      = "validate"
	NodeRefine        = "refine"
	NodeComplete      = "complete"
	NodeMaxIterations = "max_iterations"
	NodeFailed        = "failed"
)

// Event is one progress record emitted after a loop transition. Events for
// a session are strictly ordered by the sequence of transitions.
type Event struct {
	SessionID     string              `json:"session_id"`
	Event         string              `json:"event"`
	Node          string              `json:"node,omitempty"`
	Status        session.Status      `json:"status"`
	Iteration     int                 `json:"current_iteration"`
	MaxIterations int                 `json:"max_iterations"`
	Script        string              `json:"generated_code,omitempty"`
	Verdict       *session.Verdict    `json:"validation_result,omitempty"`
	History       []session.Iteration `json:"iterations_history,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	Message       string              `json:"message,omitempty"`
}
