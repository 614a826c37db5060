package fsm

import "github.com/fly-io/modelworker/pkg/workflow"

// JobRequest is the FSM input
type JobRequest struct {
	Prefix string
	Graph  workflow.Graph
}

// JobResponse is the FSM output (accumulated across transitions)
type JobResponse struct {
	// From Submit
	PromptID string

	// From Collect
	ImageCount int

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateSubmit   = "submit"
	StatePoll     = "poll"
	StateCollect  = "collect"
	StateComplete = "complete"
	StateFailed   = "failed"
)
