// Package dispatch routes one worker request to the reconciler and the job
// runner according to its action.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/fetcher"
	"github.com/fly-io/modelworker/pkg/job"
	"github.com/fly-io/modelworker/pkg/reconcile"
	"github.com/fly-io/modelworker/pkg/repolist"
	"github.com/fly-io/modelworker/pkg/workflow"
)

// Actions a request may name. An empty action means ActionRun.
const (
	ActionRun    = "run"
	ActionEnsure = "ensure"
	ActionCheck  = "check"
)

// Input is the payload of a request.
type Input struct {
	RepoList string          `json:"repo_list,omitempty"`
	Action   string          `json:"action,omitempty"`
	Prompt   json.RawMessage `json:"prompt,omitempty"`
}

// Request is the envelope the worker receives.
type Request struct {
	Input Input `json:"input"`
}

// CheckResponse is the answer to a check.
type CheckResponse struct {
	WouldKeep []string `json:"would_keep"`
}

// ErrorResponse carries a failed request's message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Reconciler is implemented by reconcile.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context, entries []repolist.Entry) (*reconcile.Result, error)
	Check(entries []repolist.Entry) []string
}

// JobRunner runs one workflow. Implemented by job.Orchestrator and fsm.Runner.
type JobRunner interface {
	Run(ctx context.Context, graph workflow.Graph) (*job.Result, error)
}

// Dispatcher handles requests.
type Dispatcher struct {
	reconciler Reconciler
	runner     JobRunner
	strict     bool
}

// New creates a Dispatcher. With strict set, a run is refused when any listed
// artifact could not be materialized.
func New(reconciler Reconciler, runner JobRunner, strict bool) *Dispatcher {
	return &Dispatcher{
		reconciler: reconciler,
		runner:     runner,
		strict:     strict,
	}
}

// action normalizes the requested action.
func (in Input) action() string {
	a := strings.ToLower(strings.TrimSpace(in.Action))
	if a == "" {
		return ActionRun
	}
	return a
}

// Handle executes req. The returned value is the JSON response body: a
// job.Result for run, a reconcile.Result for ensure and a CheckResponse for
// check. Requests are validated before anything touches the disk or the
// engine.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (any, error) {
	action := req.Input.action()
	slog.Info("dispatch_request", "action", action, "repo_list_bytes", len(req.Input.RepoList))

	var graph workflow.Graph
	switch action {
	case ActionCheck, ActionEnsure:
	case ActionRun:
		g, err := workflow.Parse(req.Input.Prompt)
		if err != nil {
			return nil, err
		}
		graph = g
	default:
		slog.Warn("dispatch_unknown_action", "action", action)
		return nil, fmt.Errorf("%w '%s'", errors.ErrUnknownAction, action)
	}

	entries := repolist.Parse(req.Input.RepoList)

	if action == ActionCheck {
		return &CheckResponse{WouldKeep: d.reconciler.Check(entries)}, nil
	}

	result := &reconcile.Result{Ensured: []fetcher.Record{}, Pruned: []string{}}
	if len(entries) > 0 {
		r, err := d.reconciler.Reconcile(ctx, entries)
		if err != nil {
			return nil, err
		}
		result = r
	}

	if action == ActionEnsure {
		return result, nil
	}

	if missing := result.Missing(); d.strict && len(missing) > 0 {
		dsts := make([]string, 0, len(missing))
		for _, rec := range missing {
			dsts = append(dsts, rec.Destination)
		}
		slog.Error("dispatch_artifacts_missing", "count", len(dsts))
		return nil, fmt.Errorf("%w: %s", errors.ErrArtifactsMissing, strings.Join(dsts, ", "))
	}

	res, err := d.runner.Run(ctx, graph)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ErrorBody shapes err as a response body.
func ErrorBody(err error) *ErrorResponse {
	return &ErrorResponse{Error: err.Error()}
}
