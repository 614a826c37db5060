package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/modelworker/pkg/db"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/job"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	orch       *job.Orchestrator
	maxRetries int
	live       live
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(orch *job.Orchestrator, maxRetries int) *Machine {
	return &Machine{
		orch:       orch,
		maxRetries: maxRetries,
		live:       live{jobs: map[string]*job.Job{}},
	}
}

// fatal reports whether err ends the job instead of being retried by the
// manager. Engine failures, the job deadline and cancellation are final.
func fatal(err error) bool {
	return errors.Is(err, errors.ErrEngine) ||
		errors.Is(err, errors.ErrJobTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (m *Machine) retriesExceeded(ctx context.Context, state, prefix string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "state", state, "prefix", prefix, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

func (m *Machine) stepError(state string, req *fsm.Request[JobRequest, JobResponse], err error) error {
	if fatal(err) {
		slog.Error("fsm_state_aborted", "state", state, "prefix", req.Msg.Prefix, "error", err)
		return fsm.Abort(err)
	}
	slog.Warn("fsm_state_retry", "state", state, "prefix", req.Msg.Prefix, "error", err)
	return err
}

// handleSubmit queues the job's graph on the engine unless a previous attempt
// already did.
func (m *Machine) handleSubmit(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_submit", "prefix", req.Msg.Prefix)

	if err := m.retriesExceeded(ctx, StateSubmit, req.Msg.Prefix); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &JobResponse{}
	}

	j := m.lookup(req.Msg, resp)
	if j.PromptID == "" {
		if err := m.orch.Submit(ctx, j); err != nil {
			return nil, m.stepError(StateSubmit, req, err)
		}
	} else {
		slog.Info("job_already_submitted", "prefix", j.Prefix, "prompt_id", j.PromptID)
	}

	resp.PromptID = j.PromptID
	resp.Status = db.JobSubmitted
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handlePoll(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_poll", "prefix", req.Msg.Prefix)

	if err := m.retriesExceeded(ctx, StatePoll, req.Msg.Prefix); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	j := m.lookup(req.Msg, resp)
	if err := m.orch.Poll(ctx, j); err != nil {
		return nil, m.stepError(StatePoll, req, err)
	}

	resp.Status = db.JobCompleted
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleCollect(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_collect", "prefix", req.Msg.Prefix)

	if err := m.retriesExceeded(ctx, StateCollect, req.Msg.Prefix); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	j := m.lookup(req.Msg, resp)
	if j.Entry == nil {
		// resumed after a restart: the history has to be read again
		if err := m.orch.Poll(ctx, j); err != nil {
			return nil, m.stepError(StateCollect, req, err)
		}
	}
	if err := m.orch.Collect(ctx, j); err != nil {
		return nil, m.stepError(StateCollect, req, err)
	}

	resp.ImageCount = len(j.Images)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_complete", "prefix", req.Msg.Prefix)

	resp := req.W.Msg
	if resp == nil {
		resp = &JobResponse{}
	}
	resp.Status = db.JobCollected

	j := m.lookup(req.Msg, resp)
	m.orch.Cleanup(j)
	m.forget(j.Prefix)

	slog.Info("fsm_complete", "prefix", req.Msg.Prefix, "prompt_id", resp.PromptID, "images", resp.ImageCount)

	return fsm.NewResponse(resp), nil
}
