// Package fsm runs workflow jobs as a durable state machine using the
// superfly/fsm library. Each job moves through submit, poll, collect and
// complete; its output files are cleaned up once by the Runner whatever state
// the machine ends in.
package fsm

import (
	"context"
	"sync"

	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/job"
	"github.com/fly-io/modelworker/pkg/workflow"
	"github.com/superfly/fsm"
)

// Register registers the job FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[JobRequest, JobResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[JobRequest, JobResponse](manager, "workflow-job").
		Start(StateSubmit, m.handleSubmit).
		To(StatePoll, m.handlePoll).
		To(StateCollect, m.handleCollect).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Runner executes jobs through a registered machine.
type Runner struct {
	manager *fsm.Manager
	start   fsm.Start[JobRequest, JobResponse]
	resume  fsm.Resume
	machine *Machine
}

// NewRunner registers a Machine for orch on manager.
func NewRunner(ctx context.Context, manager *fsm.Manager, orch *job.Orchestrator, maxRetries int) (*Runner, error) {
	machine := NewMachine(orch, maxRetries)
	start, resume, err := machine.Register(ctx, manager)
	if err != nil {
		return nil, err
	}
	return &Runner{manager: manager, start: start, resume: resume, machine: machine}, nil
}

// Resume continues runs persisted by a previous process. Nobody waits on
// them; a resumed run that completes removes its own outputs, one that fails
// is left for the cleanup command.
func (r *Runner) Resume(ctx context.Context) error {
	if err := r.resume(ctx); err != nil {
		return errors.Wrap(err, "failed to resume FSM runs")
	}
	return nil
}

// Run executes graph and waits for the machine to finish. The job's output
// files are removed exactly once, whether the machine completes or fails.
func (r *Runner) Run(ctx context.Context, graph workflow.Graph) (*job.Result, error) {
	orch := r.machine.orch
	j := orch.NewJob(graph)
	r.machine.track(j)
	defer r.machine.forget(j.Prefix)
	defer orch.Cleanup(j)

	req := &JobRequest{Prefix: j.Prefix, Graph: j.Graph}
	resp := &JobResponse{}

	version, err := r.start(ctx, j.Prefix, fsm.NewRequest(req, resp))
	if err != nil {
		err = errors.Wrap(err, "FSM start failed")
		orch.Fail(j, err)
		return nil, err
	}

	if err := r.manager.Wait(ctx, version); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		err = errors.Wrap(err, "FSM execution failed")
		orch.Fail(j, err)
		return nil, err
	}

	return &job.Result{Images: j.Images}, nil
}

// live holds the in-process jobs the handlers act on, keyed by prefix.
type live struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

func (m *Machine) track(j *job.Job) {
	m.live.mu.Lock()
	defer m.live.mu.Unlock()
	m.live.jobs[j.Prefix] = j
}

func (m *Machine) forget(prefix string) {
	m.live.mu.Lock()
	defer m.live.mu.Unlock()
	delete(m.live.jobs, prefix)
}

// lookup returns the live job for req, restoring it from the persisted
// request when the machine is resumed in a new process.
func (m *Machine) lookup(req *JobRequest, resp *JobResponse) *job.Job {
	m.live.mu.Lock()
	defer m.live.mu.Unlock()
	if j, ok := m.live.jobs[req.Prefix]; ok {
		return j
	}
	promptID := ""
	if resp != nil {
		promptID = resp.PromptID
	}
	j := job.Restore(req.Prefix, req.Graph, promptID)
	m.live.jobs[req.Prefix] = j
	return j
}
