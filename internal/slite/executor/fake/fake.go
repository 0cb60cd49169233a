package fake

import (
	"context"
	"sync"

	"github.com/torrvision/slite/internal/slite/api"
)

// Executor is an in-memory execution collaborator for tests. Job statuses and
// injected failures are set directly on the struct.
type Executor struct {
	mu sync.Mutex

	statuses       map[string]api.JobStatus
	startErrors    map[string]error
	terminateError error

	Started    []string
	Terminated []string
}

func NewExecutor() *Executor {
	return &Executor{
		statuses:    map[string]api.JobStatus{},
		startErrors: map[string]error{},
	}
}

func (e *Executor) SetStatus(jobId string, status api.JobStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[jobId] = status
}

func (e *Executor) FailStart(jobId string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErrors[jobId] = err
}

// FailTerminations makes every Terminate call fail with err until called
// again with nil.
func (e *Executor) FailTerminations(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminateError = err
}

func (e *Executor) Start(ctx context.Context, allocation *api.Allocation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.startErrors[allocation.JobId]; err != nil {
		return err
	}
	e.Started = append(e.Started, allocation.JobId)
	e.statuses[allocation.JobId] = api.JobStatusRunning
	return nil
}

func (e *Executor) Terminate(ctx context.Context, allocation *api.Allocation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminateError != nil {
		return e.terminateError
	}
	e.Terminated = append(e.Terminated, allocation.JobId)
	delete(e.statuses, allocation.JobId)
	return nil
}

func (e *Executor) Status(ctx context.Context, allocation *api.Allocation) (api.JobStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if status, ok := e.statuses[allocation.JobId]; ok {
		return status, nil
	}
	return api.JobStatusUnknown, nil
}
