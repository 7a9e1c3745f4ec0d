package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataBiosphere/dsub-sub000/pkg/log"
	"github.com/DataBiosphere/dsub-sub000/pkg/objstore"
	"github.com/DataBiosphere/dsub-sub000/pkg/params"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	"github.com/DataBiosphere/dsub-sub000/pkg/tasksfile"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeProvider executes submissions instantly, resolving each attempt
// to the status its outcome function returns.
type fakeProvider struct {
	mu       sync.Mutex
	attempts []*types.Attempt
	submits  int

	// outcome decides the terminal status of a submitted attempt.
	outcome func(taskID string, attempt int) types.Status
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (f *fakeProvider) Submit(ctx context.Context, job *provider.JobSpec) (*provider.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++

	result := &provider.SubmitResult{JobID: job.Metadata.JobID}
	for _, task := range job.Tasks {
		attemptNum := task.Attempt
		if attemptNum == 0 {
			attemptNum = 1
		}
		status := types.StatusSuccess
		if f.outcome != nil {
			status = f.outcome(task.TaskID(), attemptNum)
		}
		a := &types.Attempt{
			JobID:       job.Metadata.JobID,
			JobName:     job.Metadata.JobName,
			UserID:      job.Metadata.UserID,
			TaskID:      task.TaskID(),
			TaskAttempt: attemptNum,
			Status:      status,
			CreateTime:  time.Now(),
			EndTime:     time.Now(),
		}
		f.attempts = append(f.attempts, a)
		result.TaskIDs = append(result.TaskIDs, task.TaskID())
	}
	return result, nil
}

func (f *fakeProvider) Lookup(ctx context.Context, filter provider.Filter) ([]*types.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Attempt
	for _, a := range f.attempts {
		if filter.Matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeProvider) Cancel(ctx context.Context, filter provider.Filter) (int, error) {
	return 0, nil
}

func newTestEngine(p provider.Provider) *Engine {
	e := New(p, objstore.NewRouter(nil, objstore.NewLocalStore()))
	e.PollInterval = time.Millisecond
	return e
}

func basicSubmission() *Submission {
	return &Submission{
		Script: types.Script{Name: "cmd.sh", Value: "echo hello\n"},
		Image:  "ubuntu",
		User:   "alice",
	}
}

func TestRunSubmits(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	result, err := e.Run(context.Background(), basicSubmission())
	require.NoError(t, err)
	assert.NotEqual(t, NoJob, result.JobID)
	assert.Equal(t, 1, p.submits)
}

func TestValidationErrors(t *testing.T) {
	e := newTestEngine(&fakeProvider{})

	_, err := e.Run(context.Background(), &Submission{Image: "ubuntu", User: "alice"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Run(context.Background(), &Submission{
		Script: types.Script{Value: "true"}, Image: "ubuntu",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWaitSuccess(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	sub := basicSubmission()
	sub.Wait = true
	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, types.StatusSuccess, result.Attempts[0].Status)
}

func TestWaitFailure(t *testing.T) {
	p := &fakeProvider{
		outcome: func(string, int) types.Status { return types.StatusFailure },
	}
	e := newTestEngine(p)

	sub := basicSubmission()
	sub.Wait = true
	result, err := e.Run(context.Background(), sub)
	assert.ErrorIs(t, err, ErrTasksFailed)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, types.StatusFailure, result.Attempts[0].Status)
}

func TestRetryExhaustion(t *testing.T) {
	p := &fakeProvider{
		outcome: func(string, int) types.Status { return types.StatusFailure },
	}
	e := newTestEngine(p)

	sub := basicSubmission()
	sub.Retries = 2
	result, err := e.Run(context.Background(), sub)
	assert.ErrorIs(t, err, ErrTasksFailed)

	// Three attempts: the original plus two retries, numbered 1..3.
	attempts, lerr := p.Lookup(context.Background(), provider.Filter{})
	require.NoError(t, lerr)
	require.Len(t, attempts, 3)
	nums := []int{attempts[0].TaskAttempt, attempts[1].TaskAttempt, attempts[2].TaskAttempt}
	assert.ElementsMatch(t, []int{1, 2, 3}, nums)

	// The final state reported is the last attempt.
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, 3, result.Attempts[0].TaskAttempt)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	p := &fakeProvider{
		outcome: func(_ string, attempt int) types.Status {
			if attempt < 2 {
				return types.StatusFailure
			}
			return types.StatusSuccess
		},
	}
	e := newTestEngine(p)

	sub := basicSubmission()
	sub.Retries = 5
	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, types.StatusSuccess, result.Attempts[0].Status)
	assert.Equal(t, 2, result.Attempts[0].TaskAttempt)
	assert.Equal(t, 2, p.submits)
}

func TestCanceledNotRetried(t *testing.T) {
	p := &fakeProvider{
		outcome: func(string, int) types.Status { return types.StatusCanceled },
	}
	e := newTestEngine(p)

	sub := basicSubmission()
	sub.Retries = 3
	_, err := e.Run(context.Background(), sub)
	assert.ErrorIs(t, err, ErrTasksFailed)
	assert.Equal(t, 1, p.submits)
}

func TestAfterSuccessProceeds(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	// Seed a succeeded predecessor.
	_, err := e.Run(context.Background(), basicSubmission())
	require.NoError(t, err)
	predID := p.attempts[0].JobID

	sub := basicSubmission()
	sub.After = []string{predID}
	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEqual(t, NoJob, result.JobID)
}

func TestAfterFailureAborts(t *testing.T) {
	p := &fakeProvider{
		outcome: func(string, int) types.Status { return types.StatusFailure },
	}
	e := newTestEngine(p)

	_, _ = e.Run(context.Background(), basicSubmission())
	predID := p.attempts[0].JobID
	submitsBefore := p.submits

	sub := basicSubmission()
	sub.After = []string{predID}
	result, err := e.Run(context.Background(), sub)
	assert.ErrorIs(t, err, ErrPredecessorFailed)
	assert.Equal(t, NoJob, result.JobID)
	assert.Equal(t, submitsBefore, p.submits)
}

func TestAfterNoJobCountsAsSucceeded(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	sub := basicSubmission()
	sub.After = []string{NoJob}
	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEqual(t, NoJob, result.JobID)
}

func TestAfterUnknownJob(t *testing.T) {
	e := newTestEngine(&fakeProvider{})

	sub := basicSubmission()
	sub.After = []string{"missing--bob--000000-000000-00"}
	_, err := e.Run(context.Background(), sub)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSkipWhenOutputsExist(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	outPath := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(outPath, []byte("done"), 0o644))

	namer := params.NewNamer()
	out, err := params.NewOutput("OUT=file://"+outPath, false, namer)
	require.NoError(t, err)

	sub := basicSubmission()
	sub.Skip = true
	sub.CommonParams = &params.Set{Outputs: []params.OutputParam{out}}

	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, NoJob, result.JobID)
	assert.Equal(t, 0, p.submits)
}

func TestSkipWhenOutputsMissing(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	namer := params.NewNamer()
	out, err := params.NewOutput("OUT=file://"+filepath.Join(t.TempDir(), "missing.txt"), false, namer)
	require.NoError(t, err)

	sub := basicSubmission()
	sub.Skip = true
	sub.CommonParams = &params.Set{Outputs: []params.OutputParam{out}}

	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEqual(t, NoJob, result.JobID)
	assert.Equal(t, 1, p.submits)
}

func TestSkipWithoutOutputsSubmits(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	sub := basicSubmission()
	sub.Skip = true
	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEqual(t, NoJob, result.JobID)
}

func TestDryRun(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	sub := basicSubmission()
	sub.DryRun = true
	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	assert.Contains(t, result.Plan, "job_name: cmd")
	assert.Contains(t, result.Plan, "image: ubuntu")
	assert.Equal(t, 0, p.submits)
}

func TestTasksFileExpansion(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	env1, err := params.NewEnv("S=a")
	require.NoError(t, err)
	env2, err := params.NewEnv("S=b")
	require.NoError(t, err)

	sub := basicSubmission()
	sub.TaskRows = []tasksfile.Row{
		{Ordinal: 1, Params: &params.Set{Envs: []params.EnvParam{env1}}},
		{Ordinal: 2, Params: &params.Set{Envs: []params.EnvParam{env2}}},
	}

	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-2"}, result.TaskIDs)
}

func TestTasksFileCollision(t *testing.T) {
	e := newTestEngine(&fakeProvider{})

	cliEnv, err := params.NewEnv("S=cli")
	require.NoError(t, err)
	rowEnv, err := params.NewEnv("S=row")
	require.NoError(t, err)

	sub := basicSubmission()
	sub.CommonParams = &params.Set{Envs: []params.EnvParam{cliEnv}}
	sub.TaskRows = []tasksfile.Row{
		{Ordinal: 1, Params: &params.Set{Envs: []params.EnvParam{rowEnv}}},
	}

	_, err = e.Run(context.Background(), sub)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUniqueJobID(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p)

	sub := basicSubmission()
	sub.UniqueJobID = true
	result, err := e.Run(context.Background(), sub)
	require.NoError(t, err)
	assert.NotContains(t, result.JobID, "--")
	assert.Len(t, result.JobID, 36)
}
