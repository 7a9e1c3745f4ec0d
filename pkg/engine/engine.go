// Package engine implements the highest-level submission semantics:
// predecessor wait, skip-if-outputs-exist, the retry loop, and blocking
// wait. It is the conductor; providers own execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/DataBiosphere/dsub-sub000/pkg/jobid"
	"github.com/DataBiosphere/dsub-sub000/pkg/log"
	"github.com/DataBiosphere/dsub-sub000/pkg/metrics"
	"github.com/DataBiosphere/dsub-sub000/pkg/objstore"
	"github.com/DataBiosphere/dsub-sub000/pkg/params"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	"github.com/DataBiosphere/dsub-sub000/pkg/tasksfile"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// NoJob is printed instead of a job id when a submission is skipped or
// aborted before reaching a provider. Consumers may feed it back into
// --after safely.
const NoJob = "NO_JOB"

// DefaultPollInterval paces the predecessor and wait loops.
const DefaultPollInterval = 10 * time.Second

var (
	// ErrValidation wraps submission errors reported synchronously and
	// never retried.
	ErrValidation = errors.New("invalid submission")

	// ErrPredecessorFailed aborts a submission whose --after job ended
	// in FAILURE or CANCELED.
	ErrPredecessorFailed = errors.New("predecessor job failed")

	// ErrTasksFailed reports a waited job whose tasks did not all
	// succeed.
	ErrTasksFailed = errors.New("job did not succeed")
)

// Submission is the immutable description of one dsub invocation.
type Submission struct {
	Script      types.Script
	Image       string
	Name        string
	User        string
	Resources   types.Resources
	LoggingPath string
	Labels      map[string]string

	CommonParams *params.Set
	TaskRows     []tasksfile.Row

	After       []string
	Skip        bool
	Retries     int
	Wait        bool
	UniqueJobID bool
	DryRun      bool
}

// Result reports the outcome of a submission.
type Result struct {
	// JobID is the launched job's id, or NoJob when skipped or aborted.
	JobID   string
	TaskIDs []string

	// Plan is the rendered job spec for --dry-run.
	Plan string

	// Attempts holds the final attempt set when the engine waited.
	Attempts []*types.Attempt
}

// Engine drives submissions against one provider.
type Engine struct {
	provider     provider.Provider
	store        *objstore.Router
	logger       zerolog.Logger
	PollInterval time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// New builds an engine. The store is used only for --skip probes.
func New(p provider.Provider, store *objstore.Router) *Engine {
	return &Engine{
		provider:     p,
		store:        store,
		logger:       log.WithComponent("engine"),
		PollInterval: DefaultPollInterval,
		now:          time.Now,
	}
}

// Run performs one submission end to end: predecessor wait, skip check,
// submit, and, when requested, the retry/wait loop. All suspension
// points honor ctx; cancellation cancels in-flight attempts before
// returning.
func (e *Engine) Run(ctx context.Context, sub *Submission) (*Result, error) {
	job, err := e.buildJobSpec(sub)
	if err != nil {
		return nil, err
	}

	if len(sub.After) > 0 {
		if err := e.waitForPredecessors(ctx, sub.After); err != nil {
			if errors.Is(err, ErrPredecessorFailed) {
				return &Result{JobID: NoJob}, err
			}
			return nil, err
		}
	}

	if sub.Skip {
		exists, err := e.allOutputsExist(ctx, job)
		if err != nil {
			return nil, err
		}
		if exists {
			e.logger.Info().Msg("All outputs exist; skipping submission")
			metrics.JobsSkipped.Inc()
			return &Result{JobID: NoJob}, nil
		}
	}

	if sub.DryRun {
		plan, err := renderPlan(job)
		if err != nil {
			return nil, err
		}
		return &Result{JobID: job.Metadata.JobID, Plan: plan}, nil
	}

	submitted, err := e.provider.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	metrics.JobsSubmitted.WithLabelValues(e.provider.Name()).Inc()

	result := &Result{JobID: submitted.JobID, TaskIDs: submitted.TaskIDs}

	// Retries require polling, so they imply wait.
	if sub.Wait || sub.Retries > 0 {
		attempts, err := e.waitForJob(ctx, job, sub.Retries)
		result.Attempts = attempts
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Engine) buildJobSpec(sub *Submission) (*provider.JobSpec, error) {
	if sub.Script.Value == "" {
		return nil, fmt.Errorf("%w: either --command or --script is required", ErrValidation)
	}
	if sub.User == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	name := sub.Name
	if name == "" {
		name = jobid.DefaultName(sub.Script.Name, sub.Script.Value)
	}

	now := e.now()
	var id string
	if sub.UniqueJobID {
		id = jobid.GenerateUnique()
	} else {
		id = jobid.Generate(name, sub.User, now)
	}

	tasks, err := e.buildTasks(sub)
	if err != nil {
		return nil, err
	}

	return &provider.JobSpec{
		Metadata: types.JobMetadata{
			JobID:      id,
			JobName:    name,
			UserID:     sub.User,
			CreateTime: now,
			Labels:     sub.Labels,
		},
		Script:      sub.Script,
		Image:       sub.Image,
		Resources:   sub.Resources,
		LoggingPath: sub.LoggingPath,
		Retries:     sub.Retries,
		Tasks:       tasks,
	}, nil
}

func (e *Engine) buildTasks(sub *Submission) ([]provider.Task, error) {
	common := sub.CommonParams
	if common == nil {
		common = &params.Set{}
	}
	if err := common.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if len(sub.TaskRows) == 0 {
		return []provider.Task{{Params: common, Attempt: 1}}, nil
	}

	tasks := make([]provider.Task, 0, len(sub.TaskRows))
	for _, row := range sub.TaskRows {
		merged, err := params.Merge(common, row.Params)
		if err != nil {
			return nil, fmt.Errorf("%w: task %d: %v", ErrValidation, row.Ordinal, err)
		}
		tasks = append(tasks, provider.Task{Ordinal: row.Ordinal, Params: merged, Attempt: 1})
	}
	return tasks, nil
}

// waitForPredecessors blocks until every --after job reaches a terminal
// state. NoJob entries count as already succeeded.
func (e *Engine) waitForPredecessors(ctx context.Context, after []string) error {
	var pending []string
	for _, id := range after {
		if id != NoJob {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()

	for {
		remaining := pending[:0]
		for _, id := range pending {
			attempts, err := e.provider.Lookup(ctx, provider.Filter{JobIDs: []string{id}})
			if err != nil {
				return err
			}
			if len(attempts) == 0 {
				return fmt.Errorf("%w: job %q not found", ErrValidation, id)
			}
			done := true
			for _, a := range latestAttempts(attempts) {
				switch a.Status {
				case types.StatusFailure, types.StatusCanceled:
					return fmt.Errorf("%w: %s", ErrPredecessorFailed, id)
				case types.StatusSuccess:
				default:
					done = false
				}
			}
			if !done {
				remaining = append(remaining, id)
			}
		}
		pending = remaining
		if len(pending) == 0 {
			return nil
		}

		e.logger.Debug().Int("pending", len(pending)).Msg("Waiting on predecessor jobs")
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// allOutputsExist probes every declared output across all tasks. For
// wildcards and recursive outputs, any matching object satisfies the
// probe. A tasks-file submission with shared output patterns skips all
// tasks once any match is found; callers are warned of this in the
// command documentation.
func (e *Engine) allOutputsExist(ctx context.Context, job *provider.JobSpec) (bool, error) {
	any := false
	for _, task := range job.Tasks {
		for _, out := range task.Params.Outputs {
			any = true
			probe := out.Raw
			if out.Path.IsDir() {
				probe = out.Raw + "/*"
			}
			ok, err := e.store.Exists(ctx, probe)
			if err != nil {
				return false, fmt.Errorf("failed to check output %s: %w", out.Raw, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return any, nil
}

// latestAttempts reduces an attempt list to the newest attempt per
// (job, task).
func latestAttempts(attempts []*types.Attempt) []*types.Attempt {
	type key struct {
		jobID  string
		taskID string
	}
	latest := map[key]*types.Attempt{}
	var order []key
	for _, a := range attempts {
		k := key{a.JobID, a.TaskID}
		cur, ok := latest[k]
		if !ok {
			order = append(order, k)
			latest[k] = a
			continue
		}
		if a.TaskAttempt > cur.TaskAttempt {
			latest[k] = a
		}
	}
	out := make([]*types.Attempt, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}

// waitForJob polls until every task reaches a terminal state, spawning
// retry attempts for failed tasks while budget remains. It returns the
// final attempt set and ErrTasksFailed unless every task succeeded.
func (e *Engine) waitForJob(ctx context.Context, job *provider.JobSpec, retries int) ([]*types.Attempt, error) {
	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()

	taskByID := map[string]provider.Task{}
	for _, t := range job.Tasks {
		taskByID[t.TaskID()] = t
	}

	for {
		pollTimer := metrics.NewTimer()
		attempts, err := e.provider.Lookup(ctx, provider.Filter{JobIDs: []string{job.Metadata.JobID}})
		if err != nil {
			return nil, err
		}
		pollTimer.ObserveDuration(metrics.PollLatency)
		metrics.PollCycles.Inc()

		latest := latestAttempts(attempts)
		allDone := len(latest) > 0
		for _, a := range latest {
			if !a.Status.Terminal() {
				allDone = false
				continue
			}
			if a.Status.Retryable() && a.TaskAttempt < 1+retries {
				task, ok := taskByID[a.TaskID]
				if !ok {
					continue
				}
				task.Attempt = a.TaskAttempt + 1
				retryJob := *job
				retryJob.Tasks = []provider.Task{task}
				e.logger.Info().
					Str("task_id", a.TaskID).
					Int("attempt", task.Attempt).
					Msg("Retrying failed task")
				if _, err := e.provider.Submit(ctx, &retryJob); err != nil {
					return latest, fmt.Errorf("failed to submit retry: %w", err)
				}
				metrics.RetriesSpawned.Inc()
				allDone = false
			}
		}

		if allDone {
			for _, a := range latest {
				if a.Status != types.StatusSuccess {
					return latest, ErrTasksFailed
				}
			}
			return latest, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			// Cooperative cancellation: stop in-flight attempts, then
			// surface the interruption.
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if _, cerr := e.provider.Cancel(cancelCtx, provider.Filter{JobIDs: []string{job.Metadata.JobID}}); cerr != nil {
				e.logger.Warn().Err(cerr).Msg("Failed to cancel in-flight attempts")
			}
			cancel()
			return latest, ctx.Err()
		}
	}
}

func renderPlan(job *provider.JobSpec) (string, error) {
	type taskPlan struct {
		TaskID  string            `yaml:"task_id,omitempty"`
		Envs    map[string]string `yaml:"envs,omitempty"`
		Inputs  map[string]string `yaml:"inputs,omitempty"`
		Outputs map[string]string `yaml:"outputs,omitempty"`
		Labels  map[string]string `yaml:"labels,omitempty"`
	}
	plan := struct {
		JobID       string          `yaml:"job_id"`
		JobName     string          `yaml:"job_name"`
		UserID      string          `yaml:"user_id"`
		Image       string          `yaml:"image"`
		Script      string          `yaml:"script"`
		LoggingPath string          `yaml:"logging_path,omitempty"`
		Resources   types.Resources `yaml:"resources,omitempty"`
		Retries     int             `yaml:"retries,omitempty"`
		Tasks       []taskPlan      `yaml:"tasks"`
	}{
		JobID:       job.Metadata.JobID,
		JobName:     job.Metadata.JobName,
		UserID:      job.Metadata.UserID,
		Image:       job.Image,
		Script:      job.Script.Name,
		LoggingPath: job.LoggingPath,
		Resources:   job.Resources,
		Retries:     job.Retries,
	}
	for _, t := range job.Tasks {
		plan.Tasks = append(plan.Tasks, taskPlan{
			TaskID:  t.TaskID(),
			Envs:    t.Params.EnvMap(),
			Inputs:  t.Params.InputMap(),
			Outputs: t.Params.OutputMap(),
			Labels:  t.Params.LabelMap(),
		})
	}
	data, err := yaml.Marshal(plan)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
