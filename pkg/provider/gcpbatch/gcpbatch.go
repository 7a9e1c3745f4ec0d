// Package gcpbatch adapts the core job specification to Google Cloud
// Batch: a dsub job becomes one Batch job whose runnables stage inputs
// in, run the wrapped user command, stage outputs back, and upload
// logs. The adapter holds no process-wide state beyond the client.
package gcpbatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	batch "cloud.google.com/go/batch/apiv1"
	"cloud.google.com/go/batch/apiv1/batchpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/DataBiosphere/dsub-sub000/pkg/log"
	"github.com/DataBiosphere/dsub-sub000/pkg/metrics"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// ProviderName selects this backend on the command line.
const ProviderName = "google-batch"

func init() {
	provider.Register(ProviderName, func(ctx context.Context, opts provider.Options) (provider.Provider, error) {
		if opts.Project == "" {
			return nil, fmt.Errorf("project is required for the %s provider", ProviderName)
		}
		client, err := batch.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create batch client: %w", err)
		}
		return &Provider{
			client:    client,
			project:   opts.Project,
			location_: opts.Location,
			logger:    log.WithProvider(ProviderName),
		}, nil
	})
}

// Provider implements provider.Provider against the Batch API.
type Provider struct {
	client    *batch.Client
	project   string
	location_ string
	logger    zerolog.Logger
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		ResourceHints: true,
		RecursiveIO:   true,
		Mounts:        true,
		PrivateIP:     true,
		Accelerators:  true,
	}
}

// Submit implements provider.Provider. The call blocks only through the
// CreateJob RPC; task execution proceeds on the service.
func (p *Provider) Submit(ctx context.Context, job *provider.JobSpec) (*provider.SubmitResult, error) {
	loc, err := p.location(job.Resources)
	if err != nil {
		return nil, err
	}

	batchJob, err := p.translate(job)
	if err != nil {
		return nil, err
	}

	parent := fmt.Sprintf("projects/%s/locations/%s", p.project, loc)
	req := &batchpb.CreateJobRequest{
		Parent: parent,
		JobId:  batchJobID(job),
		Job:    batchJob,
	}

	created, err := p.client.CreateJob(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch job: %w", err)
	}

	result := &provider.SubmitResult{JobID: job.Metadata.JobID}
	for _, task := range job.Tasks {
		result.TaskIDs = append(result.TaskIDs, task.TaskID())
		metrics.TasksLaunched.WithLabelValues(ProviderName).Inc()
	}

	p.logger.Info().
		Str("job_id", job.Metadata.JobID).
		Str("batch_job", created.Name).
		Msg("Job submitted")
	return result, nil
}

// batchJobID derives a Batch-legal job id: lowercase, 63 chars, leading
// letter. The dsub job id already satisfies the first two; attempts get
// a suffix so retries create distinct Batch jobs.
func batchJobID(job *provider.JobSpec) string {
	id := sanitizeLabel(job.Metadata.JobID)
	if n := attemptOf(job.Tasks[0]); n > 1 {
		id = fmt.Sprintf("%s-a%d", id, n)
	}
	if len(id) > 60 {
		id = id[:60]
	}
	return id
}

// attemptFromName is the inverse of batchJobID's suffix encoding: given
// the Batch resource name and the job's identity label, it recovers the
// attempt number. A name without the -a<N> suffix is attempt 1.
func attemptFromName(resourceName, jobID string) int {
	base := resourceName
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	rest, ok := strings.CutPrefix(base, sanitizeLabel(jobID)+"-a")
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Lookup implements provider.Provider. Jobs are found through their
// identity labels; per-task states come from the task group.
func (p *Provider) Lookup(ctx context.Context, f provider.Filter) ([]*types.Attempt, error) {
	loc := p.location_
	if loc == "" {
		loc = "-"
	}
	parent := fmt.Sprintf("projects/%s/locations/%s", p.project, loc)

	it := p.client.ListJobs(ctx, &batchpb.ListJobsRequest{Parent: parent})
	var matched []*types.Attempt
	for {
		job, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list batch jobs: %w", err)
		}
		if job.Labels[labelJobID] == "" {
			// Not a dsub job.
			continue
		}
		attempts, err := p.jobAttempts(ctx, job)
		if err != nil {
			return nil, err
		}
		for _, a := range attempts {
			if f.Matches(a) {
				matched = append(matched, a)
			}
		}
	}
	provider.SortAttempts(matched)
	return matched, nil
}

// jobAttempts maps one Batch job's tasks back to attempts.
func (p *Provider) jobAttempts(ctx context.Context, job *batchpb.Job) ([]*types.Attempt, error) {
	base := types.Attempt{
		JobID:       job.Labels[labelJobID],
		JobName:     job.Labels[labelJobName],
		UserID:      job.Labels[labelUserID],
		TaskAttempt: attemptFromName(job.Name, job.Labels[labelJobID]),
		ProviderID:  job.Name,
		Labels:      userLabels(job.Labels),
		CreateTime:  job.CreateTime.AsTime(),
	}

	taskCount := int64(1)
	if len(job.TaskGroups) > 0 {
		taskCount = job.TaskGroups[0].TaskCount
	}

	parent := job.Name + "/taskGroups/group0"
	it := p.client.ListTasks(ctx, &batchpb.ListTasksRequest{Parent: parent})

	var attempts []*types.Attempt
	ordinal := 0
	for {
		task, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			// Task listing lags job creation; fall back to job state.
			if status.Code(err) == codes.NotFound {
				break
			}
			return nil, fmt.Errorf("failed to list tasks for %s: %w", job.Name, err)
		}
		ordinal++
		a := base
		if taskCount > 1 {
			a.TaskID = fmt.Sprintf("task-%d", ordinal)
		}
		applyTaskStatus(&a, task.Status)
		attempts = append(attempts, &a)
	}

	if len(attempts) == 0 {
		// No visible tasks yet: synthesize from the job state.
		for i := int64(0); i < taskCount; i++ {
			a := base
			if taskCount > 1 {
				a.TaskID = fmt.Sprintf("task-%d", i+1)
			}
			a.Status = mapJobState(job.Status.GetState())
			if a.Status.Terminal() {
				a.EndTime = lastStatusEventTime(job)
				a.Events = append(a.Events, terminalEvent(a.Status))
			}
			attempts = append(attempts, &a)
		}
	}
	return attempts, nil
}

func userLabels(labels map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range labels {
		switch k {
		case labelJobID, labelJobName, labelUserID, labelTaskID:
		default:
			out[k] = v
		}
	}
	return out
}

func lastStatusEventTime(job *batchpb.Job) time.Time {
	events := job.Status.GetStatusEvents()
	if len(events) == 0 {
		return time.Time{}
	}
	return events[len(events)-1].EventTime.AsTime()
}

func terminalEvent(s types.Status) types.Event {
	name := types.EventOK
	switch s {
	case types.StatusFailure:
		name = types.EventFail
	case types.StatusCanceled:
		name = types.EventCanceled
	}
	return types.Event{Name: name, Timestamp: time.Now()}
}

// Cancel implements provider.Provider by deleting matching Batch jobs.
// The service reports CANCELED with a short delay after the call
// returns.
func (p *Provider) Cancel(ctx context.Context, f provider.Filter) (int, error) {
	attempts, err := p.Lookup(ctx, f)
	if err != nil {
		return 0, err
	}

	canceled := 0
	deleted := map[string]bool{}
	for _, a := range attempts {
		if a.Status.Terminal() || deleted[a.ProviderID] {
			continue
		}
		_, err := p.client.DeleteJob(ctx, &batchpb.DeleteJobRequest{Name: a.ProviderID})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				continue
			}
			return canceled, fmt.Errorf("failed to cancel %s: %w", a.JobID, err)
		}
		deleted[a.ProviderID] = true
		canceled++
	}
	return canceled, nil
}

// Close releases the Batch client.
func (p *Provider) Close() error {
	return p.client.Close()
}
