// Package local runs tasks on the host through a container runtime,
// emulating the cloud container lifecycle: a per-task workspace, an
// orchestrator goroutine driving localize-in, the container run, and
// delocalize-out, with status transitions persisted to meta.yaml for
// external readers.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DataBiosphere/dsub-sub000/pkg/events"
	"github.com/DataBiosphere/dsub-sub000/pkg/log"
	"github.com/DataBiosphere/dsub-sub000/pkg/metrics"
	"github.com/DataBiosphere/dsub-sub000/pkg/objstore"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	"github.com/DataBiosphere/dsub-sub000/pkg/registry"
	"github.com/DataBiosphere/dsub-sub000/pkg/runtime"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// ProviderName selects this backend on the command line.
const ProviderName = "local"

// DefaultWorkspaceRoot holds per-job workspaces until manually cleaned.
var DefaultWorkspaceRoot = filepath.Join(os.TempDir(), "dsub-local")

func init() {
	provider.Register(ProviderName, func(ctx context.Context, opts provider.Options) (provider.Provider, error) {
		root := opts.WorkspaceRoot
		if root == "" {
			root = DefaultWorkspaceRoot
		}
		socket := opts.ContainerdSocket
		store := opts.Store
		if store == nil {
			store = objstore.NewRouter(nil, objstore.NewLocalStore())
		}
		return New(Config{
			WorkspaceRoot: root,
			NewRunner: func() (runtime.Runner, error) {
				return runtime.NewContainerdRuntime(socket)
			},
			Store: store,
		})
	})
}

// Config wires the local provider's collaborators. Tests inject a fake
// runner and store.
type Config struct {
	WorkspaceRoot string

	// NewRunner dials the container runtime on first use, so lookup-only
	// operations never need a containerd socket.
	NewRunner func() (runtime.Runner, error)

	Store  *objstore.Router
	Broker *events.Broker
}

// Local is the in-process orchestrating provider.
type Local struct {
	root   string
	store  *objstore.Router
	broker *events.Broker
	logger zerolog.Logger

	newRunner func() (runtime.Runner, error)
	runnerMu  sync.Mutex
	runner    runtime.Runner

	wg sync.WaitGroup
}

// New builds a local provider rooted at cfg.WorkspaceRoot.
func New(cfg Config) (*Local, error) {
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Local{
		root:      cfg.WorkspaceRoot,
		store:     cfg.Store,
		broker:    cfg.Broker,
		newRunner: cfg.NewRunner,
		logger:    log.WithProvider(ProviderName),
	}, nil
}

// Name implements provider.Provider.
func (p *Local) Name() string { return ProviderName }

// Capabilities implements provider.Provider. Resource hints are recorded
// but not enforced on the host.
func (p *Local) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		RecursiveIO: true,
		Mounts:      true,
	}
}

func (p *Local) getRunner() (runtime.Runner, error) {
	p.runnerMu.Lock()
	defer p.runnerMu.Unlock()
	if p.runner != nil {
		return p.runner, nil
	}
	r, err := p.newRunner()
	if err != nil {
		return nil, err
	}
	p.runner = r
	return r, nil
}

// Wait blocks until every orchestrator spawned by this process finishes.
// The dsub binary calls it before exiting any run that returned without
// error, so workspace writes are complete.
func (p *Local) Wait() {
	p.wg.Wait()
}

// Submit implements provider.Provider. It creates the per-task
// workspaces, records the first attempt as PENDING, and spawns one
// orchestrator goroutine per task. Submit itself never blocks on task
// execution.
func (p *Local) Submit(ctx context.Context, job *provider.JobSpec) (*provider.SubmitResult, error) {
	jobDir := filepath.Join(p.root, job.Metadata.JobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job workspace: %w", err)
	}

	reg, err := registry.Open(p.root)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	result := &provider.SubmitResult{JobID: job.Metadata.JobID}
	var taskIDs []string

	for _, task := range job.Tasks {
		taskID := task.TaskID()
		taskIDs = append(taskIDs, taskID)

		taskDir := filepath.Join(jobDir, taskDirName(taskID))
		if err := os.MkdirAll(taskDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create task workspace: %w", err)
		}

		attemptNum := task.Attempt
		if attemptNum == 0 {
			attemptNum = 1
		}

		logPaths := provider.ResolveLoggingPath(
			job.LoggingPath, job.Metadata.JobID, job.Metadata.JobName,
			taskID, job.Metadata.UserID, attemptNum)

		attempt := types.Attempt{
			JobID:       job.Metadata.JobID,
			JobName:     job.Metadata.JobName,
			UserID:      job.Metadata.UserID,
			TaskID:      taskID,
			TaskAttempt: attemptNum,
			Status:      types.StatusPending,
			CreateTime:  time.Now(),
			Labels:      task.Params.LabelMap(),
			Envs:        task.Params.EnvMap(),
			Inputs:      task.Params.InputMap(),
			Outputs:     task.Params.OutputMap(),
			LoggingPath: logPaths.Main,
		}

		meta := &Meta{}
		if attemptNum > 1 {
			if prior, err := readMeta(taskDir); err == nil {
				meta = prior
			}
		}
		meta.Attempts = append(meta.Attempts, attempt)
		if err := writeMeta(taskDir, meta); err != nil {
			return nil, err
		}

		orc := &orchestrator{
			provider: p,
			job:      job,
			task:     task,
			taskDir:  taskDir,
			attempt:  attemptNum,
			logPaths: logPaths,
			logger:   log.WithTask(job.Metadata.JobID, taskID),
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			orc.run(context.WithoutCancel(ctx))
		}()

		metrics.TasksLaunched.WithLabelValues(ProviderName).Inc()
	}

	rec := &registry.JobRecord{
		JobID:      job.Metadata.JobID,
		JobName:    job.Metadata.JobName,
		UserID:     job.Metadata.UserID,
		Labels:     job.Metadata.Labels,
		CreateTime: job.Metadata.CreateTime,
		Workspace:  jobDir,
		TaskIDs:    taskIDs,
	}
	if err := reg.PutJob(rec); err != nil {
		return nil, err
	}

	result.TaskIDs = taskIDs
	p.logger.Info().
		Str("job_id", job.Metadata.JobID).
		Int("tasks", len(job.Tasks)).
		Msg("Job submitted")
	return result, nil
}

// Lookup implements provider.Provider, reading task records from every
// indexed workspace and filtering in memory.
func (p *Local) Lookup(ctx context.Context, f provider.Filter) ([]*types.Attempt, error) {
	reg, err := registry.Open(p.root)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	jobs, err := reg.ListJobs()
	if err != nil {
		return nil, err
	}

	var matched []*types.Attempt
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, taskID := range taskIDsOf(job) {
			m, err := readMeta(filepath.Join(job.Workspace, taskDirName(taskID)))
			if err != nil {
				// A task whose record has not landed yet is not an error.
				continue
			}
			for i := range m.Attempts {
				a := m.Attempts[i]
				if f.Matches(&a) {
					matched = append(matched, &a)
				}
			}
		}
	}
	provider.SortAttempts(matched)
	return matched, nil
}

func taskIDsOf(job *registry.JobRecord) []string {
	if len(job.TaskIDs) == 0 {
		return []string{""}
	}
	return job.TaskIDs
}

// Cancel implements provider.Provider. Matching non-terminal attempts
// are marked CANCELED in meta.yaml and their containers stopped; the
// orchestrator observes the status and aborts without delocalizing.
func (p *Local) Cancel(ctx context.Context, f provider.Filter) (int, error) {
	reg, err := registry.Open(p.root)
	if err != nil {
		return 0, err
	}
	defer reg.Close()

	jobs, err := reg.ListJobs()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, job := range jobs {
		for _, taskID := range taskIDsOf(job) {
			taskDir := filepath.Join(job.Workspace, taskDirName(taskID))
			m, err := readMeta(taskDir)
			if err != nil {
				continue
			}
			cur := m.Current()
			if cur == nil || cur.Status.Terminal() || !f.Matches(cur) {
				continue
			}

			containerID := cur.ProviderID
			err = updateMeta(taskDir, func(a *types.Attempt) {
				a.Status = types.StatusCanceled
				a.StatusDetail = "canceled by user"
				a.EndTime = time.Now()
				a.Events = append(a.Events, types.Event{
					Name:      types.EventCanceled,
					Timestamp: time.Now(),
				})
			})
			if err != nil {
				return count, err
			}
			count++

			if containerID != "" {
				runner, rerr := p.getRunner()
				if rerr != nil {
					p.logger.Warn().Err(rerr).Msg("Cannot reach container runtime; task marked canceled only")
					continue
				}
				if serr := runner.Stop(ctx, containerID, 10*time.Second); serr != nil {
					p.logger.Warn().Err(serr).Str("container_id", containerID).Msg("Failed to stop container")
				}
			}
		}
	}
	return count, nil
}
