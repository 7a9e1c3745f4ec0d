package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/DataBiosphere/dsub-sub000/pkg/events"
	"github.com/DataBiosphere/dsub-sub000/pkg/localize"
	"github.com/DataBiosphere/dsub-sub000/pkg/metrics"
	"github.com/DataBiosphere/dsub-sub000/pkg/objstore"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	"github.com/DataBiosphere/dsub-sub000/pkg/runtime"
	"github.com/DataBiosphere/dsub-sub000/pkg/script"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// logUploadInterval is how often log files are pushed to the logging
// path while the container runs; a final upload always follows the last
// phase.
const logUploadInterval = 5 * time.Minute

// errCanceled aborts the phase sequence when an external Cancel has
// marked the task record.
var errCanceled = errors.New("task canceled")

// orchestrator drives one attempt of one task through the phase
// sequence: prepare, localize-in, execute, delocalize-out, log upload.
type orchestrator struct {
	provider *Local
	job      *provider.JobSpec
	task     provider.Task
	taskDir  string
	attempt  int
	logPaths provider.LogPaths
	logger   zerolog.Logger
}

func (o *orchestrator) dataDir() string {
	return filepath.Join(o.taskDir, dataDirName)
}

// run executes the attempt. Phase failures are fatal for the attempt;
// logs are uploaded whatever the outcome.
func (o *orchestrator) run(ctx context.Context) {
	if o.job.Resources.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.job.Resources.Timeout)
		defer cancel()
	}

	runnerLog, err := os.OpenFile(filepath.Join(o.taskDir, runnerLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		defer runnerLog.Close()
		o.logger = o.logger.Output(zerolog.MultiLevelWriter(runnerLog))
	}

	o.event(types.EventStart, "")

	err = o.runPhases(ctx)

	// Logs are best-effort and never promote a success to a failure.
	o.uploadLogs(context.WithoutCancel(ctx))

	switch {
	case errors.Is(err, errCanceled):
		// Cancel already wrote the terminal record.
		o.logger.Info().Msg("Task canceled")
	case errors.Is(err, context.DeadlineExceeded):
		o.finish(types.StatusFailure, "timeout exceeded", types.EventFail)
	case err != nil:
		o.finish(types.StatusFailure, err.Error(), types.EventFail)
	default:
		o.finish(types.StatusSuccess, "", types.EventOK)
		// Successful tasks do not keep their staged data around.
		if rmErr := os.RemoveAll(o.dataDir()); rmErr != nil {
			o.logger.Warn().Err(rmErr).Msg("Failed to clean data dir")
		}
	}
}

func (o *orchestrator) runPhases(ctx context.Context) error {
	loc := localize.New(o.provider.store, o.dataDir())

	// Prepare: data-disk layout, wrapper and user scripts, output dirs.
	wrapper := script.Build(o.job.Script, o.task.Params)
	if err := loc.Prepare(o.job.Script, o.task.Params); err != nil {
		return err
	}
	wrapperPath := filepath.Join(o.dataDir(), types.ScriptDir, "runner.sh")
	if err := os.WriteFile(wrapperPath, []byte(wrapper), 0o755); err != nil {
		return fmt.Errorf("failed to write wrapper: %w", err)
	}
	if err := o.checkCanceled(); err != nil {
		return err
	}

	runner, err := o.provider.getRunner()
	if err != nil {
		return fmt.Errorf("container runtime unavailable: %w", err)
	}

	o.event(types.EventPullingImage, o.job.Image)
	pullTimer := metrics.NewTimer()
	if err := runner.PullImage(ctx, o.job.Image); err != nil {
		return err
	}
	pullTimer.ObserveDuration(metrics.ImagePullDuration)
	if err := o.checkCanceled(); err != nil {
		return err
	}

	o.event(types.EventLocalizing, "")
	localizeTimer := metrics.NewTimer()
	if err := loc.LocalizeIn(ctx, o.task.Params); err != nil {
		return err
	}
	localizeTimer.ObserveDurationVec(metrics.LocalizeDuration, "in")
	if err := o.checkCanceled(); err != nil {
		return err
	}

	exitCode, err := o.execute(ctx, runner)
	if err != nil {
		return err
	}
	if err := o.checkCanceled(); err != nil {
		return err
	}
	if exitCode != 0 {
		// Outputs are not delocalized for a failed user command.
		return fmt.Errorf("user command exited with %d", exitCode)
	}

	o.event(types.EventDelocalizing, "")
	delocalizeTimer := metrics.NewTimer()
	if err := loc.DelocalizeOut(ctx, o.task.Params); err != nil {
		return err
	}
	delocalizeTimer.ObserveDurationVec(metrics.LocalizeDuration, "out")
	return nil
}

// execute runs the container to completion, streaming stdout and stderr
// into the workspace and uploading logs on a timer.
func (o *orchestrator) execute(ctx context.Context, runner runtime.Runner) (uint32, error) {
	stdout, err := os.Create(filepath.Join(o.taskDir, stdoutName))
	if err != nil {
		return 0, fmt.Errorf("failed to create stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(o.taskDir, stderrName))
	if err != nil {
		return 0, fmt.Errorf("failed to create stderr log: %w", err)
	}
	defer stderr.Close()

	// The main log interleaves both streams in arrival order.
	combined, err := os.Create(filepath.Join(o.taskDir, logFileName))
	if err != nil {
		return 0, fmt.Errorf("failed to create log: %w", err)
	}
	defer combined.Close()

	containerID := fmt.Sprintf("%s.%s.%d.%s",
		o.job.Metadata.JobID, taskDirName(o.task.TaskID()), o.attempt, uuid.New().String()[:8])

	o.event(types.EventRunning, "")
	if err := updateMeta(o.taskDir, func(a *types.Attempt) {
		a.Status = types.StatusRunning
		a.StartTime = time.Now()
		a.ProviderID = containerID
	}); err != nil {
		return 0, err
	}

	uploadDone := make(chan struct{})
	go o.uploadLoop(ctx, uploadDone)
	defer close(uploadDone)

	mounts, err := o.mountSpecs()
	if err != nil {
		return 0, err
	}

	runTimer := metrics.NewTimer()
	exitCode, err := runner.Run(ctx, runtime.RunSpec{
		ID:      containerID,
		Image:   o.job.Image,
		Args:    []string{"bash", script.ContainerScriptPath("runner.sh")},
		DataDir: o.dataDir(),
		Mounts:  mounts,
		Stdout:  io.MultiWriter(stdout, combined),
		Stderr:  io.MultiWriter(stderr, combined),
	})
	runTimer.ObserveDuration(metrics.ContainerRunDuration)
	if err != nil {
		// A cancel stops the container out from under us; report the
		// cancellation, not the runtime error.
		if cerr := o.checkCanceled(); cerr != nil {
			return 0, cerr
		}
		return 0, err
	}
	return exitCode, nil
}

// mountSpecs binds each declared mount read-only under the mount root.
// The local backend attaches local directories; bucket mounts need a
// host path (e.g. a FUSE mount prepared by the caller).
func (o *orchestrator) mountSpecs() ([]specs.Mount, error) {
	var mounts []specs.Mount
	for _, m := range o.task.Params.Mounts {
		src, ok := objstore.LocalPath(m.Raw)
		if !ok {
			return nil, fmt.Errorf("mount %s: %q is not a local path", m.Name, m.Raw)
		}
		mounts = append(mounts, specs.Mount{
			Source:      src,
			Destination: m.ContainerPath(),
			Type:        "bind",
			Options:     []string{"ro", "rbind"},
		})
	}
	return mounts, nil
}

func (o *orchestrator) uploadLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(logUploadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.uploadLogs(ctx)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// uploadLogs copies the three log files to the resolved logging path.
func (o *orchestrator) uploadLogs(ctx context.Context) {
	if o.job.LoggingPath == "" {
		return
	}
	pairs := []struct{ local, remote string }{
		{filepath.Join(o.taskDir, logFileName), o.logPaths.Main},
		{filepath.Join(o.taskDir, stdoutName), o.logPaths.Stdout},
		{filepath.Join(o.taskDir, stderrName), o.logPaths.Stderr},
	}
	for _, pair := range pairs {
		if _, err := os.Stat(pair.local); err != nil {
			continue
		}
		if err := o.provider.store.Copy(ctx, pair.local, pair.remote); err != nil {
			o.logger.Warn().Err(err).Str("dst", pair.remote).Msg("Log upload failed")
		}
	}
}

// checkCanceled reads the task record and aborts the phase sequence if
// an external Cancel marked it.
func (o *orchestrator) checkCanceled() error {
	m, err := readMeta(o.taskDir)
	if err != nil {
		return nil
	}
	if cur := m.Current(); cur != nil && cur.Status == types.StatusCanceled {
		return errCanceled
	}
	return nil
}

// event appends to the attempt's event history and mirrors the
// transition onto the broker.
func (o *orchestrator) event(name types.EventName, detail string) {
	ev := types.Event{Name: name, Timestamp: time.Now(), Detail: detail}
	if err := updateMeta(o.taskDir, func(a *types.Attempt) {
		a.Events = append(a.Events, ev)
	}); err != nil {
		o.logger.Warn().Err(err).Str("event", string(name)).Msg("Failed to record event")
	}
	if o.provider.broker != nil {
		o.provider.broker.Publish(&events.Transition{
			JobID:       o.job.Metadata.JobID,
			TaskID:      o.task.TaskID(),
			TaskAttempt: o.attempt,
			Event:       ev,
		})
	}
}

// finish writes the terminal record unless a cancel got there first.
func (o *orchestrator) finish(status types.Status, detail string, name types.EventName) {
	err := updateMeta(o.taskDir, func(a *types.Attempt) {
		if a.Status == types.StatusCanceled {
			return
		}
		a.Status = status
		a.StatusDetail = detail
		a.EndTime = time.Now()
		a.Events = append(a.Events, types.Event{Name: name, Timestamp: time.Now(), Detail: detail})
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to write terminal status")
		return
	}
	metrics.AttemptsFinished.WithLabelValues(ProviderName, string(status)).Inc()
	if status == types.StatusFailure {
		o.logger.Error().Str("detail", detail).Msg("Task failed")
	} else {
		o.logger.Info().Msg("Task succeeded")
	}
	if o.provider.broker != nil {
		o.provider.broker.Publish(&events.Transition{
			JobID:       o.job.Metadata.JobID,
			TaskID:      o.task.TaskID(),
			TaskAttempt: o.attempt,
			Status:      status,
			Event:       types.Event{Name: name, Timestamp: time.Now(), Detail: detail},
		})
	}
}
