package runtime

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for task containers
	DefaultNamespace = "dsub"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// RunSpec describes one run-to-completion container: the wrapped user
// command with the task's data directory bind-mounted at the data root.
type RunSpec struct {
	// ID names the container; it must be unique within the namespace.
	ID string

	// Image is the container image reference.
	Image string

	// Args is the process to run, typically the wrapper script.
	Args []string

	// Env is the raw NAME=VALUE environment.
	Env []string

	// DataDir is the host directory mounted read-write at the data root.
	DataDir string

	// Mounts are additional read-only bind mounts.
	Mounts []specs.Mount

	// Stdout and Stderr receive the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner abstracts the container runtime so orchestrators can be tested
// without a containerd socket.
type Runner interface {
	PullImage(ctx context.Context, imageRef string) error
	Run(ctx context.Context, spec RunSpec) (exitCode uint32, err error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Close() error
}

// ContainerdRuntime implements Runner using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls a container image from a registry
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	return nil
}

// Run creates the container, runs it to completion, and returns the
// process exit code. The container and its snapshot are deleted before
// Run returns, whatever the outcome.
func (r *ContainerdRuntime) Run(ctx context.Context, spec RunSpec) (uint32, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return 0, fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	mounts := []specs.Mount{
		{
			Source:      spec.DataDir,
			Destination: types.DataMountPoint,
			Type:        "bind",
			Options:     []string{"rw", "rbind"},
		},
	}
	mounts = append(mounts, spec.Mounts...)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithProcessArgs(spec.Args...),
		oci.WithMounts(mounts),
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// Cleanup uses a fresh context so a canceled run still deletes.
		cleanupCtx, cancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), r.namespace), 30*time.Second)
		defer cancel()
		if derr := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); derr != nil {
			_ = derr
		}
	}()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, spec.Stdout, spec.Stderr)))
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), r.namespace), 30*time.Second)
		defer cancel()
		_, _ = task.Delete(cleanupCtx, containerd.WithProcessKill)
	}()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return 0, fmt.Errorf("failed to start task: %w", err)
	}

	select {
	case status := <-statusC:
		if err := status.Error(); err != nil {
			return 0, fmt.Errorf("task wait failed: %w", err)
		}
		return status.ExitCode(), nil
	case <-ctx.Done():
		// Cooperative cancel: kill the task and surface the context error.
		killCtx, cancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), r.namespace), 10*time.Second)
		defer cancel()
		_ = task.Kill(killCtx, syscall.SIGKILL)
		return 0, ctx.Err()
	}
}

// Stop stops a running container, SIGTERM first, SIGKILL on timeout
func (r *ContainerdRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		// Container might not exist
		return nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
		// Task exited
	case <-stopCtx.Done():
		// Timeout - force kill (SIGKILL)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	return nil
}
