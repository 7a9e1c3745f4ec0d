/*
Package runtime provides containerd integration for running task containers
to completion.

The runtime package wraps containerd's client API behind the Runner
interface: pull an image, run the wrapped user command with the task's data
directory bind-mounted at the data root, and return the process exit code.
Orchestrators depend on Runner, never on containerd directly, so they can be
tested without a containerd socket.

# Architecture

	┌─────────────────── CONTAINERD RUNTIME ────────────────────┐
	│                                                            │
	│  ┌──────────────────────────────────────────────┐          │
	│  │        ContainerdRuntime Client              │          │
	│  │  - Socket: /run/containerd/containerd.sock   │          │
	│  │  - Namespace: dsub                           │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │           Image Operations                   │          │
	│  │  - Pull images from registries               │          │
	│  │  - Unpack for snapshot creation              │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │        Run-To-Completion Lifecycle           │          │
	│  │  - Create: OCI spec with /mnt/data bind      │          │
	│  │  - Start: wrapper script as process args     │          │
	│  │  - Wait: block for the exit status           │          │
	│  │  - Delete: container and snapshot cleanup    │          │
	│  └──────────────────────────────────────────────┘          │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Run Lifecycle

 1. Load the (already pulled) image
 2. Generate the OCI spec: process args, env, data-dir bind mount
 3. Create the container and its snapshot
 4. Create the task with stdout/stderr streamed to the workspace logs
 5. Start and wait for the exit status
 6. Delete the task, container, and snapshot, whatever the outcome

Stop sends SIGTERM, waits up to the timeout, then SIGKILLs. A canceled
context during Run kills the task and surfaces the context error.

# Usage

	runner, err := runtime.NewContainerdRuntime("")
	if err != nil {
		return err
	}
	defer runner.Close()

	exitCode, err := runner.Run(ctx, runtime.RunSpec{
		ID:      "myjob.task-1.1",
		Image:   "ubuntu:22.04",
		Args:    []string{"bash", "/mnt/data/script/runner.sh"},
		DataDir: "/tmp/dsub-local/myjob/task-1/data",
		Stdout:  stdoutFile,
		Stderr:  stderrFile,
	})

Resource hints (cores, RAM, disks) are not applied by this runtime; the
local provider records them only.
*/
package runtime
