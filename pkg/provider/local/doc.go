/*
Package local is the in-process execution backend: it emulates the cloud
container lifecycle on the host machine using a container runtime, a
per-job workspace, and one orchestrator goroutine per task.

# Workspace Layout

Each task owns a directory under the workspace root:

	<root>/<job-id>/<task-id>/
	    data/           bind-mounted into the container at /mnt/data
	        script/     user script and wrapper
	        input/      localized inputs
	        output/     outputs awaiting delocalization
	        tmp/        TMPDIR
	        workingdir/ user command working directory
	    meta.yaml       task record: attempts, status, events
	    log.txt         interleaved stdout/stderr
	    stdout.txt      user command stdout
	    stderr.txt      user command stderr
	    runner-log.txt  orchestrator log

The workspace root also holds jobs.db, a bbolt index mapping job ids to
workspaces so dstat and ddel invocations from other processes can find
tasks without scanning.

# Orchestration

The orchestrator serializes the phases of one attempt:

	start → pulling-image → localizing-files → running-docker →
	delocalizing-files → ok | fail | canceled

Localization failures and non-zero user commands mark the attempt FAILURE;
outputs are only delocalized after exit 0, while logs upload regardless.
On success the data directory is removed; on failure it is left in place
for debugging.

# Cancellation

Cancel marks the task record CANCELED and stops the container. The
orchestrator re-reads the record between phases and after the container
exits, so an external cancel aborts the sequence without delocalizing.

Resource hints are recorded in the job spec but not enforced on the host.
*/
package local
