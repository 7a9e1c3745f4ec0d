package provider

import (
	"fmt"
	"strings"
)

// LogPaths names the three per-attempt log files.
type LogPaths struct {
	Main   string
	Stdout string
	Stderr string
}

// ResolveLoggingPath expands a logging path template for one attempt.
// Templates may contain {job-id}, {job-name}, {task-id}, and {user-id}.
// A template ending in .log is used as the stem; anything else is
// treated as a directory and files are named
// <job-id>[.<task-id>][.<attempt>].log. Attempt 1 omits the attempt
// component so reruns of the same attempt number overwrite.
func ResolveLoggingPath(template, jobID, jobName, taskID, userID string, attempt int) LogPaths {
	expanded := strings.NewReplacer(
		"{job-id}", jobID,
		"{job-name}", jobName,
		"{task-id}", taskID,
		"{user-id}", userID,
	).Replace(template)

	var stem string
	if strings.HasSuffix(expanded, ".log") {
		stem = strings.TrimSuffix(expanded, ".log")
		if attempt > 1 {
			stem = fmt.Sprintf("%s.%d", stem, attempt)
		}
	} else {
		name := jobID
		if taskID != "" {
			name += "." + taskID
		}
		if attempt > 1 {
			name += fmt.Sprintf(".%d", attempt)
		}
		stem = strings.TrimSuffix(expanded, "/") + "/" + name
	}

	return LogPaths{
		Main:   stem + ".log",
		Stdout: stem + "-stdout.log",
		Stderr: stem + "-stderr.log",
	}
}
