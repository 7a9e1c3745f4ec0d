// Package provider defines the narrow contract every execution backend
// implements, the job specification handed to it, and the filter
// language shared by status and cancel operations.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/DataBiosphere/dsub-sub000/pkg/objstore"
	"github.com/DataBiosphere/dsub-sub000/pkg/params"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// ErrUnknownProvider is returned when a provider name has no registered
// constructor.
var ErrUnknownProvider = errors.New("unknown provider")

// Task is one materialized task of a job: its 1-based ordinal among the
// tasks-file rows (0 for the implicit single task of a scalar
// submission) and its fully merged parameter set.
type Task struct {
	Ordinal int
	Params  *params.Set

	// Attempt is the attempt number this submission launches, 1 for the
	// first. The retry loop resubmits failed tasks with it incremented.
	Attempt int
}

// TaskID returns the task identifier, empty for the implicit task.
func (t Task) TaskID() string {
	if t.Ordinal == 0 {
		return ""
	}
	return fmt.Sprintf("task-%d", t.Ordinal)
}

// JobSpec is the immutable description of a submission. It is created by
// the submission engine and never modified after Submit.
type JobSpec struct {
	Metadata    types.JobMetadata
	Script      types.Script
	Image       string
	Resources   types.Resources
	LoggingPath string
	Retries     int
	Tasks       []Task
}

// SubmitResult identifies a launched job.
type SubmitResult struct {
	JobID   string
	TaskIDs []string
}

// Filter selects attempts for Lookup and Cancel. Zero-valued fields
// match everything; set fields intersect.
type Filter struct {
	JobIDs      []string
	JobNames    []string
	Users       []string // "*" matches any user
	Statuses    []types.Status
	Labels      map[string]string
	TaskIDs     []string
	TaskAttempt int // 0 matches any attempt

	// CreatedAfter keeps attempts newer than the cutoff (--age);
	// CreatedBefore keeps older ones.
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

func matchList(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, want := range values {
		if want == "*" || want == v {
			return true
		}
	}
	return false
}

// Matches reports whether the attempt satisfies every set field.
func (f Filter) Matches(a *types.Attempt) bool {
	if !matchList(f.JobIDs, a.JobID) {
		return false
	}
	if !matchList(f.JobNames, a.JobName) {
		return false
	}
	if !matchList(f.Users, a.UserID) {
		return false
	}
	if !matchList(f.TaskIDs, a.TaskID) {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			// PENDING attempts report as RUNNING, and match it.
			if s == "*" || s == a.Status || s == a.ReportedStatus() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.TaskAttempt != 0 && a.TaskAttempt != f.TaskAttempt {
		return false
	}
	for k, v := range f.Labels {
		if a.Labels[k] != v {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && a.CreateTime.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && a.CreateTime.After(f.CreatedBefore) {
		return false
	}
	return true
}

// Capabilities is the probe for what a backend honors. Callers degrade
// gracefully rather than failing on unsupported hints.
type Capabilities struct {
	ResourceHints bool
	RecursiveIO   bool
	Mounts        bool
	PrivateIP     bool
	Accelerators  bool
}

// Provider is the contract every backend implements. Submit blocks only
// through the backend's own submission RPC, never through task
// execution.
type Provider interface {
	Name() string
	Submit(ctx context.Context, job *JobSpec) (*SubmitResult, error)
	Lookup(ctx context.Context, f Filter) ([]*types.Attempt, error)
	Cancel(ctx context.Context, f Filter) (int, error)
	Capabilities() Capabilities
}

// SortAttempts orders attempts in descending create-time, the order
// Lookup must return.
func SortAttempts(attempts []*types.Attempt) {
	sort.SliceStable(attempts, func(i, j int) bool {
		return attempts[i].CreateTime.After(attempts[j].CreateTime)
	})
}

// Factory constructs a provider from shared options.
type Factory func(ctx context.Context, opts Options) (Provider, error)

// Options carries provider construction settings shared across the
// three binaries.
type Options struct {
	// Project and Location configure cloud backends.
	Project  string
	Location string

	// WorkspaceRoot is the local provider's per-job directory root.
	WorkspaceRoot string

	// ContainerdSocket overrides the local provider's runtime socket.
	ContainerdSocket string

	// Store is the object-storage router for providers that stage data
	// in-process. Left nil, the local provider reaches local paths only.
	Store *objstore.Router
}

var registry = map[string]Factory{}

// Register installs a provider constructor under a name. Called from
// provider package init functions.
func Register(name string, f Factory) {
	registry[name] = f
}

// New constructs the named provider.
func New(ctx context.Context, name string, opts Options) (Provider, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return f(ctx, opts)
}
