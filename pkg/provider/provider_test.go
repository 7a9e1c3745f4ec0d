package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

func sampleAttempt() *types.Attempt {
	return &types.Attempt{
		JobID:       "align--alice--240601-134509-42",
		JobName:     "align",
		UserID:      "alice",
		TaskID:      "task-3",
		TaskAttempt: 2,
		Status:      types.StatusRunning,
		Labels:      map[string]string{"batch": "run-7"},
		CreateTime:  time.Date(2024, 6, 1, 13, 45, 9, 0, time.UTC),
	}
}

func TestFilterMatches(t *testing.T) {
	a := sampleAttempt()

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty filter matches", filter: Filter{}, want: true},
		{name: "job id", filter: Filter{JobIDs: []string{a.JobID}}, want: true},
		{name: "wrong job id", filter: Filter{JobIDs: []string{"other"}}, want: false},
		{name: "user wildcard", filter: Filter{Users: []string{"*"}}, want: true},
		{name: "wrong user", filter: Filter{Users: []string{"bob"}}, want: false},
		{name: "status set", filter: Filter{Statuses: []types.Status{types.StatusRunning, types.StatusPending}}, want: true},
		{name: "status wildcard", filter: Filter{Statuses: []types.Status{"*"}}, want: true},
		{name: "wrong status", filter: Filter{Statuses: []types.Status{types.StatusSuccess}}, want: false},
		{name: "label", filter: Filter{Labels: map[string]string{"batch": "run-7"}}, want: true},
		{name: "wrong label", filter: Filter{Labels: map[string]string{"batch": "run-8"}}, want: false},
		{name: "task id", filter: Filter{TaskIDs: []string{"task-3"}}, want: true},
		{name: "attempt", filter: Filter{TaskAttempt: 2}, want: true},
		{name: "wrong attempt", filter: Filter{TaskAttempt: 1}, want: false},
		{
			name:   "created after",
			filter: Filter{CreatedAfter: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
			want:   true,
		},
		{
			name:   "too old",
			filter: Filter{CreatedAfter: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(a))
		})
	}
}

func TestFilterPendingMatchesRunning(t *testing.T) {
	a := sampleAttempt()
	a.Status = types.StatusPending

	// Queued-but-unstarted attempts report as RUNNING and match it.
	f := Filter{Statuses: []types.Status{types.StatusRunning}}
	assert.True(t, f.Matches(a))
}

func TestSortAttempts(t *testing.T) {
	older := sampleAttempt()
	newer := sampleAttempt()
	newer.CreateTime = older.CreateTime.Add(time.Hour)

	attempts := []*types.Attempt{older, newer}
	SortAttempts(attempts)
	assert.Same(t, newer, attempts[0])
}

func TestTaskID(t *testing.T) {
	assert.Equal(t, "", Task{Ordinal: 0}.TaskID())
	assert.Equal(t, "task-7", Task{Ordinal: 7}.TaskID())
}

func TestResolveLoggingPathDirectory(t *testing.T) {
	lp := ResolveLoggingPath("gs://logs/run", "job-1", "align", "task-2", "alice", 1)
	assert.Equal(t, "gs://logs/run/job-1.task-2.log", lp.Main)
	assert.Equal(t, "gs://logs/run/job-1.task-2-stdout.log", lp.Stdout)
	assert.Equal(t, "gs://logs/run/job-1.task-2-stderr.log", lp.Stderr)
}

func TestResolveLoggingPathAttemptSuffix(t *testing.T) {
	lp := ResolveLoggingPath("gs://logs/run", "job-1", "align", "", "", 3)
	assert.Equal(t, "gs://logs/run/job-1.3.log", lp.Main)

	// Attempt 1 overwrites in place.
	lp = ResolveLoggingPath("gs://logs/run", "job-1", "align", "", "", 1)
	assert.Equal(t, "gs://logs/run/job-1.log", lp.Main)
}

func TestResolveLoggingPathStem(t *testing.T) {
	lp := ResolveLoggingPath("gs://logs/{job-name}/out.log", "job-1", "align", "", "", 1)
	assert.Equal(t, "gs://logs/align/out.log", lp.Main)
	assert.Equal(t, "gs://logs/align/out-stdout.log", lp.Stdout)

	lp = ResolveLoggingPath("gs://logs/out.log", "job-1", "align", "", "", 2)
	assert.Equal(t, "gs://logs/out.2.log", lp.Main)
}

func TestResolveLoggingPathSubstitutions(t *testing.T) {
	lp := ResolveLoggingPath("gs://logs/{user-id}/{job-id}", "j", "n", "", "alice", 1)
	assert.Equal(t, "gs://logs/alice/j/j.log", lp.Main)
}
