package gcpbatch

import (
	"time"

	"cloud.google.com/go/batch/apiv1/batchpb"

	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// mapJobState folds Batch job states into the attempt status vocabulary.
func mapJobState(s batchpb.JobStatus_State) types.Status {
	switch s {
	case batchpb.JobStatus_QUEUED, batchpb.JobStatus_SCHEDULED:
		return types.StatusPending
	case batchpb.JobStatus_RUNNING:
		return types.StatusRunning
	case batchpb.JobStatus_SUCCEEDED:
		return types.StatusSuccess
	case batchpb.JobStatus_FAILED:
		return types.StatusFailure
	case batchpb.JobStatus_DELETION_IN_PROGRESS:
		return types.StatusCanceled
	default:
		return types.StatusPending
	}
}

// mapTaskState folds Batch task states into the attempt status
// vocabulary.
func mapTaskState(s batchpb.TaskStatus_State) types.Status {
	switch s {
	case batchpb.TaskStatus_PENDING, batchpb.TaskStatus_ASSIGNED:
		return types.StatusPending
	case batchpb.TaskStatus_RUNNING:
		return types.StatusRunning
	case batchpb.TaskStatus_SUCCEEDED:
		return types.StatusSuccess
	case batchpb.TaskStatus_FAILED:
		return types.StatusFailure
	default:
		return types.StatusPending
	}
}

// applyTaskStatus fills an attempt from a Batch task status, mapping
// observable state transitions onto the shared event vocabulary in
// occurrence order.
func applyTaskStatus(a *types.Attempt, ts *batchpb.TaskStatus) {
	if ts == nil {
		a.Status = types.StatusPending
		return
	}
	a.Status = mapTaskState(ts.State)

	var lastTime time.Time
	for _, ev := range ts.StatusEvents {
		t := ev.EventTime.AsTime()
		lastTime = t
		switch ev.TaskState {
		case batchpb.TaskStatus_ASSIGNED:
			a.Events = append(a.Events, types.Event{Name: types.EventStart, Timestamp: t})
		case batchpb.TaskStatus_RUNNING:
			a.StartTime = t
			a.Events = append(a.Events, types.Event{Name: types.EventRunning, Timestamp: t})
		case batchpb.TaskStatus_SUCCEEDED:
			a.Events = append(a.Events, types.Event{Name: types.EventOK, Timestamp: t})
		case batchpb.TaskStatus_FAILED:
			a.StatusDetail = ev.Description
			a.Events = append(a.Events, types.Event{Name: types.EventFail, Timestamp: t})
		}
	}
	if a.Status.Terminal() {
		a.EndTime = lastTime
		if len(a.Events) == 0 || !isTerminalEvent(a.Events[len(a.Events)-1].Name) {
			a.Events = append(a.Events, terminalEvent(a.Status))
		}
	}
}

func isTerminalEvent(name types.EventName) bool {
	switch name {
	case types.EventOK, types.EventFail, types.EventCanceled:
		return true
	}
	return false
}
