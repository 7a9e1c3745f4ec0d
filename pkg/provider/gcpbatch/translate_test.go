package gcpbatch

import (
	"testing"
	"time"

	"cloud.google.com/go/batch/apiv1/batchpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataBiosphere/dsub-sub000/pkg/params"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

func sampleJob(t *testing.T) *provider.JobSpec {
	t.Helper()
	namer := params.NewNamer()
	in, err := params.NewInput("IN=gs://b/in.bam", false, namer)
	require.NoError(t, err)
	out, err := params.NewOutput("OUT=gs://b/out.txt", false, namer)
	require.NoError(t, err)
	env, err := params.NewEnv("SAMPLE=na12878")
	require.NoError(t, err)

	return &provider.JobSpec{
		Metadata: types.JobMetadata{
			JobID:   "align--alice--240601-000000-00",
			JobName: "align",
			UserID:  "alice",
			Labels:  map[string]string{"batch": "Run 7"},
		},
		Script:      types.Script{Name: "align.sh", Value: "samtools index ${IN}\n"},
		Image:       "quay.io/biocontainers/samtools",
		LoggingPath: "gs://logs/{job-id}",
		Resources: types.Resources{
			Regions: []string{"us-central1"},
		},
		Tasks: []provider.Task{
			{Params: &params.Set{
				Envs:    []params.EnvParam{env},
				Inputs:  []params.InputParam{in},
				Outputs: []params.OutputParam{out},
			}},
		},
	}
}

func newTestProvider() *Provider {
	return &Provider{project: "proj", location_: "us-central1"}
}

func TestTranslateRunnableOrder(t *testing.T) {
	p := newTestProvider()
	job, err := p.translate(sampleJob(t))
	require.NoError(t, err)

	require.Len(t, job.TaskGroups, 1)
	runnables := job.TaskGroups[0].TaskSpec.Runnables
	require.Len(t, runnables, 6)

	var order []string
	for _, r := range runnables {
		order = append(order, r.Labels["dsub-runnable"])
	}
	assert.Equal(t, []string{"prepare", "localize", "logging", "user-command", "delocalize", "final-logging"}, order)

	// The logging runnable is backgrounded; the final upload always runs.
	assert.True(t, runnables[2].Background)
	assert.True(t, runnables[5].AlwaysRun)

	// The user command runs the user's image; staging runs the SDK image.
	assert.Equal(t, "quay.io/biocontainers/samtools", runnables[3].GetContainer().ImageUri)
	assert.Equal(t, cloudSDKImage, runnables[1].GetContainer().ImageUri)
}

func TestTranslateLabels(t *testing.T) {
	p := newTestProvider()
	job, err := p.translate(sampleJob(t))
	require.NoError(t, err)

	assert.Equal(t, "align--alice--240601-000000-00", job.Labels[labelJobID])
	assert.Equal(t, "alice", job.Labels[labelUserID])
	// User labels are sanitized to the service constraints.
	assert.Equal(t, "run-7", job.Labels["batch"])
}

func TestTranslateTaskEnvironments(t *testing.T) {
	p := newTestProvider()
	spec := sampleJob(t)
	job, err := p.translate(spec)
	require.NoError(t, err)

	group := job.TaskGroups[0]
	assert.Equal(t, int64(1), group.TaskCount)
	require.Len(t, group.TaskEnvironments, 1)
	assert.Equal(t, "na12878", group.TaskEnvironments[0].Variables["SAMPLE"])
}

func TestTranslateDataDisk(t *testing.T) {
	p := newTestProvider()
	spec := sampleJob(t)
	spec.Resources.DiskSizeGB = 500
	job, err := p.translate(spec)
	require.NoError(t, err)

	policy := job.AllocationPolicy.Instances[0].GetPolicy()
	require.Len(t, policy.Disks, 1)
	assert.Equal(t, dataDeviceName, policy.Disks[0].DeviceName)
	assert.Equal(t, int64(500), policy.Disks[0].GetNewDisk().SizeGb)

	volumes := job.TaskGroups[0].TaskSpec.Volumes
	require.Len(t, volumes, 1)
	assert.Equal(t, "/mnt/data", volumes[0].MountPath)
}

func TestTranslateTimeout(t *testing.T) {
	p := newTestProvider()
	spec := sampleJob(t)
	spec.Resources.Timeout = 2 * time.Hour
	job, err := p.translate(spec)
	require.NoError(t, err)

	assert.Equal(t, int64(7200), job.TaskGroups[0].TaskSpec.MaxRunDuration.Seconds)
}

func TestTranslatePreemptibleAndNetwork(t *testing.T) {
	p := newTestProvider()
	spec := sampleJob(t)
	spec.Resources.Preemptible = true
	spec.Resources.Network = "projects/proj/global/networks/vpc"
	spec.Resources.UsePrivateAddr = true
	job, err := p.translate(spec)
	require.NoError(t, err)

	policy := job.AllocationPolicy.Instances[0].GetPolicy()
	assert.Equal(t, batchpb.AllocationPolicy_SPOT, policy.ProvisioningModel)

	nic := job.AllocationPolicy.Network.NetworkInterfaces[0]
	assert.Equal(t, "projects/proj/global/networks/vpc", nic.Network)
	assert.True(t, nic.NoExternalIpAddress)
}

func TestLocationValidation(t *testing.T) {
	p := newTestProvider()

	_, err := p.location(types.Resources{
		Regions: []string{"us-central1"},
		Zones:   []string{"us-central1-a"},
	})
	assert.Error(t, err)

	loc, err := p.location(types.Resources{Regions: []string{"europe-west1"}})
	require.NoError(t, err)
	assert.Equal(t, "europe-west1", loc)

	loc, err = p.location(types.Resources{Zones: []string{"us-east1-b"}})
	require.NoError(t, err)
	assert.Equal(t, "us-central1", loc) // provider default wins over zone derivation

	empty := &Provider{project: "proj"}
	loc, err = empty.location(types.Resources{Zones: []string{"us-east1-b"}})
	require.NoError(t, err)
	assert.Equal(t, "us-east1", loc)
}

func TestMachineType(t *testing.T) {
	tests := []struct {
		name string
		res  types.Resources
		want string
	}{
		{name: "explicit wins", res: types.Resources{MachineType: "n2-standard-8", MinCores: 32}, want: "n2-standard-8"},
		{name: "no hints", res: types.Resources{}, want: "n1-standard-1"},
		{name: "one core", res: types.Resources{MinCores: 1, MinRAMGB: 1}, want: "custom-1-1024"},
		{name: "odd cores round up", res: types.Resources{MinCores: 3, MinRAMGB: 4}, want: "custom-4-4096"},
		{name: "ram floor per core", res: types.Resources{MinCores: 4, MinRAMGB: 1}, want: "custom-4-3840"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, machineType(tt.res))
		})
	}
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "my-job", sanitizeLabel("My Job"))
	assert.Equal(t, "a_b-c", sanitizeLabel("a_b-c"))
	long := sanitizeLabel(string(make([]byte, 100)))
	assert.Len(t, long, 63)
}

func TestMapStates(t *testing.T) {
	assert.Equal(t, types.StatusPending, mapJobState(batchpb.JobStatus_QUEUED))
	assert.Equal(t, types.StatusRunning, mapJobState(batchpb.JobStatus_RUNNING))
	assert.Equal(t, types.StatusSuccess, mapJobState(batchpb.JobStatus_SUCCEEDED))
	assert.Equal(t, types.StatusFailure, mapJobState(batchpb.JobStatus_FAILED))
	assert.Equal(t, types.StatusCanceled, mapJobState(batchpb.JobStatus_DELETION_IN_PROGRESS))

	assert.Equal(t, types.StatusPending, mapTaskState(batchpb.TaskStatus_ASSIGNED))
	assert.Equal(t, types.StatusSuccess, mapTaskState(batchpb.TaskStatus_SUCCEEDED))
}

func TestBatchJobID(t *testing.T) {
	spec := sampleJob(t)
	assert.Equal(t, "align--alice--240601-000000-00", batchJobID(spec))

	spec.Tasks[0].Attempt = 3
	assert.Equal(t, "align--alice--240601-000000-00-a3", batchJobID(spec))
}

func TestAttemptFromName(t *testing.T) {
	spec := sampleJob(t)
	jobID := spec.Metadata.JobID
	parent := "projects/proj/locations/us-central1/jobs/"

	// Round-trip: the suffix batchJobID encodes decodes back.
	for _, n := range []int{2, 3, 10} {
		spec.Tasks[0].Attempt = n
		name := parent + batchJobID(spec)
		assert.Equal(t, n, attemptFromName(name, jobID))
	}

	// No suffix is attempt 1, and the id's own -a runs do not confuse
	// the decoder.
	assert.Equal(t, 1, attemptFromName(parent+"align--alice--240601-000000-00", jobID))
	assert.Equal(t, 1, attemptFromName(parent+"align--alice--240601-000000-00", "align--alice--240601-000000-00"))
	assert.Equal(t, 1, attemptFromName(parent+"other-job", jobID))
}
