package gcpbatch

import (
	"fmt"
	"math"
	"path"
	"regexp"
	"strings"

	"cloud.google.com/go/batch/apiv1/batchpb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/DataBiosphere/dsub-sub000/pkg/localize"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	"github.com/DataBiosphere/dsub-sub000/pkg/script"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// cloudSDKImage runs the localize, delocalize, and logging runnables.
const cloudSDKImage = "gcr.io/google.com/cloudsdktool/google-cloud-cli:slim"

// Batch label keys carrying dsub identity, used to find jobs on Lookup.
const (
	labelJobID   = "dsub-job-id"
	labelJobName = "dsub-job-name"
	labelUserID  = "dsub-user-id"
	labelTaskID  = "dsub-task-id"
)

var labelInvalidChars = regexp.MustCompile(`[^-_a-z0-9]`)

// sanitizeLabel folds a value into the external service's label
// constraints: lowercase, restricted charset, 63 characters.
func sanitizeLabel(v string) string {
	v = strings.ToLower(v)
	v = labelInvalidChars.ReplaceAllString(v, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return v
}

// machineType picks the smallest custom machine shape satisfying both
// minimum cores and minimum RAM, unless the user named an explicit type.
// Custom shapes require an even vCPU count (or 1) and memory in 256 MB
// steps.
func machineType(res types.Resources) string {
	if res.MachineType != "" {
		return res.MachineType
	}
	if res.MinCores == 0 && res.MinRAMGB == 0 {
		return "n1-standard-1"
	}

	cores := int(math.Ceil(res.MinCores))
	if cores < 1 {
		cores = 1
	}
	if cores > 1 && cores%2 != 0 {
		cores++
	}

	memMB := int(math.Ceil(res.MinRAMGB * 1024))
	// Custom shapes demand at least 0.9 GB per vCPU.
	if min := int(float64(cores) * 0.9 * 1024); memMB < min {
		memMB = min
	}
	if rem := memMB % 256; rem != 0 {
		memMB += 256 - rem
	}
	return fmt.Sprintf("custom-%d-%d", cores, memMB)
}

// location picks the Batch API parent location: the explicit location,
// else the single configured region.
func (p *Provider) location(res types.Resources) (string, error) {
	if len(res.Regions) > 0 && len(res.Zones) > 0 {
		return "", fmt.Errorf("exactly one of regions or zones may be set, not both")
	}
	if res.Location != "" {
		return res.Location, nil
	}
	if len(res.Regions) > 0 {
		return res.Regions[0], nil
	}
	if p.location_ != "" {
		return p.location_, nil
	}
	if len(res.Zones) > 0 {
		// Zones look like us-central1-a; the parent is the region.
		z := res.Zones[0]
		if i := strings.LastIndex(z, "-"); i > 0 {
			return z[:i], nil
		}
	}
	return "", fmt.Errorf("no location, region, or zone configured")
}

// translate renders one dsub job as a single Batch job: a task group
// with one task per dsub task, each running localize-in, the wrapped
// user command, delocalize-out, and a logging runnable.
func (p *Provider) translate(job *provider.JobSpec) (*batchpb.Job, error) {
	if len(job.Tasks) == 0 {
		return nil, fmt.Errorf("job has no tasks")
	}

	// All tasks share the same shapes; per-task values arrive through
	// task environments.
	first := job.Tasks[0]

	prepare := strings.Join(localize.PrepareCommands(first.Params), "\n") +
		fmt.Sprintf("\nmkdir -p %q\n", path.Join(types.DataMountPoint, ".logging"))
	localizeIn := strings.Join(localize.InCommands(first.Params), "\n")
	delocalizeOut := strings.Join(localize.OutCommands(first.Params), "\n")

	wrapper := script.Build(job.Script, first.Params)
	scriptName := job.Script.Name
	if scriptName == "" {
		scriptName = script.DefaultScriptName
	}

	logPaths := provider.ResolveLoggingPath(
		job.LoggingPath, job.Metadata.JobID, job.Metadata.JobName,
		"", job.Metadata.UserID, attemptOf(first))

	runnables := []*batchpb.Runnable{
		{
			Labels: map[string]string{"dsub-runnable": "prepare"},
			Executable: &batchpb.Runnable_Container_{
				Container: &batchpb.Runnable_Container{
					ImageUri:   cloudSDKImage,
					Entrypoint: "/bin/bash",
					Commands: []string{"-c", prepare + "\n" +
						writeFileCommand(script.ContainerScriptPath(scriptName), job.Script.Value) +
						writeFileCommand(script.ContainerScriptPath("runner.sh"), wrapper)},
					Volumes: []string{dataVolume},
				},
			},
		},
		{
			Labels: map[string]string{"dsub-runnable": "localize"},
			Executable: &batchpb.Runnable_Container_{
				Container: &batchpb.Runnable_Container{
					ImageUri:   cloudSDKImage,
					Entrypoint: "/bin/bash",
					Commands:   []string{"-c", localizeIn},
					Volumes:    []string{dataVolume},
				},
			},
		},
		{
			Labels:     map[string]string{"dsub-runnable": "logging"},
			Background: true,
			Executable: &batchpb.Runnable_Container_{
				Container: &batchpb.Runnable_Container{
					ImageUri:   cloudSDKImage,
					Entrypoint: "/bin/bash",
					Commands:   []string{"-c", loggingLoop(logPaths)},
					Volumes:    []string{dataVolume},
				},
			},
		},
		{
			Labels: map[string]string{"dsub-runnable": "user-command"},
			Executable: &batchpb.Runnable_Container_{
				Container: &batchpb.Runnable_Container{
					ImageUri:   job.Image,
					Entrypoint: "/bin/bash",
					Commands: []string{"-c", fmt.Sprintf("bash %q > %q 2> %q",
						script.ContainerScriptPath("runner.sh"),
						containerLogPath("stdout.log"), containerLogPath("stderr.log"))},
					Volumes: []string{dataVolume},
				},
			},
		},
		{
			Labels: map[string]string{"dsub-runnable": "delocalize"},
			Executable: &batchpb.Runnable_Container_{
				Container: &batchpb.Runnable_Container{
					ImageUri:   cloudSDKImage,
					Entrypoint: "/bin/bash",
					Commands:   []string{"-c", delocalizeOut},
					Volumes:    []string{dataVolume},
				},
			},
		},
		{
			Labels:    map[string]string{"dsub-runnable": "final-logging"},
			AlwaysRun: true,
			Executable: &batchpb.Runnable_Container_{
				Container: &batchpb.Runnable_Container{
					ImageUri:   cloudSDKImage,
					Entrypoint: "/bin/bash",
					Commands:   []string{"-c", uploadLogsOnce(logPaths)},
					Volumes:    []string{dataVolume},
				},
			},
		},
	}

	taskSpec := &batchpb.TaskSpec{
		Runnables: runnables,
		Volumes: []*batchpb.Volume{
			{
				Source:    &batchpb.Volume_DeviceName{DeviceName: dataDeviceName},
				MountPath: types.DataMountPoint,
			},
		},
	}

	// Bucket mounts attach read-only as GCS volumes.
	for _, m := range first.Params.Mounts {
		rest, ok := strings.CutPrefix(m.Raw, "gs://")
		if !ok {
			return nil, fmt.Errorf("mount %s: %q is not a gs:// path", m.Name, m.Raw)
		}
		taskSpec.Volumes = append(taskSpec.Volumes, &batchpb.Volume{
			Source:       &batchpb.Volume_Gcs{Gcs: &batchpb.GCS{RemotePath: rest}},
			MountPath:    m.ContainerPath(),
			MountOptions: []string{"ro"},
		})
	}

	if job.Resources.MinCores > 0 || job.Resources.MinRAMGB > 0 {
		taskSpec.ComputeResource = &batchpb.ComputeResource{
			CpuMilli:  int64(job.Resources.MinCores * 1000),
			MemoryMib: int64(job.Resources.MinRAMGB * 1024),
		}
	}
	if job.Resources.Timeout > 0 {
		taskSpec.MaxRunDuration = durationpb.New(job.Resources.Timeout)
	}

	group := &batchpb.TaskGroup{
		TaskSpec:  taskSpec,
		TaskCount: int64(len(job.Tasks)),
	}
	for _, task := range job.Tasks {
		env := map[string]string{}
		for name, value := range task.Params.EnvMap() {
			env[name] = value
		}
		group.TaskEnvironments = append(group.TaskEnvironments, &batchpb.Environment{Variables: env})
	}

	policy := &batchpb.AllocationPolicy{
		Instances: []*batchpb.AllocationPolicy_InstancePolicyOrTemplate{
			{
				PolicyTemplate: &batchpb.AllocationPolicy_InstancePolicyOrTemplate_Policy{
					Policy: instancePolicy(job.Resources),
				},
			},
		},
	}
	if job.Resources.ServiceAccount != "" {
		policy.ServiceAccount = &batchpb.ServiceAccount{
			Email:  job.Resources.ServiceAccount,
			Scopes: job.Resources.Scopes,
		}
	}
	if len(job.Resources.Zones) > 0 {
		allowed := make([]string, 0, len(job.Resources.Zones))
		for _, z := range job.Resources.Zones {
			allowed = append(allowed, "zones/"+z)
		}
		policy.Location = &batchpb.AllocationPolicy_LocationPolicy{AllowedLocations: allowed}
	}
	if job.Resources.Network != "" || job.Resources.Subnetwork != "" || job.Resources.UsePrivateAddr {
		policy.Network = &batchpb.AllocationPolicy_NetworkPolicy{
			NetworkInterfaces: []*batchpb.AllocationPolicy_NetworkInterface{
				{
					Network:            job.Resources.Network,
					Subnetwork:         job.Resources.Subnetwork,
					NoExternalIpAddress: job.Resources.UsePrivateAddr,
				},
			},
		}
	}

	labels := map[string]string{
		labelJobID:   sanitizeLabel(job.Metadata.JobID),
		labelJobName: sanitizeLabel(job.Metadata.JobName),
		labelUserID:  sanitizeLabel(job.Metadata.UserID),
	}
	for k, v := range job.Metadata.Labels {
		labels[sanitizeLabel(k)] = sanitizeLabel(v)
	}

	return &batchpb.Job{
		TaskGroups:       []*batchpb.TaskGroup{group},
		AllocationPolicy: policy,
		Labels:           labels,
		LogsPolicy: &batchpb.LogsPolicy{
			Destination: batchpb.LogsPolicy_CLOUD_LOGGING,
		},
	}, nil
}

const (
	dataDeviceName = "dsub-data"
	dataVolume     = "/mnt/data:/mnt/data:rw"
)

func instancePolicy(res types.Resources) *batchpb.AllocationPolicy_InstancePolicy {
	policy := &batchpb.AllocationPolicy_InstancePolicy{
		MachineType: machineType(res),
	}
	if res.Preemptible {
		policy.ProvisioningModel = batchpb.AllocationPolicy_SPOT
	}
	if res.BootDiskSizeGB > 0 {
		policy.BootDisk = &batchpb.AllocationPolicy_Disk{
			SizeGb: int64(res.BootDiskSizeGB),
		}
	}
	dataDiskGB := int64(res.DiskSizeGB)
	if dataDiskGB == 0 {
		dataDiskGB = 200
	}
	policy.Disks = []*batchpb.AllocationPolicy_AttachedDisk{
		{
			DeviceName: dataDeviceName,
			Attached: &batchpb.AllocationPolicy_AttachedDisk_NewDisk{
				NewDisk: &batchpb.AllocationPolicy_Disk{
					Type:   "pd-standard",
					SizeGb: dataDiskGB,
				},
			},
		},
	}
	if res.AcceleratorType != "" {
		count := res.AcceleratorCount
		if count == 0 {
			count = 1
		}
		policy.Accelerators = []*batchpb.AllocationPolicy_Accelerator{
			{Type: res.AcceleratorType, Count: count},
		}
	}
	return policy
}

func attemptOf(t provider.Task) int {
	if t.Attempt == 0 {
		return 1
	}
	return t.Attempt
}

func containerLogPath(name string) string {
	return path.Join(types.DataMountPoint, ".logging", name)
}

// writeFileCommand renders a heredoc that materializes file content on
// the data disk with execute permissions.
func writeFileCommand(dst, content string) string {
	return fmt.Sprintf("mkdir -p %q\ncat > %q <<'DSUB_EOF'\n%s\nDSUB_EOF\nchmod 755 %q\n",
		path.Dir(dst), dst, strings.TrimSuffix(content, "\n"), dst)
}

// loggingLoop uploads the log files every five minutes until the task
// group tears the background runnable down.
func loggingLoop(lp provider.LogPaths) string {
	return fmt.Sprintf("while true; do sleep 300; %s done", uploadLogsOnce(lp))
}

func uploadLogsOnce(lp provider.LogPaths) string {
	var b strings.Builder
	// The main log is the two streams concatenated.
	fmt.Fprintf(&b, "cat %q %q > %q 2>/dev/null || true; ",
		containerLogPath("stdout.log"), containerLogPath("stderr.log"), containerLogPath("log.txt"))
	pairs := []struct{ local, remote string }{
		{containerLogPath("log.txt"), lp.Main},
		{containerLogPath("stdout.log"), lp.Stdout},
		{containerLogPath("stderr.log"), lp.Stderr},
	}
	for _, pair := range pairs {
		fmt.Fprintf(&b, "if [[ -f %q ]]; then gcloud storage cp %q %q; fi; ", pair.local, pair.local, pair.remote)
	}
	return b.String()
}
