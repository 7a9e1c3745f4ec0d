package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataBiosphere/dsub-sub000/pkg/engine"
	"github.com/DataBiosphere/dsub-sub000/pkg/log"
	"github.com/DataBiosphere/dsub-sub000/pkg/objstore"
	"github.com/DataBiosphere/dsub-sub000/pkg/params"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	_ "github.com/DataBiosphere/dsub-sub000/pkg/provider/gcpbatch"
	_ "github.com/DataBiosphere/dsub-sub000/pkg/provider/local"
	"github.com/DataBiosphere/dsub-sub000/pkg/tasksfile"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

var (
	// Common flags
	flagProvider string
	flagProject  string
	flagLocation string
	flagLogging  string
	flagVerbose  bool

	// Submission flags
	flagCommand    string
	flagScript     string
	flagImage      string
	flagName       string
	flagUser       string
	flagEnvs       []string
	flagInputs     []string
	flagInputsRec  []string
	flagOutputs    []string
	flagOutputsRec []string
	flagMounts     []string
	flagLabels     []string
	flagTasks      []string

	// Resource flags
	flagMinCores       float64
	flagMinRAM         float64
	flagMachineType    string
	flagBootDiskSize   int
	flagDiskSize       int
	flagAccelType      string
	flagAccelCount     int64
	flagPreemptible    bool
	flagNetwork        string
	flagSubnetwork     string
	flagPrivateAddress bool
	flagServiceAccount string
	flagScopes         []string
	flagRegions        []string
	flagZones          []string
	flagTimeout        time.Duration

	// Lifecycle flags
	flagAfter        []string
	flagSkip         bool
	flagRetries      int
	flagWait         bool
	flagUniqueJobID  bool
	flagDryRun       bool
	flagPollInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "dsub",
	Short: "Submit batch jobs to run in containers",
	Long: `dsub submits a shell command or script to run in a container on a
pluggable execution backend, staging declared inputs in from object
storage and outputs back when the command succeeds.`,
	SilenceUsage: true,
	RunE:         runSubmit,
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&flagProvider, "provider", "local", "Execution backend (local, google-batch)")
	f.StringVar(&flagProject, "project", "", "Cloud project id")
	f.StringVar(&flagLocation, "location", "", "Cloud location for job submission")
	f.StringVar(&flagLogging, "logging", "", "Logging path or path template")
	f.BoolVar(&flagVerbose, "verbose", false, "Enable debug logging")

	f.StringVar(&flagCommand, "command", "", "Inline shell command to run")
	f.StringVar(&flagScript, "script", "", "Path to a script to run, preserving its basename")
	f.StringVar(&flagImage, "image", "ubuntu:22.04", "Container image reference")
	f.StringVar(&flagName, "name", "", "Job name (default: derived from the script or command)")
	f.StringVar(&flagUser, "user", "", "Submitter identity (default: current user)")
	f.StringArrayVar(&flagEnvs, "env", nil, "Environment variable NAME=VALUE (repeatable)")
	f.StringArrayVar(&flagInputs, "input", nil, "Input NAME=URL or URL (repeatable)")
	f.StringArrayVar(&flagInputsRec, "input-recursive", nil, "Recursive input NAME=URL (repeatable)")
	f.StringArrayVar(&flagOutputs, "output", nil, "Output NAME=URL or URL (repeatable)")
	f.StringArrayVar(&flagOutputsRec, "output-recursive", nil, "Recursive output NAME=URL (repeatable)")
	f.StringArrayVar(&flagMounts, "mount", nil, "Read-only mount NAME=SPEC (repeatable)")
	f.StringArrayVar(&flagLabels, "label", nil, "Job label K=V (repeatable)")
	f.StringArrayVar(&flagTasks, "tasks", nil, "Tasks file, optionally followed by a 1-based row range (m, m-, or m-n)")

	f.Float64Var(&flagMinCores, "min-cores", 0, "Minimum CPU cores")
	f.Float64Var(&flagMinRAM, "min-ram", 0, "Minimum RAM in GB")
	f.StringVar(&flagMachineType, "machine-type", "", "Explicit machine type")
	f.IntVar(&flagBootDiskSize, "boot-disk-size", 0, "Boot disk size in GB")
	f.IntVar(&flagDiskSize, "disk-size", 0, "Data disk size in GB")
	f.StringVar(&flagAccelType, "accelerator-type", "", "Accelerator type")
	f.Int64Var(&flagAccelCount, "accelerator-count", 0, "Accelerator count")
	f.BoolVar(&flagPreemptible, "preemptible", false, "Use preemptible VMs")
	f.StringVar(&flagNetwork, "network", "", "VPC network")
	f.StringVar(&flagSubnetwork, "subnetwork", "", "VPC subnetwork")
	f.BoolVar(&flagPrivateAddress, "use-private-address", false, "Do not attach external IPs")
	f.StringVar(&flagServiceAccount, "service-account", "", "Service account email for job VMs")
	f.StringSliceVar(&flagScopes, "scopes", nil, "Service account scopes")
	f.StringSliceVar(&flagRegions, "regions", nil, "Allowed regions")
	f.StringSliceVar(&flagZones, "zones", nil, "Allowed zones")
	f.DurationVar(&flagTimeout, "timeout", 0, "Maximum attempt wall time (e.g. 2h)")

	f.StringArrayVar(&flagAfter, "after", nil, "Wait for these job ids before submitting")
	f.BoolVar(&flagSkip, "skip", false, "Skip submission when every declared output already exists; prints NO_JOB. With --tasks, an output pattern shared by all tasks skips them all once anything matches it")
	f.IntVar(&flagRetries, "retries", 0, "Retry failed tasks up to N times (implies polling)")
	f.BoolVar(&flagWait, "wait", false, "Block until every task reaches a terminal state")
	f.BoolVar(&flagUniqueJobID, "unique-job-id", false, "Use a UUID-style job id")
	f.BoolVar(&flagDryRun, "dry-run", false, "Validate and print the plan without submitting")
	f.DurationVar(&flagPollInterval, "poll-interval", engine.DefaultPollInterval, "Polling cadence for wait loops")
}

func initLogging() {
	level := log.InfoLevel
	if flagVerbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level})
}

func defaultUser() string {
	if flagUser != "" {
		return flagUser
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func buildScript() (types.Script, error) {
	switch {
	case flagCommand != "" && flagScript != "":
		return types.Script{}, fmt.Errorf("--command and --script are mutually exclusive")
	case flagCommand != "":
		return types.Script{Value: flagCommand + "\n"}, nil
	case flagScript != "":
		data, err := os.ReadFile(flagScript)
		if err != nil {
			return types.Script{}, fmt.Errorf("failed to read script: %w", err)
		}
		return types.Script{Name: filepath.Base(flagScript), Value: string(data)}, nil
	default:
		return types.Script{}, fmt.Errorf("either --command or --script is required")
	}
}

func buildParams() (*params.Set, error) {
	set := &params.Set{}
	namer := params.NewNamer()

	for _, arg := range flagEnvs {
		e, err := params.NewEnv(arg)
		if err != nil {
			return nil, err
		}
		set.Envs = append(set.Envs, e)
	}
	for _, arg := range flagInputs {
		in, err := params.NewInput(arg, false, namer)
		if err != nil {
			return nil, err
		}
		set.Inputs = append(set.Inputs, in)
	}
	for _, arg := range flagInputsRec {
		in, err := params.NewInput(arg, true, namer)
		if err != nil {
			return nil, err
		}
		set.Inputs = append(set.Inputs, in)
	}
	for _, arg := range flagOutputs {
		out, err := params.NewOutput(arg, false, namer)
		if err != nil {
			return nil, err
		}
		set.Outputs = append(set.Outputs, out)
	}
	for _, arg := range flagOutputsRec {
		out, err := params.NewOutput(arg, true, namer)
		if err != nil {
			return nil, err
		}
		set.Outputs = append(set.Outputs, out)
	}
	for _, arg := range flagMounts {
		m, err := params.NewMount(arg)
		if err != nil {
			return nil, err
		}
		set.Mounts = append(set.Mounts, m)
	}
	for _, arg := range flagLabels {
		l, err := params.NewLabel(arg)
		if err != nil {
			return nil, err
		}
		set.Labels = append(set.Labels, l)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

func loadTaskRows() ([]tasksfile.Row, error) {
	if len(flagTasks) == 0 {
		return nil, nil
	}
	// Accept "--tasks FILE RANGE", "--tasks FILE --tasks RANGE", or a
	// single "FILE RANGE" value.
	fields := []string{}
	for _, v := range flagTasks {
		fields = append(fields, strings.Fields(v)...)
	}
	switch len(fields) {
	case 1:
		return tasksfile.ParseFile(fields[0], "")
	case 2:
		return tasksfile.ParseFile(fields[0], fields[1])
	default:
		return nil, fmt.Errorf("--tasks takes a file and an optional range")
	}
}

// newStore builds the storage router, dialing GCS only when something
// in the submission references it.
func newStore(ctx context.Context, rows []tasksfile.Row) (*objstore.Router, error) {
	needGCS := flagProvider == "google-batch" || strings.HasPrefix(flagLogging, "gs://")
	for _, group := range [][]string{flagInputs, flagInputsRec, flagOutputs, flagOutputsRec, flagMounts} {
		for _, v := range group {
			if strings.Contains(v, "gs://") {
				needGCS = true
			}
		}
	}
	for _, row := range rows {
		for _, m := range []map[string]string{row.Params.InputMap(), row.Params.OutputMap()} {
			for _, v := range m {
				if strings.HasPrefix(v, "gs://") {
					needGCS = true
				}
			}
		}
	}

	local := objstore.NewLocalStore()
	if !needGCS {
		return objstore.NewRouter(nil, local), nil
	}
	gcs, err := objstore.NewGCSStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud storage client unavailable: %w", err)
	}
	return objstore.NewRouter(gcs, local), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	initLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	userScript, err := buildScript()
	if err != nil {
		return err
	}
	common, err := buildParams()
	if err != nil {
		return err
	}
	rows, err := loadTaskRows()
	if err != nil {
		return err
	}

	store, err := newStore(ctx, rows)
	if err != nil {
		return err
	}

	prov, err := provider.New(ctx, flagProvider, provider.Options{
		Project:  flagProject,
		Location: flagLocation,
		Store:    store,
	})
	if err != nil {
		return err
	}

	eng := engine.New(prov, store)
	eng.PollInterval = flagPollInterval

	sub := &engine.Submission{
		Script:      userScript,
		Image:       flagImage,
		Name:        flagName,
		User:        defaultUser(),
		LoggingPath: flagLogging,
		Labels:      labelMap(common),
		Resources: types.Resources{
			MinCores:         flagMinCores,
			MinRAMGB:         flagMinRAM,
			MachineType:      flagMachineType,
			BootDiskSizeGB:   flagBootDiskSize,
			DiskSizeGB:       flagDiskSize,
			AcceleratorType:  flagAccelType,
			AcceleratorCount: flagAccelCount,
			Preemptible:      flagPreemptible,
			Network:          flagNetwork,
			Subnetwork:       flagSubnetwork,
			UsePrivateAddr:   flagPrivateAddress,
			ServiceAccount:   flagServiceAccount,
			Scopes:           flagScopes,
			Location:         flagLocation,
			Regions:          flagRegions,
			Zones:            flagZones,
			Timeout:          flagTimeout,
		},
		CommonParams: common,
		TaskRows:     rows,
		After:        flagAfter,
		Skip:         flagSkip,
		Retries:      flagRetries,
		Wait:         flagWait,
		UniqueJobID:  flagUniqueJobID,
		DryRun:       flagDryRun,
	}

	result, err := eng.Run(ctx, sub)
	if result != nil && result.Plan != "" {
		fmt.Print(result.Plan)
		return nil
	}
	if result != nil {
		fmt.Println(result.JobID)
	}
	if err != nil {
		if errors.Is(err, engine.ErrTasksFailed) {
			// The job id has been printed; keep the failure terse and
			// let the exit status carry it.
			return fmt.Errorf("job did not complete successfully")
		}
		return err
	}

	// Local orchestrators run in this process; stay alive until their
	// workspace writes are complete.
	if waiter, ok := prov.(interface{ Wait() }); ok {
		waiter.Wait()
	}
	return nil
}

func labelMap(set *params.Set) map[string]string {
	if len(set.Labels) == 0 {
		return nil
	}
	return set.LabelMap()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
