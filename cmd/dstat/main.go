package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataBiosphere/dsub-sub000/pkg/log"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	_ "github.com/DataBiosphere/dsub-sub000/pkg/provider/gcpbatch"
	_ "github.com/DataBiosphere/dsub-sub000/pkg/provider/local"
	"github.com/DataBiosphere/dsub-sub000/pkg/status"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

var (
	flagProvider string
	flagProject  string
	flagLocation string
	flagVerbose  bool

	flagJobs     []string
	flagNames    []string
	flagUsers    []string
	flagStatuses []string
	flagLabels   []string
	flagTasks    []string
	flagAttempt  int
	flagAge      string

	flagFull         bool
	flagFormat       string
	flagSummary      bool
	flagWait         bool
	flagPollInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "dstat",
	Short:        "Report the status of batch jobs",
	SilenceUsage: true,
	RunE:         runStatus,
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&flagProvider, "provider", "local", "Execution backend (local, google-batch)")
	f.StringVar(&flagProject, "project", "", "Cloud project id")
	f.StringVar(&flagLocation, "location", "", "Cloud location")
	f.BoolVar(&flagVerbose, "verbose", false, "Enable debug logging")

	f.StringSliceVar(&flagJobs, "jobs", nil, "Job ids to match")
	f.StringSliceVar(&flagNames, "names", nil, "Job names to match")
	f.StringSliceVar(&flagUsers, "users", nil, "Users to match ('*' for all)")
	f.StringSliceVar(&flagStatuses, "status", []string{"RUNNING"}, "Statuses to match ('*' for all)")
	f.StringArrayVar(&flagLabels, "label", nil, "Label K=V to match (repeatable)")
	f.StringSliceVar(&flagTasks, "tasks", nil, "Task ids to match")
	f.IntVar(&flagAttempt, "attempts", 0, "Attempt number to match")
	f.StringVar(&flagAge, "age", "", "Only attempts newer than this (e.g. 3d, 12h)")

	f.BoolVar(&flagFull, "full", false, "Show the complete attempt records")
	f.StringVar(&flagFormat, "format", "yaml", "Output format (text, yaml, json)")
	f.BoolVar(&flagSummary, "summary", false, "Aggregate attempts by (job name, status)")
	f.BoolVar(&flagWait, "wait", false, "Poll until all matched tasks reach a terminal state")
	f.DurationVar(&flagPollInterval, "poll-interval", 10*time.Second, "Polling cadence for --wait")
}

func buildFilter() (provider.Filter, error) {
	f := provider.Filter{
		JobIDs:      flagJobs,
		JobNames:    flagNames,
		Users:       flagUsers,
		TaskIDs:     flagTasks,
		TaskAttempt: flagAttempt,
	}

	for _, s := range flagStatuses {
		f.Statuses = append(f.Statuses, types.Status(s))
	}

	if len(flagLabels) > 0 {
		f.Labels = map[string]string{}
		for _, kv := range flagLabels {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return f, fmt.Errorf("--label must be K=V, got %q", kv)
			}
			f.Labels[k] = v
		}
	}

	cutoff, err := status.ParseAge(flagAge, time.Now())
	if err != nil {
		return f, err
	}
	f.CreatedAfter = cutoff
	return f, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	level := log.ErrorLevel
	if flagVerbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	filter, err := buildFilter()
	if err != nil {
		return err
	}

	prov, err := provider.New(ctx, flagProvider, provider.Options{
		Project:  flagProject,
		Location: flagLocation,
	})
	if err != nil {
		return err
	}

	eng := status.New(prov)
	eng.PollInterval = flagPollInterval

	var attempts []*types.Attempt
	if flagWait {
		attempts, err = eng.Wait(ctx, filter)
	} else {
		attempts, err = eng.Lookup(ctx, filter)
	}
	if err != nil {
		return err
	}

	var out string
	if flagSummary {
		out, err = status.RenderSummary(status.Summarize(attempts), status.Format(flagFormat))
	} else {
		out, err = status.Render(attempts, status.Format(flagFormat), flagFull)
	}
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
