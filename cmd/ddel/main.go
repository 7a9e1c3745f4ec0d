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
)

var (
	flagProvider string
	flagProject  string
	flagLocation string
	flagVerbose  bool

	flagJobs   []string
	flagTasks  []string
	flagUsers  []string
	flagLabels []string
	flagAge    string
)

var rootCmd = &cobra.Command{
	Use:          "ddel",
	Short:        "Cancel running batch jobs",
	SilenceUsage: true,
	RunE:         runDelete,
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&flagProvider, "provider", "local", "Execution backend (local, google-batch)")
	f.StringVar(&flagProject, "project", "", "Cloud project id")
	f.StringVar(&flagLocation, "location", "", "Cloud location")
	f.BoolVar(&flagVerbose, "verbose", false, "Enable debug logging")

	f.StringSliceVar(&flagJobs, "jobs", nil, "Job ids to cancel ('*' with --users for all)")
	f.StringSliceVar(&flagTasks, "tasks", nil, "Task ids to cancel")
	f.StringSliceVar(&flagUsers, "users", nil, "Users whose jobs to cancel")
	f.StringArrayVar(&flagLabels, "label", nil, "Label K=V to match (repeatable)")
	f.StringVar(&flagAge, "age", "", "Only attempts newer than this (e.g. 3d, 12h)")
}

func runDelete(cmd *cobra.Command, args []string) error {
	level := log.ErrorLevel
	if flagVerbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level})

	if len(flagJobs) == 0 {
		return fmt.Errorf("--jobs is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	filter := provider.Filter{
		JobIDs:  flagJobs,
		TaskIDs: flagTasks,
		Users:   flagUsers,
	}
	if len(flagLabels) > 0 {
		filter.Labels = map[string]string{}
		for _, kv := range flagLabels {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("--label must be K=V, got %q", kv)
			}
			filter.Labels[k] = v
		}
	}
	cutoff, err := status.ParseAge(flagAge, time.Now())
	if err != nil {
		return err
	}
	filter.CreatedAfter = cutoff

	prov, err := provider.New(ctx, flagProvider, provider.Options{
		Project:  flagProject,
		Location: flagLocation,
	})
	if err != nil {
		return err
	}

	count, err := status.New(prov).Cancel(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Printf("Canceled %d task(s)\n", count)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
