// Package status is the thin dispatch layer behind dstat and ddel:
// lookup with filters, optional blocking until terminal, summary
// aggregation, and rendering as text, YAML, or JSON.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/DataBiosphere/dsub-sub000/pkg/log"
	"github.com/DataBiosphere/dsub-sub000/pkg/provider"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// Format selects the rendering of status output.
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Engine wraps a provider's Lookup and Cancel.
type Engine struct {
	provider     provider.Provider
	logger       zerolog.Logger
	PollInterval time.Duration
}

// New builds a status engine over one provider.
func New(p provider.Provider) *Engine {
	return &Engine{
		provider:     p,
		logger:       log.WithComponent("status"),
		PollInterval: 10 * time.Second,
	}
}

// Lookup fetches matching attempts and normalizes derived fields: a
// terminal attempt always carries an end time and a terminal final
// event, even when the backend omitted them.
func (e *Engine) Lookup(ctx context.Context, f provider.Filter) ([]*types.Attempt, error) {
	attempts, err := e.provider.Lookup(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, a := range attempts {
		normalize(a)
	}
	return attempts, nil
}

// Wait polls until every matched attempt's task reaches a terminal
// state, returning the final set.
func (e *Engine) Wait(ctx context.Context, f provider.Filter) ([]*types.Attempt, error) {
	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()

	for {
		attempts, err := e.Lookup(ctx, f)
		if err != nil {
			return nil, err
		}
		done := len(attempts) > 0
		for _, a := range attempts {
			if !a.Status.Terminal() {
				done = false
				break
			}
		}
		if done {
			return attempts, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return attempts, ctx.Err()
		}
	}
}

// Cancel terminates matching attempts and reports how many transitions
// the backend accepted. Cancel is idempotent; terminal attempts are
// unaffected.
func (e *Engine) Cancel(ctx context.Context, f provider.Filter) (int, error) {
	return e.provider.Cancel(ctx, f)
}

func normalize(a *types.Attempt) {
	if !a.Status.Terminal() {
		return
	}
	if a.EndTime.IsZero() {
		if last := a.LastEvent(); last != nil {
			a.EndTime = last.Timestamp
		} else {
			a.EndTime = a.CreateTime
		}
	}
	want := types.EventOK
	switch a.Status {
	case types.StatusFailure:
		want = types.EventFail
	case types.StatusCanceled:
		want = types.EventCanceled
	}
	if last := a.LastEvent(); last == nil || last.Name != want {
		a.Events = append(a.Events, types.Event{Name: want, Timestamp: a.EndTime})
	}
}

// SummaryRow aggregates attempts by (job name, status).
type SummaryRow struct {
	JobName string `yaml:"job-name" json:"job-name"`
	Status  string `yaml:"status" json:"status"`
	Count   int    `yaml:"task-count" json:"task-count"`
}

// Summarize produces the --summary table in stable order.
func Summarize(attempts []*types.Attempt) []SummaryRow {
	type key struct {
		name   string
		status string
	}
	counts := map[key]int{}
	for _, a := range attempts {
		counts[key{a.JobName, string(a.ReportedStatus())}]++
	}

	rows := make([]SummaryRow, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, SummaryRow{JobName: k.name, Status: k.status, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].JobName != rows[j].JobName {
			return rows[i].JobName < rows[j].JobName
		}
		return rows[i].Status < rows[j].Status
	})
	return rows
}

// row is the default (non-full) view of one attempt.
type row struct {
	JobID      string `yaml:"job-id" json:"job-id"`
	JobName    string `yaml:"job-name" json:"job-name"`
	TaskID     string `yaml:"task-id,omitempty" json:"task-id,omitempty"`
	Status     string `yaml:"status" json:"status"`
	StatusTime string `yaml:"last-update,omitempty" json:"last-update,omitempty"`
}

const timeFormat = "2006-01-02 15:04:05"

func toRow(a *types.Attempt) row {
	updated := a.CreateTime
	if last := a.LastEvent(); last != nil {
		updated = last.Timestamp
	}
	return row{
		JobID:      a.JobID,
		JobName:    a.JobName,
		TaskID:     a.TaskID,
		Status:     string(a.ReportedStatus()),
		StatusTime: updated.Format(timeFormat),
	}
}

// Render formats attempts for display. Full output includes the whole
// attempt record; the default view is the short row form.
func Render(attempts []*types.Attempt, format Format, full bool) (string, error) {
	switch format {
	case FormatYAML, "":
		if full {
			data, err := yaml.Marshal(attempts)
			return string(data), err
		}
		rows := make([]row, 0, len(attempts))
		for _, a := range attempts {
			rows = append(rows, toRow(a))
		}
		data, err := yaml.Marshal(rows)
		return string(data), err

	case FormatJSON:
		if full {
			data, err := json.MarshalIndent(attempts, "", "  ")
			return string(data), err
		}
		rows := make([]row, 0, len(attempts))
		for _, a := range attempts {
			rows = append(rows, toRow(a))
		}
		data, err := json.MarshalIndent(rows, "", "  ")
		return string(data), err

	case FormatText:
		return renderText(attempts, full), nil

	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}

func renderText(attempts []*types.Attempt, full bool) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)

	if full {
		fmt.Fprintln(w, "Job ID\tJob Name\tTask\tAttempt\tStatus\tDetail\tCreated\tEnded")
		for _, a := range attempts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				a.JobID, a.JobName, a.TaskID, a.TaskAttempt,
				a.ReportedStatus(), a.StatusDetail,
				a.CreateTime.Format(timeFormat), formatTime(a.EndTime))
		}
	} else {
		fmt.Fprintln(w, "Job Name\tTask\tStatus\tLast Update")
		for _, a := range attempts {
			r := toRow(a)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.JobName, r.TaskID, r.Status, r.StatusTime)
		}
	}
	w.Flush()
	return b.String()
}

// RenderSummary formats the aggregate table.
func RenderSummary(rows []SummaryRow, format Format) (string, error) {
	switch format {
	case FormatYAML, "":
		data, err := yaml.Marshal(rows)
		return string(data), err
	case FormatJSON:
		data, err := json.MarshalIndent(rows, "", "  ")
		return string(data), err
	case FormatText:
		var b strings.Builder
		w := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "Job Name\tStatus\tTask Count")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%d\n", r.JobName, r.Status, r.Count)
		}
		w.Flush()
		return b.String(), nil
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeFormat)
}

// ParseAge converts an --age value like 3d, 12h, 30m, 45s, or 2w into
// the create-time cutoff it implies.
func ParseAge(age string, now time.Time) (time.Time, error) {
	if age == "" {
		return time.Time{}, nil
	}
	unit := age[len(age)-1]
	var n int
	if _, err := fmt.Sscanf(age[:len(age)-1], "%d", &n); err != nil || n < 0 {
		return time.Time{}, fmt.Errorf("invalid age %q", age)
	}
	var d time.Duration
	switch unit {
	case 's':
		d = time.Duration(n) * time.Second
	case 'm':
		d = time.Duration(n) * time.Minute
	case 'h':
		d = time.Duration(n) * time.Hour
	case 'd':
		d = time.Duration(n) * 24 * time.Hour
	case 'w':
		d = time.Duration(n) * 7 * 24 * time.Hour
	default:
		return time.Time{}, fmt.Errorf("invalid age %q: unit must be one of s, m, h, d, w", age)
	}
	return now.Add(-d), nil
}
