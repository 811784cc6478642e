package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/nsgswap/internal/failover"
	"github.com/yairfalse/nsgswap/internal/journal"
)

func checkFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown output format %q (text, json, yaml)", format)
}

// encode writes v as json or yaml. It returns false for the text format.
func encode(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return true, enc.Encode(v)
	}
	return false, nil
}

func renderPlan(w io.Writer, plan *failover.Plan, format string) error {
	if done, err := encode(w, format, plan); done {
		return err
	}
	fmt.Fprintf(w, "Plan %s\n", plan.Name)
	fmt.Fprintf(w, "  elastic IP:       %s\n", plan.ElasticIP)
	fmt.Fprintf(w, "  access interface: %s\n\n", plan.AccessInterface)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPHASE\tOPERATION\tTARGET")
	for i, s := range plan.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, s.Phase, s.Op, s.Target())
	}
	return tw.Flush()
}

func renderResult(w io.Writer, res *failover.Result, format string) error {
	if done, err := encode(w, format, res); done {
		return err
	}
	fmt.Fprintf(w, "Run %s (%s)\n\n", res.RunID, res.Plan)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tOPERATION\tTARGET\tSTATUS\tDURATION")
	for _, s := range res.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Index+1, s.Step.Op, s.Step.Target(), s.Status, s.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nphase %s: %d applied, %d skipped in %s\n",
		res.Phase, res.Count(failover.StatusApplied), res.Count(failover.StatusSkipped), res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintf(w, "error: %s\n", res.Error)
	}
	return nil
}

func renderRuns(w io.Writer, runs []journal.Run, format string) error {
	if done, err := encode(w, format, runs); done {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REV\tRUN\tPLAN\tPHASE\tSTARTED\tERROR")
	for _, r := range runs {
		name := ""
		if r.Plan != nil {
			name = r.Plan.Name
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Rev, r.ID, name, r.Phase, r.Started.Format(time.RFC3339), r.Error)
	}
	return tw.Flush()
}
