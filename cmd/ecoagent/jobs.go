package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type clientFlags struct {
	api    string
	token  string
	output string
}

func (f *clientFlags) client() *apiClient { return newAPIClient(f.api, f.token) }

func (f *clientFlags) json() bool { return f.output == "json" }

func jobsCMD() *cobra.Command {
	flags := &clientFlags{}
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect jobs on a running API",
	}
	jobs.PersistentFlags().StringVar(&flags.api, "api", getenv("ECOAGENT_API", "http://localhost:10001"), "API base URL")
	jobs.PersistentFlags().StringVar(&flags.token, "token", getenv("ECOAGENT_TOKEN", ""), "bearer token")
	jobs.PersistentFlags().StringVarP(&flags.output, "output", "o", "table", "output format: table or json")

	jobs.AddCommand(
		jobsSubmitCMD(flags),
		jobsStatusCMD(flags),
		jobsListCMD(flags),
		jobsResultCMD(flags),
		jobsCancelCMD(flags),
		jobsSearchCMD(flags),
	)
	return jobs
}

func jobsSubmitCMD(flags *clientFlags) *cobra.Command {
	var source, mode string
	var wait bool
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "submit [url...]",
		Short: "Submit explicit URLs or a catalog source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && source == "" {
				return fmt.Errorf("pass at least one url or --source")
			}
			c := flags.client()
			id, err := c.Submit(cmd.Context(), streams.JobRequested{URLs: args, Source: source, AnalysisMode: mode})
			if err != nil {
				return err
			}
			if !wait {
				if flags.json() {
					return writeJSON(cmd.OutOrStdout(), map[string]string{"job_id": id})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job submitted: %s\n", id)
				return nil
			}
			res, err := c.WaitResult(cmd.Context(), id, poll)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, flags.json())
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "catalog source id")
	cmd.Flags().StringVar(&mode, "mode", "", "analysis mode: none, standard or enriched")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes and print its result")
	cmd.Flags().DurationVar(&poll, "poll", 2*time.Second, "poll interval with --wait")
	return cmd
}

func jobsStatusCMD(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job phase and per-URL progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := flags.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flags.json() {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s (%s)\n", snap.JobID, snap.Status, snap.Phase)
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("URL", "State", "Strategy", "Attempts", "Error")
			for _, u := range snap.PerURL {
				table.Append(u.URL, string(u.State), string(u.Strategy), strconv.Itoa(u.Attempts), taskErr(u.Error))
			}
			return table.Render()
		},
	}
}

func jobsListCMD(flags *clientFlags) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := flags.client().List(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if flags.json() {
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Job", "Status", "Phase", "Source", "URLs", "Created")
			for _, j := range jobs {
				table.Append(j.JobID, string(j.Status), string(j.Phase), j.Source, strconv.Itoa(len(j.PerURL)), j.CreatedAt.Format(time.RFC3339))
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, running, completed, partial or failed")
	cmd.Flags().IntVar(&limit, "limit", 0, "max jobs (server default 50)")
	return cmd
}

func jobsResultCMD(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Print the aggregated indicators of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, ready, err := flags.client().Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ready {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s is still running\n", args[0])
				return nil
			}
			return printResult(cmd.OutOrStdout(), res, flags.json())
		},
	}
}

func jobsCancelCMD(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s canceling\n", args[0])
			return nil
		},
	}
}

func jobsSearchCMD(flags *clientFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over recently extracted indicators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := flags.client().Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if flags.json() {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("#", "Indicator", "Value", "Period", "Domain", "Score")
			for _, h := range resp.Hits {
				table.Append(strconv.Itoa(h.Rank), h.Name, formatValue(h.Value, h.Unit), h.Period, h.Domain, fmt.Sprintf("%.3f", h.Score))
			}
			return table.Render()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max hits")
	return cmd
}

func printResult(w io.Writer, res core.JobResult, asJSON bool) error {
	if asJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "Job %s: %s, %d indicator(s) kept of %d\n", res.JobID, res.Status, res.Stats.Kept, res.Stats.Input)
	if res.Error != nil {
		fmt.Fprintf(w, "Error: %s\n", taskErr(res.Error))
	}
	table := tablewriter.NewWriter(w)
	table.Header("Indicator", "Value", "Period", "Category", "Confidence", "Source")
	for _, ind := range res.Indicators {
		table.Append(ind.Name, formatValue(ind.Value, ind.Unit), ind.Period, ind.Category, fmt.Sprintf("%.2f", ind.Confidence), ind.SourceURL)
	}
	return table.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatValue(v float64, unit string) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if unit != "" {
		s += " " + unit
	}
	return s
}

func taskErr(e *core.TaskError) string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}
