package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	commoncli "github.com/twitter/pipesched/common/client"
	"github.com/twitter/pipesched/scheduler/domain"
)

type runCmd struct {
	userID string
}

func (c *runCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "run PROJECT JOB [JOB...]",
		Short: "Start a run of the given jobs",
	}
	r.Flags().StringVar(&c.userID, "user", "", "User requesting the run")
	return r
}

func (c *runCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	if err := needArgs(args, 2, "PROJECT JOB..."); err != nil {
		return err
	}
	log.Infof("Starting run of %v in %s", args[1:], args[0])
	runID, err := cl.Client.CreateRun(cmd.Context(), args[0], args[1:], c.userID)
	if err != nil {
		return err
	}
	if cl.JSON {
		return printJSON(cmd.OutOrStdout(), map[string]int64{"runId": runID})
	}
	fmt.Fprintln(cmd.OutOrStdout(), runID)
	return nil
}

type listRunsCmd struct{}

func (c *listRunsCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "runs PROJECT",
		Short: "List the runs of a project, oldest first",
	}
}

func (c *listRunsCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	if err := needArgs(args, 1, "PROJECT"); err != nil {
		return err
	}
	runs, err := cl.Client.ListRuns(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if cl.JSON {
		return printJSON(cmd.OutOrStdout(), runs)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tCREATED\tJOBS")
	for _, r := range runs {
		ids := make([]string, len(r.Jobs))
		for i, j := range r.Jobs {
			ids[i] = j.JobID
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.RequireID(), r.Status, r.Timestamp.Format(time.RFC3339), strings.Join(ids, ","))
	}
	return w.Flush()
}

type statusCmd struct{}

func (c *statusCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "status PROJECT RUN",
		Short: "Show a run and the cluster jobs of each of its jobs",
	}
}

func (c *statusCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	if err := needArgs(args, 2, "PROJECT RUN"); err != nil {
		return err
	}
	runID, err := parseRunID(args[1])
	if err != nil {
		return err
	}
	data, err := cl.Client.GetRun(cmd.Context(), args[0], runID)
	if err != nil {
		return err
	}
	if cl.JSON {
		return printJSON(cmd.OutOrStdout(), data)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %d: %s\n", data.ID, data.Status)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATUS\tCLUSTER JOBS")
	for _, j := range data.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", j.JobID, j.Status, clusterSummary(j.ClusterJobs))
	}
	return w.Flush()
}

func clusterSummary(jobs []domain.ClusterJobData) string {
	if len(jobs) == 0 {
		return "-"
	}
	parts := make([]string, len(jobs))
	for i, cj := range jobs {
		parts[i] = fmt.Sprintf("%s:%s", cj.Record.ID, cj.Status)
	}
	return strings.Join(parts, " ")
}

type cancelCmd struct{}

func (c *cancelCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel PROJECT RUN",
		Short: "Cancel a run",
	}
}

func (c *cancelCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	if err := needArgs(args, 2, "PROJECT RUN"); err != nil {
		return err
	}
	runID, err := parseRunID(args[1])
	if err != nil {
		return err
	}
	run, err := cl.Client.CancelRun(cmd.Context(), args[0], runID)
	if err != nil {
		return err
	}
	if cl.JSON {
		return printJSON(cmd.OutOrStdout(), run)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %d: %s\n", run.RequireID(), run.Status)
	return nil
}
