package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	commoncli "github.com/twitter/pipesched/common/client"
	"github.com/twitter/pipesched/scheduler/api"
)

type addJobCmd struct {
	name      string
	inputs    []string
	arraySize int
}

func (c *addJobCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "add-job PROJECT JOB -- COMMAND [ARGS...]",
		Short: "Create a job document",
	}
	r.Flags().StringVar(&c.name, "name", "", "Display name")
	r.Flags().StringSliceVar(&c.inputs, "inputs", nil, "Jobs this job reads from, comma separated")
	r.Flags().IntVar(&c.arraySize, "array_size", 0, "Run the command as an array of this many elements")
	return r
}

func (c *addJobCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	if err := needArgs(args, 3, "PROJECT JOB -- COMMAND"); err != nil {
		return err
	}
	req := &api.CreateJobRequest{
		ID:        args[1],
		Name:      c.name,
		Inputs:    c.inputs,
		Command:   args[2:],
		ArraySize: c.arraySize,
	}
	log.Infof("Creating job %s in %s: %v", req.ID, args[0], req.Command)
	doc, err := cl.Client.CreateJob(cmd.Context(), args[0], req)
	if err != nil {
		return err
	}
	if cl.JSON {
		return printJSON(cmd.OutOrStdout(), doc)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created job %s\n", doc.ID)
	return nil
}

type listJobsCmd struct{}

func (c *listJobsCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs PROJECT",
		Short: "List the job documents of a project",
	}
}

func (c *listJobsCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	if err := needArgs(args, 1, "PROJECT"); err != nil {
		return err
	}
	docs, err := cl.Client.ListJobs(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if cl.JSON {
		return printJSON(cmd.OutOrStdout(), docs)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tINPUTS\tSTALE\tCOMMAND")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.ID, strings.Join(d.Inputs, ","), d.Stale, strings.Join(d.Command, " "))
	}
	return w.Flush()
}
