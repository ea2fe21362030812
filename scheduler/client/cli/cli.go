// Package cli implements pipecl, the command line client of the scheduler.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/twitter/pipesched/common"
	commoncli "github.com/twitter/pipesched/common/client"
	perrors "github.com/twitter/pipesched/common/errors"
	"github.com/twitter/pipesched/scheduler/client"
)

// AddrEnv overrides the default server address.
const AddrEnv = "PIPESCHED_ADDR"

// SchedCLIClient includes fields required for CLI client handling
type SchedCLIClient struct {
	commoncli.SimpleClient
}

func (c *SchedCLIClient) Exec() error {
	return c.RootCmd.Execute()
}

func NewSimpleCLIClient() *SchedCLIClient {
	c := &SchedCLIClient{}
	c.RootCmd = &cobra.Command{
		Use:               "pipecl",
		Short:             "pipecl is a command-line client to the project run scheduler",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.Init,
	}
	addr := os.Getenv(AddrEnv)
	if addr == "" {
		addr = common.DefaultAPIAddr
	}
	c.registerFlags(c.RootCmd.PersistentFlags(), addr)

	c.addCmd(&addJobCmd{})
	c.addCmd(&listJobsCmd{})
	c.addCmd(&runCmd{})
	c.addCmd(&listRunsCmd{})
	c.addCmd(&statusCmd{})
	c.addCmd(&cancelCmd{})
	return c
}

func (c *SchedCLIClient) registerFlags(flags *pflag.FlagSet, addr string) {
	flags.StringVar(&c.Addr, "addr", addr, "Scheduler address, host:port or URL. Defaults to $"+AddrEnv)
	flags.StringVar(&c.LogLevel, "log_level", "warn", "Log everything at this level and above (error|warn|info|debug)")
	flags.IntVar(&c.Tries, "tries", client.DefaultHttpTries, "Attempts for read requests")
	flags.BoolVar(&c.JSON, "json", false, "Print results as JSON")
}

// Can only be called from cobra command run or hook
func (c *SchedCLIClient) Init(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return perrors.NewError(err, perrors.UsageExitCode)
	}
	log.SetLevel(level)
	if c.Client == nil {
		c.Client = client.NewClient(client.ClientConfig{Addr: c.Addr, Tries: c.Tries})
	}
	return nil
}

func (c *SchedCLIClient) addCmd(cmd commoncli.Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.Run(&c.SimpleClient, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}

func usageError(format string, args ...interface{}) error {
	return perrors.NewError(errors.Errorf(format, args...), perrors.UsageExitCode)
}

func needArgs(args []string, n int, names string) error {
	if len(args) < n {
		return usageError("expected %s", names)
	}
	return nil
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, usageError("bad run id %q", s)
	}
	return id, nil
}

// printJSON writes v indented. Used for --json output.
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "converting result to JSON")
	}
	fmt.Fprintf(w, "%s\n", data)
	return nil
}
