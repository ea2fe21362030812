// Package client holds the plumbing shared by cobra based command line clients.
package client

import (
	"github.com/spf13/cobra"

	"github.com/twitter/pipesched/scheduler/client"
)

// Client interface that includes CLI handling
type CLIClient interface {
	Exec() error
}

// SimpleClient includes base fields required for implementing client
type SimpleClient struct {
	RootCmd  *cobra.Command
	Addr     string
	LogLevel string
	Tries    int
	JSON     bool
	Client   *client.Client
}

// Command interface used to run client commands
type Cmd interface {
	RegisterFlags() *cobra.Command
	Run(cl *SimpleClient, cmd *cobra.Command, args []string) error
}
