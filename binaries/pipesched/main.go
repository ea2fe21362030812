package main

// pipesched serves the project run scheduler.
//	Commands:
//		serve	--config <builtin name or file> --addr <host:port>
//		configs	lists the builtin configs
//		migrate	--dsn <postgres dsn> creates the postgres tables
//	Global flags:
//		--log_level [<error|info|debug> level and above should be logged]

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	perrors "github.com/twitter/pipesched/common/errors"
	plog "github.com/twitter/pipesched/common/log"
	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/runstore/postgres"
	"github.com/twitter/pipesched/scheduler/config"
	"github.com/twitter/pipesched/scheduler/starter"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(perrors.ExitCodeOf(err))
	}
}

func rootCmd() *cobra.Command {
	var logLevel string
	var callSite bool
	cmd := &cobra.Command{
		Use:           "pipesched",
		Short:         "Project run scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := plog.Setup(logLevel, callSite); err != nil {
				return perrors.NewError(err, perrors.UsageExitCode)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
	cmd.PersistentFlags().BoolVar(&callSite, "log_callsite", false, "Tag log entries with file:line")
	cmd.AddCommand(serveCmd(), configsCmd(), migrateCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var configSelector, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configSelector)
			if err != nil {
				return perrors.NewError(err, perrors.UsageExitCode)
			}
			if addr != "" {
				c.API.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stat := stats.NewFinagleStatsReceiver().Precision(time.Millisecond)
			s, err := starter.NewServer(ctx, c, stat)
			if err != nil {
				return perrors.NewError(err, perrors.StartupFailureExitCode)
			}
			defer s.Close()
			log.Infof("pipesched listening on %s", s.Addr())
			return s.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&configSelector, "config", "local.memory", fmt.Sprintf("Builtin config %v or path to a config file", config.Names()))
	cmd.Flags().StringVar(&addr, "addr", "", "Bind address for the API, overrides the config")
	return cmd
}

func configsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configs",
		Short: "Print the builtin configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range config.Names() {
				c, err := config.GetConfig(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n\n", name, c)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the postgres run store tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return perrors.NewError(fmt.Errorf("--dsn is required"), perrors.UsageExitCode)
			}
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return perrors.NewError(err, perrors.UsageExitCode)
			}
			defer db.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := postgres.Migrate(ctx, db); err != nil {
				return perrors.NewError(err, perrors.StartupFailureExitCode)
			}
			log.Info("Postgres tables are up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", os.Getenv("PIPESCHED_POSTGRES_DSN"), "Postgres connection string")
	return cmd
}
