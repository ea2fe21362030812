package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	perrors "github.com/twitter/pipesched/common/errors"
	"github.com/twitter/pipesched/common/log/hooks"
	"github.com/twitter/pipesched/scheduler/client/cli"
)

// CLI binary to talk to the scheduler API
//	Supported commands: (see "-h" for all options)
//		add-job [project] [job] -- [command]
//		jobs [project]
//		run [project] [job...]
//		runs [project]
//		status [project] [run]
//		cancel [project] [run]
//	Global flags:
//		--addr [<host:port> of the scheduler]
//		--log_level [<error|info|debug> level and above should be logged]
//		--json

func main() {
	log.AddHook(hooks.NewContextHook())

	if err := cli.NewSimpleCLIClient().Exec(); err != nil {
		log.Error("Error running pipecl: ", err)
		os.Exit(perrors.ExitCodeOf(err))
	}
}
