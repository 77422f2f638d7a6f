// Command meshd is a mesh node: it brings up the scheduler, the
// distribution router, and the admin HTTP surface, then blocks until
// asked to shut down — the same cli.App + signal-wait shape the
// teacher's own cmd.Run uses.
package main

import (
	"fmt"
	"os"

	"github.com/meshlang/actor/cmd/meshd/internal/app"
	"github.com/urfave/cli/v2"
)

const (
	ServiceName = "meshd"
)

func main() {
	if err := run(); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

func run() error {
	cliApp := &cli.App{
		Name:  ServiceName,
		Usage: "actor mesh node",
		Commands: []*cli.Command{
			app.ServeCmd(),
		},
	}
	return cliApp.Run(os.Args)
}
