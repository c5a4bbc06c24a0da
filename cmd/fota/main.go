// Command fota runs the firmware over-the-air coordination service and its
// offline maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/fota/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := cli.NewRootCommand(os.LookupEnv)
	if err := cmd.Execute(); err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
