// swb is the switchboard CLI for orchestrating agent sessions.
package main

import (
	"os"

	"github.com/rajeshgoli/switchboard/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
