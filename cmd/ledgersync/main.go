package main

import (
	"fmt"
	"os"

	"github.com/ledgersync/ledgersync/internal/cli"
	"github.com/ledgersync/ledgersync/internal/util"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(util.ExitError)
		}
	}()

	os.Exit(util.HandleError(os.Stderr, cli.Execute()))
}
