package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/buildweave/weave/internal/cli"
)

func main() {
	root := cli.NewRootCommand(os.Stderr)
	if err := root.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
