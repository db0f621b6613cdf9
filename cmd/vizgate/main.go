package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "vizgate",
		Short:   "Cached gateway in front of a vision model",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newFingerprintCmd(),
		newDistanceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
