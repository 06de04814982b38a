// Package main provides the CLI entry point for the tool-mediation and
// request orchestration engine.
//
// Start the server:
//
//	engine serve --config engine.yaml
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:     "engine",
		Short:   "Tool-mediation and request orchestration engine",
		Version: version,
	}
	root.AddCommand(buildServeCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
