package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "traveler",
		Short:         "Interval index and trace query service for profiling data",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to traveler.toml (default: search ., /etc/traveler, ~/.traveler)")
	root.AddCommand(newServeCmd(), newBundleCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		errColor.Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
