package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:           "polyplexity",
		Short:         "Conversational research agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config or .)")

	root.AddCommand(serveCMD(&cfgPath), migrateCMD(&cfgPath), askCMD(&cfgPath), tokenCMD(&cfgPath), sweepCMD(&cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
