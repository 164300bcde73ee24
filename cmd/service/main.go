package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/weather-rag-service/internal/config"
)

// configLoader is swapped in tests to avoid reading config/ from disk.
type configLoader func() (*config.Config, error)

func main() {
	if err := newRootCmd(config.Load).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(load configLoader) *cobra.Command {
	serve := newServeCmd(load)
	root := &cobra.Command{
		Use:           "weather-rag-service",
		Short:         "Conversational weather answers from live telemetry and a knowledge store",
		SilenceUsage:  true,
		RunE:          serve.RunE,
	}
	root.AddCommand(serve, newAskCmd(load))
	return root
}
