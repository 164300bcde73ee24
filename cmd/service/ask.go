package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/knowledge"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
	"github.com/kjstillabower/weather-rag-service/internal/validation"
)

const askSeedTimeout = 30 * time.Second

// loggerFactory is swapped in tests to keep output quiet.
var loggerFactory = observability.NewLogger

func newAskCmd(load configLoader) *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer one query and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFactory()
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			query, err := validation.ValidateQuery(strings.Join(args, " "), cfg.MaxQueryLength)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			p, err := buildPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = p.close(context.Background(), logger) }()

			if seed && len(cfg.SeedCities) > 0 {
				seedCtx, cancel := context.WithTimeout(ctx, askSeedTimeout)
				if err := knowledge.NewSeeder(p.telemetry, p.knowledge, logger).Seed(seedCtx, cfg.SeedCities); err != nil {
					logger.Warn("knowledge seed failed", zap.Error(err))
				}
				cancel()
			}

			fmt.Fprintln(cmd.OutOrStdout(), p.agent.Answer(ctx, query))
			return nil
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "seed the knowledge store with the configured cities first")
	return cmd
}
