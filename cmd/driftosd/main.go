// Command driftosd runs the semantic conversation routing service: an
// HTTP server backing POST /messages, plus a migrate subcommand and a
// one-shot route subcommand useful for scripting and local debugging.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftos/driftrouter/config"
	"github.com/driftos/driftrouter/internal/embedclient"
	"github.com/driftos/driftrouter/internal/executor"
	"github.com/driftos/driftrouter/internal/facts"
	"github.com/driftos/driftrouter/internal/lock"
	"github.com/driftos/driftrouter/internal/pipeline"
	"github.com/driftos/driftrouter/internal/server"
	"github.com/driftos/driftrouter/internal/store"
	"github.com/driftos/driftrouter/internal/telemetry"
)

func main() {
	root := &cobra.Command{Use: "driftosd"}
	root.AddCommand(serveCmd(), migrateCmd(), routeCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()

			tele, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{
				ServiceName:    "driftosd",
				ServiceVersion: "dev",
				MetricsPort:    cfg.Telemetry.MetricsPort,
			})
			if err != nil {
				return fmt.Errorf("telemetry setup: %w", err)
			}
			defer tele.Shutdown(ctx)

			st, err := store.New(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return fmt.Errorf("connect to storage: %w", err)
			}

			embedder := embedclient.New(cfg.Embedding.BaseURL,
				embedclient.WithTimeout(cfg.Embedding.Timeout),
				embedclient.WithRetries(cfg.Embedding.Retries),
				embedclient.WithErrorCounter(tele.EmbedClientErrors),
			)

			factLogger := log.New(log.Writer(), "[FACTS] ", log.LstdFlags)
			extractor := facts.New(factLogger, cfg.Facts.Timeout, nil)
			exec := executor.New(st, extractor).WithTelemetry(tele)

			p := pipeline.New(st, embedder, exec).WithTelemetry(tele)
			if cfg.Storage.Redis.Enabled {
				redisClient, err := lock.NewClient(ctx, cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
				if err != nil {
					return fmt.Errorf("connect to redis: %w", err)
				}
				p = p.WithLocker(lock.NewRedisLocker(redisClient, cfg.Routing.PipelineTimeout, 25*time.Millisecond))
			}
			policy := pipeline.Policy{
				StayThreshold:          cfg.Routing.StayThreshold,
				NewClusterThreshold:    cfg.Routing.NewClusterThreshold,
				RouteThreshold:         cfg.Routing.RouteThreshold,
				TopicReturnBoostFactor: cfg.Routing.TopicReturnBoostFactor,
				MaxBranchesForContext:  cfg.Routing.MaxBranchesForContext,
				Timeout:                cfg.Routing.PipelineTimeout,
				EmbeddingPreprocess:    cfg.Embedding.Preprocess,
			}

			e := server.New(p, policy)
			log.Printf("driftosd listening on %s", cfg.Server.Address)
			return e.Start(cfg.Server.Address)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return cmd
}

func migrateCmd() *cobra.Command {
	var cfgPath, dir, direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run branch-store schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if dir == "" {
				dir = "file://internal/store/migrations"
			}
			return store.Migrate(dir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "file://internal/store/migrations", "migrations source")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return cmd
}

// routeCmd runs a single message through the pipeline and prints the
// JSON result, for scripting and local debugging without standing up
// the HTTP server.
func routeCmd() *cobra.Command {
	var cfgPath, conversationID, role, currentBranchID string
	var extractFacts bool
	cmd := &cobra.Command{
		Use:   "route [content]",
		Short: "Route a single message through the pipeline and print the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			st, err := store.New(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return fmt.Errorf("connect to storage: %w", err)
			}
			embedder := embedclient.New(cfg.Embedding.BaseURL,
				embedclient.WithTimeout(cfg.Embedding.Timeout),
				embedclient.WithRetries(cfg.Embedding.Retries),
			)
			exec := executor.New(st, facts.New(log.New(log.Writer(), "[FACTS] ", log.LstdFlags), cfg.Facts.Timeout, nil))
			p := pipeline.New(st, embedder, exec)

			pc, err := p.Run(ctx, pipeline.Request{
				ConversationID:  conversationID,
				Content:         args[0],
				Role:            role,
				CurrentBranchID: currentBranchID,
				ExtractFacts:    extractFacts,
			}, pipeline.Policy{
				StayThreshold:          cfg.Routing.StayThreshold,
				NewClusterThreshold:    cfg.Routing.NewClusterThreshold,
				RouteThreshold:         cfg.Routing.RouteThreshold,
				TopicReturnBoostFactor: cfg.Routing.TopicReturnBoostFactor,
				MaxBranchesForContext:  cfg.Routing.MaxBranchesForContext,
				Timeout:                cfg.Routing.PipelineTimeout,
				EmbeddingPreprocess:    cfg.Embedding.Preprocess,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(pc.Result)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&role, "role", "user", "message role")
	cmd.Flags().StringVar(&currentBranchID, "branch", "", "current branch id hint")
	cmd.Flags().BoolVar(&extractFacts, "extract-facts", true, "trigger async fact extraction on drift")
	cmd.MarkFlagRequired("conversation")
	return cmd
}
