package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/memgraph/config"
	"github.com/mohammad-safakhou/memgraph/internal/mutation"
	srv "github.com/mohammad-safakhou/memgraph/internal/server"
	"github.com/mohammad-safakhou/memgraph/internal/store"
	"github.com/mohammad-safakhou/memgraph/internal/vector/chromem"
)

func main() {
	var root = &cobra.Command{Use: "memgraph"}

	root.AddCommand(serveCMD(), migrateCMD(), sweepCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if serveAddr == "" {
				serveAddr = os.Getenv("MEMGRAPH_HTTP_ADDR")
			}
			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return serve
}

func migrateCMD() *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int
	var cfgPath string

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Databases.Postgres.DSN()
			if err != nil {
				return err
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return migrate
}

// sweepCMD drains one tombstone batch and exits. Useful for cron jobs and
// for clearing a backlog without restarting the server.
func sweepCMD() *cobra.Command {
	var cfgPath string
	var sweep = &cobra.Command{
		Use:   "sweep",
		Short: "Retry queued vector-index deletes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			dsn, err := cfg.Databases.Postgres.DSN()
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}
			if !cfg.Vector.Enabled {
				log.Println("vector index disabled, nothing to sweep")
				return nil
			}
			var sw mutation.Sweeper
			sw.Store = st
			sw.BatchSize = cfg.Sweep.BatchSize
			sw.MaxAttempts = cfg.Sweep.MaxAttempts
			sw.Timeout = cfg.Vector.Timeout
			sw.Logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
			if cfg.Vector.Path != "" {
				idx, err := chromem.NewPersistent(cfg.Vector.Path, nil)
				if err != nil {
					return err
				}
				sw.Index = idx
			} else {
				sw.Index = chromem.New(nil)
			}
			return sw.RunOnce(ctx)
		},
	}
	sweep.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return sweep
}
