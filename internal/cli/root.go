// Package cli provides the exportctl operator commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/NHSDigital/azure-fhir-server/internal/bootstrap"
	"github.com/NHSDigital/azure-fhir-server/internal/config"
)

// Publisher queues job messages for the worker service
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// app carries the state shared by every subcommand
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	db         *sqlx.DB
	publisher  Publisher
	closers    []io.Closer
	now        func() time.Time
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "exportctl",
		Short: "Operate bulk-export jobs",
		Long: `exportctl manages the export database and runs or inspects export jobs
without going through the API or the queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return a.connect()
		},
	}

	defaultConfigPath := os.Getenv("EXPORTCTL_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "path to configuration file")

	root.AddCommand(newMigrateCmd(a))
	root.AddCommand(newImportCmd(a))
	root.AddCommand(newRunCmd(a))
	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newStaleCmd(a))

	return root
}

// connect loads the configuration and opens the database unless a database
// was already provided.
func (a *app) connect() error {
	if a.db != nil {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateExportConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = appLogger.Logger
	a.closers = append(a.closers, appLogger)

	dbClient, err := bootstrap.NewPostgreSQL(&cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = dbClient.GetDB()
	a.closers = append(a.closers, dbClient)

	return nil
}

// queue returns the job publisher, connecting to RabbitMQ on first use
func (a *app) queue() (Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}

	rabbitClient, err := bootstrap.NewRabbitMQ(&a.cfg.RabbitMQ, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	a.publisher = rabbitClient
	a.closers = append(a.closers, rabbitClient)
	return rabbitClient, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close resource: %v\n", err)
		}
	}
	a.closers = nil
}

// Execute runs the exportctl root command; canceling ctx interrupts it
func Execute(ctx context.Context) error {
	a := &app{now: func() time.Time { return time.Now().UTC() }}
	defer a.close()
	return newRootCmd(a).ExecuteContext(ctx)
}
