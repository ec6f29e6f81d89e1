// Package bootstrap builds the shared clients and services the binaries wire together.
package bootstrap

import (
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/NHSDigital/azure-fhir-server/internal/config"
	"github.com/NHSDigital/azure-fhir-server/internal/destination"
	"github.com/NHSDigital/azure-fhir-server/internal/destination/filesystem"
	"github.com/NHSDigital/azure-fhir-server/internal/destination/sqlblob"
	"github.com/NHSDigital/azure-fhir-server/internal/export"
	"github.com/NHSDigital/azure-fhir-server/internal/jobstore"
	"github.com/NHSDigital/azure-fhir-server/internal/search"
	"github.com/NHSDigital/azure-fhir-server/internal/secret"
	"github.com/NHSDigital/azure-fhir-server/shared/logger"
	"github.com/NHSDigital/azure-fhir-server/shared/postgresql"
	"github.com/NHSDigital/azure-fhir-server/shared/rabbitmq"
)

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// NewPostgreSQL initializes the PostgreSQL database client
func NewPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		DSN:             cfg.DSN(),
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// RabbitMQConfig maps the YAML RabbitMQ section onto the client config
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// NewRabbitMQ initializes the RabbitMQ client
func NewRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), logger)
}

// NewDestinationRegistry registers the destination kinds this deployment allows.
// An empty allow list registers every kind.
func NewDestinationRegistry(allowed []string) *destination.Registry {
	factories := map[string]destination.Factory{
		destination.KindFilesystem: filesystem.NewClient,
		destination.KindPostgres:   sqlblob.Factory(postgresql.DriverName),
	}

	registry := destination.NewRegistry()
	if len(allowed) == 0 {
		for kind, factory := range factories {
			registry.Register(kind, factory)
		}
		return registry
	}

	for _, kind := range allowed {
		if factory, ok := factories[kind]; ok {
			registry.Register(kind, factory)
		}
	}
	return registry
}

// NewOrchestrator wires the SQL-backed stores into an export orchestrator
func NewOrchestrator(cfg *config.ExportConfig, db *sqlx.DB, logger *slog.Logger) *export.Orchestrator {
	return export.NewOrchestrator(&export.Config{
		Logger:          logger,
		JobStore:        jobstore.NewStore(db, logger),
		Searcher:        search.NewStore(db, logger),
		Secrets:         secret.NewSQLStore(db, logger),
		Destinations:    NewDestinationRegistry(cfg.AllowedDestinations),
		MaxItemsPerPage: cfg.MaxItemsPerPage,
		PagesPerCommit:  cfg.PagesPerCommit,
	})
}
