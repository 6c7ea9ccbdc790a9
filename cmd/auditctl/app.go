package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/apex-audit/apex-audit/internal/archive"
	_ "github.com/apex-audit/apex-audit/internal/archive/azure"
	_ "github.com/apex-audit/apex-audit/internal/archive/gcs"
	_ "github.com/apex-audit/apex-audit/internal/archive/local"
	_ "github.com/apex-audit/apex-audit/internal/archive/s3"
	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/config"
	"github.com/apex-audit/apex-audit/internal/db"
	"github.com/apex-audit/apex-audit/internal/db/repositories"
	"github.com/apex-audit/apex-audit/internal/queue"
	"github.com/apex-audit/apex-audit/internal/telemetry"
)

// shutdownTimeout bounds how long pending write-back jobs may take to drain on exit.
const shutdownTimeout = 30 * time.Second

// app holds the dependencies shared by the subcommands.
type app struct {
	cfg        *config.Config
	db         *sqlx.DB
	predicates *audit.PredicateRegistry
	policy     *audit.PolicyHolder
	signer     *audit.Signer
	audits     *repositories.AuditRepository
	histories  *repositories.HistoryRepository

	// set by startPipeline
	redis     *redis.Client
	queue     queue.Queue
	writeBack *audit.WriteBack
	shippers  *audit.MultiShipper
	recorder  *audit.Recorder
}

// loadConfig reads the configuration named by --config and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	return cfg, nil
}

// newApp connects to the database and builds the policy, signer and repositories.
func newApp(cfg *config.Config) (*app, error) {
	predicates := audit.NewPredicateRegistry()
	policy, err := audit.PolicyFromConfig(cfg, predicates)
	if err != nil {
		return nil, err
	}
	signer, err := audit.SignerFromConfig(cfg.Audit.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to configure record signing: %w", err)
	}

	database, err := db.Connect(cfg.Database.Driver, cfg.Database.GetDSN(),
		cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Debug("connected to database", "driver", cfg.Database.Driver)

	return &app{
		cfg:        cfg,
		db:         database,
		predicates: predicates,
		policy:     audit.NewPolicyHolder(policy),
		signer:     signer,
		audits:     repositories.NewAuditRepository(database),
		histories:  repositories.NewHistoryRepository(database),
	}, nil
}

// startPipeline starts the write-back queue and builds the recorder that feeds it.
// Commands that only read the tables never call it.
func (a *app) startPipeline(ctx context.Context) error {
	qcfg := a.cfg.Audit.Queue
	if qcfg.Driver == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	q, err := queue.New(qcfg, a.redis, a.cfg.Redis.KeyPrefix)
	if err != nil {
		return err
	}
	shippers, err := audit.NewMultiShipper(a.cfg.Audit.Shippers)
	if err != nil {
		return err
	}

	opts := []audit.WriteBackOption{audit.WithJobTimeout(qcfg.JobTimeout)}
	if len(qcfg.RetryDelays) > 0 {
		opts = append(opts, audit.WithRetryDelays(qcfg.RetryDelays))
	}
	if shippers.Len() > 0 {
		opts = append(opts, audit.WithShipper(shippers))
	}
	writeBack := audit.NewWriteBack(a.audits, a.signer, q, opts...)
	// the queue outlives ctx so close can drain it after an interrupt
	q.Start(context.WithoutCancel(ctx), writeBack.HandleJob)

	a.queue = q
	a.writeBack = writeBack
	a.shippers = shippers
	a.recorder = audit.NewRecorder(a.policy, a.signer, q,
		audit.WithPredicates(a.predicates), audit.WithOverflow(writeBack.Overflow))
	slog.Info("audit write-back started", "driver", qcfg.Driver, "workers", qcfg.Workers, "shippers", shippers.Len())
	return nil
}

// newArchiver returns the configured archiver, or nil when archiving is disabled.
func (a *app) newArchiver() (*archive.Archiver, func(), error) {
	if !a.cfg.Archive.Enabled {
		return nil, func() {}, nil
	}
	sink, err := archive.NewSink(&a.cfg.Archive)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure archive sink: %w", err)
	}
	release := func() {
		if c, ok := sink.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				slog.Warn("failed to close archive sink", "error", err)
			}
		}
	}
	return archive.NewArchiver(sink, a.cfg.Archive.Prefix), release, nil
}

// close drains the queue and releases every connection.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.queue != nil {
		if err := a.queue.Stop(ctx); err != nil {
			slog.Error("audit queue did not drain before shutdown", "error", err)
		}
	}
	if a.writeBack != nil {
		if err := a.writeBack.Wait(ctx); err != nil {
			slog.Error("audit overflow writes did not finish before shutdown", "error", err)
		}
	}
	if a.shippers != nil {
		if err := a.shippers.Close(); err != nil {
			slog.Warn("failed to close shippers", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("failed to close database", "error", err)
	}
}
