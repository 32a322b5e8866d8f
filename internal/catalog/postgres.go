package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  config.CatalogConfig
	log  *slog.Logger
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(ctx context.Context, cfg config.CatalogConfig, logger *slog.Logger) (*PostgresWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool: pool,
		cfg:  cfg,
		log:  logger.With("component", "catalog"),
	}

	// Initialize schema
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog", "namespace", cfg.Namespace)
	return w, nil
}

// CommitExists checks if a task attempt has already been committed.
func (w *PostgresWriter) CommitExists(ctx context.Context, shuffleID, mapID, attemptID int) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM _meta_commits
			WHERE namespace = $1 AND shuffle_id = $2 AND map_id = $3 AND attempt_id = $4
		)
	`

	var exists bool
	err := w.pool.QueryRow(ctx, query, w.cfg.Namespace, shuffleID, mapID, attemptID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check commit exists: %w", err)
	}
	return exists, nil
}

// RecordCommit writes the commit row and its failed batches in one
// transaction. Re-recording an attempt replaces its failed batch list.
func (w *PostgresWriter) RecordCommit(ctx context.Context, rec CommitRecord) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	query := `
		INSERT INTO _meta_commits (
			namespace, session_id, shuffle_id, map_id, attempt_id, num_partitions,
			records_written, bytes_written, pushed_bytes, checksum, storage_uri,
			producer_version, producer_git_sha, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (namespace, shuffle_id, map_id, attempt_id)
		DO UPDATE SET
			session_id = EXCLUDED.session_id,
			records_written = EXCLUDED.records_written,
			bytes_written = EXCLUDED.bytes_written,
			pushed_bytes = EXCLUDED.pushed_bytes,
			checksum = EXCLUDED.checksum,
			storage_uri = EXCLUDED.storage_uri,
			created_at = NOW()
		RETURNING id
	`

	var storageURI *string
	if rec.StorageURI != "" {
		storageURI = &rec.StorageURI
	}

	namespace := rec.Namespace
	if namespace == "" {
		namespace = w.cfg.Namespace
	}

	var commitID int64
	err = tx.QueryRow(ctx, query,
		namespace,
		rec.SessionID,
		rec.ShuffleID,
		rec.MapID,
		rec.AttemptID,
		rec.NumPartitions,
		rec.RecordsWritten,
		rec.BytesWritten,
		rec.PushedBytes,
		rec.Checksum,
		storageURI,
		rec.ProducerVersion,
		rec.ProducerGitSHA,
		rec.StartedAt,
		rec.FinishedAt,
	).Scan(&commitID)
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM _meta_failed_batches WHERE commit_id = $1`, commitID); err != nil {
		return fmt.Errorf("clear failed batches: %w", err)
	}

	if len(rec.FailedBatches) > 0 {
		batch := &pgx.Batch{}
		for _, fb := range rec.FailedBatches {
			batch.Queue(`
				INSERT INTO _meta_failed_batches (commit_id, location, batch_id)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`, commitID, fb.Location, fb.BatchID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert failed batches: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	w.log.Info("recorded commit lineage",
		"shuffle", rec.ShuffleID,
		"map", rec.MapID,
		"attempt", rec.AttemptID,
		"failed_batches", len(rec.FailedBatches),
	)
	return nil
}

// RecordQuality records a report validation result.
func (w *PostgresWriter) RecordQuality(ctx context.Context, rec QualityRecord) error {
	query := `
		INSERT INTO _meta_quality (namespace, shuffle_id, map_id, attempt_id, passed, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, shuffle_id, map_id, attempt_id)
		DO UPDATE SET
			passed = EXCLUDED.passed,
			error_message = EXCLUDED.error_message,
			created_at = NOW()
	`

	var errMsg *string
	if rec.ErrorMessage != "" {
		errMsg = &rec.ErrorMessage
	}

	namespace := rec.Namespace
	if namespace == "" {
		namespace = w.cfg.Namespace
	}

	_, err := w.pool.Exec(ctx, query,
		namespace,
		rec.ShuffleID,
		rec.MapID,
		rec.AttemptID,
		rec.Passed,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("insert quality: %w", err)
	}
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

// Verify PostgresWriter implements Writer.
var _ Writer = (*PostgresWriter)(nil)
