package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/storage"
)

// ErrReportExists is returned when a report for the task attempt is already
// committed.
var ErrReportExists = errors.New("report already exists")

// ErrValidation is returned when a report fails validation.
var ErrValidation = errors.New("report validation failed")

// PublishResult contains the outcome of a successful publish.
type PublishResult struct {
	ManifestURI   string
	PartitionsURI string
	Published     time.Time
}

// Publish is the transactional lifecycle for committing a report.
//
// The order of operations must not be changed:
//  1. Validate
//  2. Check idempotency (skip if the manifest already exists)
//  3. Write partitions.parquet
//  4. Write manifest.json (commit marker, must be last)
//
// A crash between step 3 and 4 leaves a parquet file with no manifest,
// which readers ignore and the next attempt overwrites.
func Publish(ctx context.Context, store storage.ReportStore, r *Report, logger *slog.Logger) (*PublishResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := r.Prefix()
	log := logger.With("component", "report", "prefix", prefix)
	startTime := time.Now()

	// Step 1: Validate
	vr := Validate(r)
	for _, w := range vr.Warnings {
		log.Warn("report warning", "warning", w)
	}
	if !vr.Passed {
		return nil, fmt.Errorf("%w: %s", ErrValidation, vr.Error())
	}

	// Step 2: Idempotency check
	manifestKey := prefix + ManifestFile
	exists, err := store.Exists(ctx, manifestKey)
	if err != nil {
		return nil, fmt.Errorf("check manifest: %w", err)
	}
	if exists {
		log.Info("skipping report (already committed)")
		return nil, ErrReportExists
	}

	// Step 3: Write parquet
	partitionsKey := prefix + PartitionsFile
	if err := store.Write(ctx, partitionsKey, r.Parquet); err != nil {
		return nil, fmt.Errorf("write parquet: %w", err)
	}

	// Step 4: Write manifest
	data, err := json.MarshalIndent(r.Manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := store.Write(ctx, manifestKey, data); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	log.Info("published report",
		"session", r.Manifest.SessionID,
		"partitions", r.Manifest.NumPartitions,
		"failed_locations", len(r.Manifest.FailedBatches),
		"checksum", r.Manifest.Partitions.Checksum,
		"duration", time.Since(startTime).String(),
	)

	return &PublishResult{
		ManifestURI:   store.URI(manifestKey),
		PartitionsURI: store.URI(partitionsKey),
		Published:     time.Now(),
	}, nil
}

// Load reads a committed report back from the store and verifies the parquet
// checksum recorded in the manifest.
func Load(ctx context.Context, store storage.ReportStore, shuffleID, mapID, attemptID int) (*Report, error) {
	prefix := Prefix(shuffleID, mapID, attemptID)

	data, err := store.Read(ctx, prefix+ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	pq, err := store.Read(ctx, prefix+m.Partitions.File)
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	if !VerifyChecksum(pq, m.Partitions.Checksum) {
		return nil, fmt.Errorf("parquet checksum mismatch for %s", prefix)
	}
	rows, err := DecodeRows(pq)
	if err != nil {
		return nil, err
	}

	return &Report{Manifest: m, Rows: rows, Parquet: pq}, nil
}
