package report

import (
	"fmt"
	"strings"
)

// ValidationResult contains the outcome of report validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	RowCount int64
	ByteSize int64
}

// Error joins the validation errors.
func (r ValidationResult) Error() string {
	return strings.Join(r.Errors, "; ")
}

// Validate performs quality checks on a report before publish.
// This validates:
// - Per-partition arrays cover every partition (or are both empty)
// - Parquet rows agree with the manifest
// - Parquet integrity (non-empty output, matching checksum)
// - Failed batch records are well formed
func Validate(r *Report) ValidationResult {
	result := ValidationResult{
		Passed: true,
	}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		result.Passed = false
	}

	if r == nil {
		fail("no report provided")
		return result
	}
	m := r.Manifest

	// Check 1: identity
	if m.SessionID == "" {
		fail("missing session id")
	}
	if m.NumPartitions <= 0 {
		fail("invalid partition count %d", m.NumPartitions)
	}

	// Check 2: integrity arrays
	if m.IntegrityChecked {
		if len(m.CRC32PerPartition) != m.NumPartitions {
			fail("crc32 array length %d, expected %d", len(m.CRC32PerPartition), m.NumPartitions)
		}
		if len(m.BytesWrittenPerPartition) != m.NumPartitions {
			fail("bytes array length %d, expected %d", len(m.BytesWrittenPerPartition), m.NumPartitions)
		}
		var total int64
		for pid, n := range m.BytesWrittenPerPartition {
			if n < 0 {
				fail("negative byte count %d for partition %d", n, pid)
			}
			total += n
		}
		if total != m.Stats.BytesWritten {
			fail("partition bytes sum to %d, writer reported %d", total, m.Stats.BytesWritten)
		}
	} else if len(m.CRC32PerPartition) != 0 || len(m.BytesWrittenPerPartition) != 0 {
		fail("integrity arrays present but integrity check disabled")
	}

	// Check 3: rows agree with manifest
	if len(r.Rows) != m.NumPartitions {
		fail("row count mismatch: have %d, expected %d", len(r.Rows), m.NumPartitions)
	}
	for i, row := range r.Rows {
		if int(row.PartitionID) != i {
			fail("row %d has partition id %d", i, row.PartitionID)
			continue
		}
		if m.IntegrityChecked && i < len(m.CRC32PerPartition) && row.CRC32 != int64(m.CRC32PerPartition[i]) {
			fail("row %d crc32 %d disagrees with manifest %d", i, row.CRC32, m.CRC32PerPartition[i])
		}
	}
	result.RowCount = int64(len(r.Rows))

	// Check 4: parquet output
	if len(r.Parquet) == 0 {
		fail("empty parquet data")
	}
	result.ByteSize = int64(len(r.Parquet))
	if m.Partitions.ByteSize != result.ByteSize {
		fail("parquet size %d disagrees with manifest %d", result.ByteSize, m.Partitions.ByteSize)
	}
	if !VerifyChecksum(r.Parquet, m.Partitions.Checksum) {
		fail("parquet checksum mismatch")
	}

	// Check 5: checksum format (should be sha256:...)
	if !strings.HasPrefix(m.Partitions.Checksum, "sha256:") {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("checksum may be in non-standard format: %s",
				m.Partitions.Checksum[:min(20, len(m.Partitions.Checksum))]))
	}

	// Check 6: failed batches
	for _, fb := range m.FailedBatches {
		if len(fb.Batches) == 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("location %s listed with no failed batches", fb.Location))
		}
		for _, b := range fb.Batches {
			if b.MapID != m.MapID || b.AttemptID != m.AttemptID {
				fail("failed batch %d at %s belongs to map %d attempt %d",
					b.BatchID, fb.Location, b.MapID, b.AttemptID)
			}
		}
	}
	if len(m.FailedBatches) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d locations have failed batches", len(m.FailedBatches)))
	}

	return result
}
