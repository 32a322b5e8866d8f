package writer

import (
	"time"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/push"
)

// TaskInfo identifies the map task attempt a writer belongs to.
type TaskInfo struct {
	ShuffleID     int
	MapID         int
	AttemptID     int
	NumPartitions int
}

// CommitResult is what a closed writer hands to the commit path.
// The integrity arrays are empty when the integrity check is disabled.
type CommitResult struct {
	Task      TaskInfo
	SessionID string

	CRC32PerPartition        []uint32
	BytesWrittenPerPartition []int64
	FailedBatches            map[string][]push.PushFailedBatch // partition unique id -> batches

	RecordsWritten int64
	BytesWritten   int64 // raw bytes handed to Write
	PushedBytes    int64 // bytes sent, after compression and headers
	Pushes         int64 // merged pushes sent
	Congested      int64 // pushes answered congested

	StartedAt  time.Time
	FinishedAt time.Time
}

// FailedBatchCount returns the number of failed batch records.
func (r *CommitResult) FailedBatchCount() int {
	n := 0
	for _, b := range r.FailedBatches {
		n += len(b)
	}
	return n
}
