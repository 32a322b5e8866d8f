package push

import "sync"

// DataBatch is one buffered payload waiting to be pushed.
type DataBatch struct {
	Location *PartitionLocation
	BatchID  int
	Body     []byte
}

// DataBatches buffers outgoing payloads for one destination pair.
// TotalSize always equals the sum of the buffered body lengths.
type DataBatches struct {
	mu        sync.Mutex
	batches   []DataBatch
	totalSize int
	taken     bool // detached from its PushState, adds are refused
}

func NewDataBatches() *DataBatches {
	return &DataBatches{}
}

// AddDataBatch appends a payload to the buffer. It reports false, and
// leaves the buffer unchanged, once the buffer was taken for flushing.
func (d *DataBatches) AddDataBatch(loc *PartitionLocation, batchID int, body []byte) bool {
	_, ok := d.tryAdd(loc, batchID, body)
	return ok
}

// tryAdd appends unless the buffer was already taken for flushing and
// returns the new total size.
func (d *DataBatches) tryAdd(loc *PartitionLocation, batchID int, body []byte) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.taken {
		return 0, false
	}
	d.append(loc, batchID, body)
	return d.totalSize, true
}

func (d *DataBatches) append(loc *PartitionLocation, batchID int, body []byte) {
	d.batches = append(d.batches, DataBatch{Location: loc, BatchID: batchID, Body: body})
	d.totalSize += len(body)
}

func (d *DataBatches) markTaken() {
	d.mu.Lock()
	d.taken = true
	d.mu.Unlock()
}

func (d *DataBatches) TotalSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *DataBatches) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

// Batches returns a copy of the buffered batches in append order.
func (d *DataBatches) Batches() []DataBatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DataBatch, len(d.batches))
	copy(out, d.batches)
	return out
}

// RequireBatches removes batches from the head until at least size bytes
// were taken, or the buffer is empty.
func (d *DataBatches) RequireBatches(size int) []DataBatch {
	d.mu.Lock()
	defer d.mu.Unlock()

	if size >= d.totalSize {
		out := d.batches
		d.batches = nil
		d.totalSize = 0
		return out
	}

	taken := 0
	n := 0
	for n < len(d.batches) && taken < size {
		taken += len(d.batches[n].Body)
		n++
	}
	out := make([]DataBatch, n)
	copy(out, d.batches[:n])
	d.batches = append([]DataBatch(nil), d.batches[n:]...)
	d.totalSize -= taken
	return out
}
