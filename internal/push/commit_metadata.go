package push

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
)

// CommitMetadata is the running checksum and byte count of one partition.
//
// In ordered mode the checksum equals the CRC32 (IEEE) of the concatenation
// of every chunk in call order, however the data was split. In unordered
// mode it is the wrapping sum of the per-chunk CRC32 values, so chunks may
// arrive in any order but the value depends on the chunk boundaries and is
// not the CRC32 of the concatenation. Both sides of a commit must then
// split the data the same way.
type CommitMetadata struct {
	mu       sync.Mutex
	ordered  bool
	checksum uint32
	bytes    int64
}

// NewCommitMetadata returns an empty accumulator for the given checksum mode.
// Unknown modes fall back to ordered.
func NewCommitMetadata(mode string) *CommitMetadata {
	return &CommitMetadata{ordered: mode != config.ChecksumUnordered}
}

// AddDataWithOffsetAndLength folds data[offset:offset+length] into the
// accumulator. Ranges outside the buffer are clamped.
func (c *CommitMetadata) AddDataWithOffsetAndLength(data []byte, offset, length int) {
	chunk := clampRange(data, offset, length)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ordered {
		c.checksum = crc32.Update(c.checksum, crc32.IEEETable, chunk)
	} else {
		c.checksum += crc32.ChecksumIEEE(chunk)
	}
	c.bytes += int64(len(chunk))
}

// Checksum returns the current checksum. Zero for an empty accumulator.
func (c *CommitMetadata) Checksum() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checksum
}

// Bytes returns the number of bytes accumulated so far.
func (c *CommitMetadata) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Merge appends other's data to c as if its chunks had been added after c's.
func (c *CommitMetadata) Merge(other *CommitMetadata) {
	if other == nil {
		return
	}
	sum, n := other.snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ordered {
		c.checksum = crc32Combine(c.checksum, sum, n)
	} else {
		c.checksum += sum
	}
	c.bytes += n
}

// Equal reports whether both accumulators hold the same checksum and size.
func (c *CommitMetadata) Equal(other *CommitMetadata) bool {
	if other == nil {
		return false
	}
	s1, n1 := c.snapshot()
	s2, n2 := other.snapshot()
	return s1 == s2 && n1 == n2
}

func (c *CommitMetadata) String() string {
	sum, n := c.snapshot()
	return fmt.Sprintf("CommitMetadata{checksum=%d, bytes=%d}", sum, n)
}

func (c *CommitMetadata) snapshot() (uint32, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checksum, c.bytes
}

func clampRange(data []byte, offset, length int) []byte {
	if offset < 0 {
		offset = 0
	}
	if offset > len(data) {
		offset = len(data)
	}
	if length < 0 {
		length = 0
	}
	if length > len(data)-offset {
		length = len(data) - offset
	}
	return data[offset : offset+length]
}

// crc32Combine returns the CRC32 of A||B given crc(A), crc(B) and len(B),
// using the GF(2) matrix method from zlib.
func crc32Combine(crc1, crc2 uint32, len2 int64) uint32 {
	if len2 <= 0 {
		return crc1
	}

	var even, odd [32]uint32

	// operator for one zero bit
	odd[0] = 0xedb88320
	row := uint32(1)
	for n := 1; n < 32; n++ {
		odd[n] = row
		row <<= 1
	}

	gf2MatrixSquare(&even, &odd) // two zero bits
	gf2MatrixSquare(&odd, &even) // four zero bits

	for {
		gf2MatrixSquare(&even, &odd)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&even, crc1)
		}
		len2 >>= 1
		if len2 == 0 {
			break
		}

		gf2MatrixSquare(&odd, &even)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&odd, crc1)
		}
		len2 >>= 1
		if len2 == 0 {
			break
		}
	}
	return crc1 ^ crc2
}

func gf2MatrixTimes(mat *[32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare(square, mat *[32]uint32) {
	for n := 0; n < 32; n++ {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}
