package push

import (
	"bytes"
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
)

func TestCommitMetadataChunksMatchConcatenation(t *testing.T) {
	chunks := [][]byte{
		[]byte("shuffle "),
		[]byte("push "),
		[]byte("state"),
	}

	chunked := NewCommitMetadata(config.ChecksumOrdered)
	for _, c := range chunks {
		chunked.AddDataWithOffsetAndLength(c, 0, len(c))
	}

	whole := NewCommitMetadata(config.ChecksumOrdered)
	all := bytes.Join(chunks, nil)
	whole.AddDataWithOffsetAndLength(all, 0, len(all))

	if !chunked.Equal(whole) {
		t.Fatalf("chunked %v != whole %v", chunked, whole)
	}
	if chunked.Checksum() != crc32.ChecksumIEEE(all) {
		t.Fatalf("checksum = %d, want crc32 of concatenation %d", chunked.Checksum(), crc32.ChecksumIEEE(all))
	}
	if chunked.Bytes() != int64(len(all)) {
		t.Fatalf("bytes = %d, want %d", chunked.Bytes(), len(all))
	}
}

func TestCommitMetadataUnorderedDependsOnChunking(t *testing.T) {
	all := []byte("shuffle push state")

	whole := NewCommitMetadata(config.ChecksumUnordered)
	whole.AddDataWithOffsetAndLength(all, 0, len(all))
	if whole.Checksum() != crc32.ChecksumIEEE(all) {
		t.Fatalf("single chunk checksum = %d, want crc32 %d", whole.Checksum(), crc32.ChecksumIEEE(all))
	}

	split := NewCommitMetadata(config.ChecksumUnordered)
	split.AddDataWithOffsetAndLength(all, 0, 8)
	split.AddDataWithOffsetAndLength(all, 8, len(all)-8)
	if split.Bytes() != whole.Bytes() {
		t.Fatalf("bytes = %d, want %d", split.Bytes(), whole.Bytes())
	}
	want := crc32.ChecksumIEEE(all[:8]) + crc32.ChecksumIEEE(all[8:])
	if split.Checksum() != want {
		t.Fatalf("split checksum = %d, want sum of chunk crcs %d", split.Checksum(), want)
	}
	if split.Checksum() == whole.Checksum() {
		t.Fatal("unordered checksum should depend on chunk boundaries")
	}
}

func TestCommitMetadataEmpty(t *testing.T) {
	for _, mode := range []string{config.ChecksumOrdered, config.ChecksumUnordered} {
		m := NewCommitMetadata(mode)
		if m.Checksum() != 0 || m.Bytes() != 0 {
			t.Errorf("%s: empty = %d/%d, want 0/0", mode, m.Checksum(), m.Bytes())
		}
		m.AddDataWithOffsetAndLength(nil, 0, 0)
		if m.Checksum() != 0 || m.Bytes() != 0 {
			t.Errorf("%s: after empty chunk = %d/%d, want 0/0", mode, m.Checksum(), m.Bytes())
		}
	}
}

func TestCommitMetadataUnorderedIgnoresOrder(t *testing.T) {
	a := NewCommitMetadata(config.ChecksumUnordered)
	b := NewCommitMetadata(config.ChecksumUnordered)

	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, c := range chunks {
		a.AddDataWithOffsetAndLength(c, 0, len(c))
	}
	for i := len(chunks) - 1; i >= 0; i-- {
		b.AddDataWithOffsetAndLength(chunks[i], 0, len(chunks[i]))
	}

	if !a.Equal(b) {
		t.Fatalf("unordered checksums differ: %v vs %v", a, b)
	}
}

func TestCommitMetadataClampsRange(t *testing.T) {
	data := []byte("0123456789")
	tests := []struct {
		name           string
		offset, length int
		want           string
	}{
		{"inside", 2, 3, "234"},
		{"length past end", 8, 10, "89"},
		{"offset past end", 20, 5, ""},
		{"negative offset", -4, 2, "01"},
		{"negative length", 3, -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewCommitMetadata(config.ChecksumOrdered)
			m.AddDataWithOffsetAndLength(data, tt.offset, tt.length)

			if m.Bytes() != int64(len(tt.want)) {
				t.Errorf("bytes = %d, want %d", m.Bytes(), len(tt.want))
			}
			if m.Checksum() != crc32.ChecksumIEEE([]byte(tt.want)) {
				t.Errorf("checksum does not match %q", tt.want)
			}
		})
	}
}

func TestCommitMetadataMerge(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	left := make([]byte, 1500)
	right := make([]byte, 777)
	rng.Read(left)
	rng.Read(right)

	a := NewCommitMetadata(config.ChecksumOrdered)
	a.AddDataWithOffsetAndLength(left, 0, len(left))
	b := NewCommitMetadata(config.ChecksumOrdered)
	b.AddDataWithOffsetAndLength(right, 0, len(right))
	a.Merge(b)

	whole := append(append([]byte(nil), left...), right...)
	if a.Checksum() != crc32.ChecksumIEEE(whole) {
		t.Fatalf("merged checksum = %d, want %d", a.Checksum(), crc32.ChecksumIEEE(whole))
	}
	if a.Bytes() != int64(len(whole)) {
		t.Fatalf("merged bytes = %d, want %d", a.Bytes(), len(whole))
	}

	u1 := NewCommitMetadata(config.ChecksumUnordered)
	u1.AddDataWithOffsetAndLength(left, 0, len(left))
	u2 := NewCommitMetadata(config.ChecksumUnordered)
	u2.AddDataWithOffsetAndLength(right, 0, len(right))
	u1.Merge(u2)
	if u1.Checksum() != crc32.ChecksumIEEE(left)+crc32.ChecksumIEEE(right) {
		t.Fatal("unordered merge is not the sum of chunk checksums")
	}

	a.Merge(nil)
	if a.Equal(nil) {
		t.Fatal("Equal(nil) should be false")
	}
}

func TestCrc32CombineEmptySuffix(t *testing.T) {
	c := crc32.ChecksumIEEE([]byte("abc"))
	if got := crc32Combine(c, 0, 0); got != c {
		t.Fatalf("combine with empty suffix = %d, want %d", got, c)
	}
	if got := crc32Combine(0, c, 3); got != c {
		t.Fatalf("combine with empty prefix = %d, want %d", got, c)
	}
}
