// Package segments divides a shared file into the fixed planning slices that seeders take
// responsibility for, and the fixed-size chunks inside them.
package segments

import (
	"fmt"
	"iter"

	"github.com/anacrolix/missinggo/v2/panicif"
)

type Int = int64

type Length = Int

// A file is always planned as this many segments, 5% each.
const NumSegments = 20

type Extent struct {
	Start, Length Int
}

func (e Extent) End() Int {
	return e.Start + e.Length
}

// Last returns the inclusive last byte of the extent, which is how chunk ranges appear in
// ledgers.
func (e Extent) Last() Int {
	return e.End() - 1
}

// A Segment is an inclusive range of chunk indices. Empty segments have EndChunk ==
// StartChunk-1.
type Segment struct {
	StartChunk, EndChunk int
}

func (s Segment) NumChunks() int {
	return s.EndChunk - s.StartChunk + 1
}

func (s Segment) Empty() bool {
	return s.NumChunks() <= 0
}

func (s Segment) String() string {
	return fmt.Sprintf("chunks [%d-%d]", s.StartChunk, s.EndChunk)
}

// NumChunks returns ceil(filesize/chunkSize).
func NumChunks(filesize, chunkSize Length) int {
	panicif.LessThanOrEqual(chunkSize, 0)
	panicif.LessThan(filesize, 0)
	return int((filesize + chunkSize - 1) / chunkSize)
}

// Plan is the segment layout of one file. It's a pure function of the file size and chunk size,
// and is never persisted.
type Plan struct {
	Filesize  Length
	ChunkSize Length
	Segments  [NumSegments]Segment
}

// New divides the chunks of a file of filesize bytes into NumSegments segments of nearly equal
// chunk count. The remainder chunks go one each to the earliest segments.
func New(filesize, chunkSize Length) (ret Plan) {
	ret.Filesize = filesize
	ret.ChunkSize = chunkSize
	total := NumChunks(filesize, chunkSize)
	perSeg := total / NumSegments
	remainder := total % NumSegments
	start := 0
	for i := range ret.Segments {
		n := perSeg
		if i < remainder {
			n++
		}
		ret.Segments[i] = Segment{
			StartChunk: start,
			EndChunk:   start + n - 1,
		}
		start += n
	}
	return
}

func (p Plan) NumChunks() int {
	return NumChunks(p.Filesize, p.ChunkSize)
}

// ChunkExtent returns the byte range of the chunk with the given index. The final chunk's
// inclusive last byte is clipped to the file size, matching the full-range advertisement
// written when a ledger is created.
func (p Plan) ChunkExtent(index int) Extent {
	panicif.LessThan(index, 0)
	panicif.False(index < p.NumChunks())
	start := Int(index) * p.ChunkSize
	last := min(start+p.ChunkSize-1, p.Filesize)
	return Extent{Start: start, Length: last - start + 1}
}

// Chunks yields the chunk indices and byte extents of a segment.
func (p Plan) Chunks(segmentIndex int) iter.Seq2[int, Extent] {
	seg := p.Segments[segmentIndex]
	return func(yield func(int, Extent) bool) {
		for i := seg.StartChunk; i <= seg.EndChunk; i++ {
			if !yield(i, p.ChunkExtent(i)) {
				return
			}
		}
	}
}

// AllChunks yields every chunk extent of the file in order.
func (p Plan) AllChunks() iter.Seq2[int, Extent] {
	return func(yield func(int, Extent) bool) {
		for i := range p.NumChunks() {
			if !yield(i, p.ChunkExtent(i)) {
				return
			}
		}
	}
}
