package segments

import (
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkCoverage(t *testing.T, p Plan) {
	next := 0
	for i, seg := range p.Segments {
		require.EqualValues(t, next, seg.StartChunk, "segment %v", i)
		require.GreaterOrEqual(t, seg.EndChunk, seg.StartChunk-1, "segment %v", i)
		next = seg.EndChunk + 1
	}
	assert.EqualValues(t, p.NumChunks(), next)
}

func TestPlanCoverage(t *testing.T) {
	for _, size := range []Length{0, 1, 1023, 1024, 1025, 20 * 1024, 43262, 35738, 1 << 20, 1<<20 + 7} {
		checkCoverage(t, New(size, 1024))
	}
	checkCoverage(t, New(1000, 512))
	checkCoverage(t, New(19, 1))
}

// 43262 bytes is 43 chunks of 1024: 2 per segment with the first 3 segments taking one extra.
func TestPlanRemainderGoesToEarliestSegments(t *testing.T) {
	p := New(43262, 1024)
	qt.Assert(t, qt.Equals(p.NumChunks(), 43))
	qt.Assert(t, qt.DeepEquals(p.Segments[:5], []Segment{
		{0, 2}, {3, 5}, {6, 8}, {9, 10}, {11, 12},
	}))
	qt.Assert(t, qt.Equals(p.Segments[NumSegments-1], Segment{41, 42}))
}

func TestPlanFewerChunksThanSegments(t *testing.T) {
	p := New(1000, 100)
	qt.Assert(t, qt.Equals(p.NumChunks(), 10))
	for i, seg := range p.Segments {
		if i < 10 {
			qt.Check(t, qt.Equals(seg.NumChunks(), 1))
		} else {
			qt.Check(t, qt.IsTrue(seg.Empty()))
		}
	}
}

func TestEmptyFile(t *testing.T) {
	p := New(0, 1024)
	for _, seg := range p.Segments {
		qt.Check(t, qt.IsTrue(seg.Empty()))
	}
	var n int
	for range p.AllChunks() {
		n++
	}
	qt.Check(t, qt.Equals(n, 0))
}

func TestChunkExtentClipsToFilesize(t *testing.T) {
	p := New(2500, 1024)
	assert.Equal(t, Extent{0, 1024}, p.ChunkExtent(0))
	assert.EqualValues(t, 1023, p.ChunkExtent(0).Last())
	assert.Equal(t, Extent{1024, 1024}, p.ChunkExtent(1))
	last := p.ChunkExtent(2)
	assert.EqualValues(t, 2048, last.Start)
	assert.EqualValues(t, 2500, last.Last())
}

func TestSegmentChunks(t *testing.T) {
	p := New(43262, 1024)
	var got []int
	for i, e := range p.Chunks(3) {
		got = append(got, i)
		assert.EqualValues(t, int64(i)*1024, e.Start)
	}
	assert.Equal(t, []int{9, 10}, got)
}

func TestAssign(t *testing.T) {
	var covered []int
	for peer := 1; peer <= 5; peer++ {
		first, last, err := Assign(peer, 5)
		require.NoError(t, err)
		assert.Equal(t, 3, last-first, "peer %v", peer)
		for i := first; i <= last; i++ {
			covered = append(covered, i)
		}
	}
	require.Len(t, covered, NumSegments)
	for i, s := range covered {
		assert.Equal(t, i, s)
	}
	first, last, err := Assign(1, 3)
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 6}, [2]int{first, last})
	first, last, err = Assign(3, 3)
	require.NoError(t, err)
	assert.Equal(t, [2]int{14, 19}, [2]int{first, last})
	_, _, err = Assign(0, 5)
	assert.Error(t, err)
	_, _, err = Assign(1, 21)
	assert.Error(t, err)
}
