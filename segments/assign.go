package segments

import (
	"fmt"
)

// Assign returns the contiguous inclusive range of segment indices that the seeder with the
// 1-based peerIndex is responsible for advertising when numPeers seeders share a file. With 5
// seeders each one takes 4 consecutive segments. Remainder segments go to the earliest seeders.
func Assign(peerIndex, numPeers int) (first, last int, err error) {
	if numPeers <= 0 || numPeers > NumSegments {
		err = fmt.Errorf("number of seeders %d out of range [1, %d]", numPeers, NumSegments)
		return
	}
	if peerIndex < 1 || peerIndex > numPeers {
		err = fmt.Errorf("peer index %d out of range [1, %d]", peerIndex, numPeers)
		return
	}
	per := NumSegments / numPeers
	remainder := NumSegments % numPeers
	i := peerIndex - 1
	first = i*per + min(i, remainder)
	last = first + per - 1
	if i < remainder {
		last++
	}
	return
}
