/*
Package chunkledger implements peers that share files through a ledger tracker.

A tracker keeps one append-only ledger per shared file, recording which peer advertised which
byte range and when. Seeding peers register a file and advertise it a segment at a time.
Downloading peers fetch the ledger, pick the newest advertiser for each chunk, and pull the bytes
directly from that peer.

	cfg := chunkledger.NewDefaultClientConfig()
	cl, _ := chunkledger.NewClient(cfg)
	defer cl.Close()
	path, _ := cl.Download(ctx, "movie.mkv")
*/
package chunkledger
