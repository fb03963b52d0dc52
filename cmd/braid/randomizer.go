package main

import (
	"context"
	"crypto/rand"
	"log/slog"
	"time"

	"github.com/iykyk-syn/braid/board"
	"github.com/iykyk-syn/braid/vertex"
)

// RandomBatches simulates a worker by periodically announcing a batch of
// random data for inclusion.
func RandomBatches(ctx context.Context, b *board.Board, batchSize int, batchTime time.Duration) {
	ticker := time.NewTicker(batchTime)
	defer ticker.Stop()

	log := slog.With("module", "randomizer")
	for {
		select {
		case <-ticker.C:
			batchData := make([]byte, batchSize)
			rand.Read(batchData)
			b.Push(board.BatchInfo{
				Digest: vertex.Hash(batchData),
				Size:   uint64(batchSize),
			})
			log.DebugContext(ctx, "pushed batch")

		case <-ctx.Done():
			return
		}
	}
}
