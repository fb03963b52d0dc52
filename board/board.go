// Package board tracks batch digests reported by workers that are not yet
// included in one of this validator's headers.
package board

import (
	"context"
	"log/slog"
	"sync"

	"github.com/iykyk-syn/braid/vertex"
)

// BatchInfo describes a batch available from a worker.
type BatchInfo struct {
	Digest vertex.Digest
	Size   uint64
	Worker uint32
}

// Board is a bounded in-memory set of available batch digests in arrival
// order. When full, the oldest digest is evicted: batches stay available from
// workers, so dropping the reference is a liveness concern only.
type Board struct {
	capacity int

	mu      sync.Mutex
	order   []vertex.Digest
	entries map[vertex.Digest]BatchInfo
	waiters []chan struct{}

	log *slog.Logger
}

// New instantiates a Board holding at most capacity digests.
func New(capacity int) *Board {
	return &Board{
		capacity: capacity,
		entries:  make(map[vertex.Digest]BatchInfo, capacity),
		log:      slog.With("module", "board"),
	}
}

// Push reports a fresh batch digest. Re-reporting a known digest is a no-op.
// When the Board is full the oldest digest is evicted to make room.
func (b *Board) Push(info BatchInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[info.Digest]; ok {
		return
	}

	if len(b.order) >= b.capacity {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.entries, oldest)
		b.log.Debug("evicted oldest batch digest", "digest", oldest)
	}

	b.order = append(b.order, info.Digest)
	b.entries[info.Digest] = info
	b.notify()
}

// Take removes and returns up to max digests in arrival order.
func (b *Board) Take(max int) []BatchInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(max, len(b.order))
	if n == 0 {
		return nil
	}

	taken := make([]BatchInfo, n)
	for i, d := range b.order[:n] {
		taken[i] = b.entries[d]
		delete(b.entries, d)
	}
	b.order = append([]vertex.Digest{}, b.order[n:]...)
	return taken
}

// Return puts digests back at the front of the Board. Used when a header
// holding them is discarded before it was persisted.
func (b *Board) Return(infos []BatchInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()

	front := make([]vertex.Digest, 0, len(infos))
	for _, info := range infos {
		if _, ok := b.entries[info.Digest]; ok {
			continue
		}
		b.entries[info.Digest] = info
		front = append(front, info.Digest)
	}
	b.order = append(front, b.order...)
	if len(front) > 0 {
		b.notify()
	}
}

// Delete drops a digest, e.g. once it was observed included in a peer's header.
func (b *Board) Delete(d vertex.Digest) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[d]; !ok {
		return
	}
	delete(b.entries, d)
	for i, o := range b.order {
		if o == d {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Len reports how many digests are currently available.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Wait blocks until the Board is non-empty or the context is done.
func (b *Board) Wait(ctx context.Context) error {
	b.mu.Lock()
	if len(b.order) > 0 {
		b.mu.Unlock()
		return nil
	}

	wait := make(chan struct{})
	b.waiters = append(b.waiters, wait)
	b.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify wakes all Wait callers. Callers must hold b.mu.
func (b *Board) notify() {
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}
