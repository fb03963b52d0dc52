package board

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iykyk-syn/braid/vertex"
)

func info(i int) BatchInfo {
	return BatchInfo{
		Digest: vertex.Hash([]byte(fmt.Sprintf("batch-%d", i))),
		Size:   uint64(i),
	}
}

func TestBoardOrderAndDedup(t *testing.T) {
	b := New(16)
	for i := 0; i < 3; i++ {
		b.Push(info(i))
	}
	b.Push(info(1)) // duplicate
	assert.Equal(t, 3, b.Len())

	taken := b.Take(2)
	require.Len(t, taken, 2)
	assert.Equal(t, info(0).Digest, taken[0].Digest)
	assert.Equal(t, info(1).Digest, taken[1].Digest)
	assert.Equal(t, 1, b.Len())
}

func TestBoardEviction(t *testing.T) {
	b := New(2)
	for i := 0; i < 3; i++ {
		b.Push(info(i))
	}
	assert.Equal(t, 2, b.Len())

	taken := b.Take(10)
	require.Len(t, taken, 2)
	assert.Equal(t, info(1).Digest, taken[0].Digest)
	assert.Equal(t, info(2).Digest, taken[1].Digest)
}

func TestBoardReturn(t *testing.T) {
	b := New(16)
	for i := 0; i < 4; i++ {
		b.Push(info(i))
	}

	taken := b.Take(2)
	b.Return(taken)

	all := b.Take(10)
	require.Len(t, all, 4)
	for i, got := range all {
		assert.Equal(t, info(i).Digest, got.Digest)
	}
}

func TestBoardDelete(t *testing.T) {
	b := New(16)
	b.Push(info(0))
	b.Push(info(1))

	b.Delete(info(0).Digest)
	b.Delete(info(0).Digest) // idempotent
	assert.Equal(t, 1, b.Len())

	taken := b.Take(10)
	require.Len(t, taken, 1)
	assert.Equal(t, info(1).Digest, taken[0].Digest)
}

func TestBoardWait(t *testing.T) {
	b := New(16)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Push(info(0))

	require.NoError(t, <-errCh)

	// non-empty board does not block
	require.NoError(t, b.Wait(ctx))

	b.Take(10)
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	require.ErrorIs(t, b.Wait(shortCtx), context.DeadlineExceeded)
}
