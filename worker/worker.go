// Package worker is the boundary with the worker processes that batch and
// digest raw transactions: a push interface reporting freshly available batch
// digests to the board.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/iykyk-syn/braid/board"
	"github.com/iykyk-syn/braid/vertex"
)

var defaultProtocolID = protocol.ID("/braid/worker/v0.0.1")

// announcement is the wire form of a batch digest report.
type announcement struct {
	Digest []byte
	Size   uint64
	Worker uint32
}

// Listener accepts batch digest reports from out-of-process workers and
// pushes them onto the board. There is no ordering across workers.
type Listener struct {
	host  host.Host
	board *board.Board

	protocolID protocol.ID

	log *slog.Logger
}

// NewListener instantiates a Listener feeding the given board.
func NewListener(host host.Host, b *board.Board) *Listener {
	return &Listener{
		host:       host,
		board:      b,
		protocolID: defaultProtocolID,
		log:        slog.With("module", "worker-listener"),
	}
}

func (l *Listener) Start() {
	l.host.SetStreamHandler(l.protocolID, func(stream network.Stream) {
		if err := l.rcvDigest(stream); err != nil {
			l.log.Error("receiving batch digest", "err", err)
		}
	})
	l.log.Debug("started")
}

func (l *Listener) Stop() {
	l.host.RemoveStreamHandler(l.protocolID)
}

func (l *Listener) rcvDigest(s network.Stream) error {
	bin, err := io.ReadAll(s)
	if err != nil {
		return fmt.Errorf("reading announcement: %w", err)
	}
	// ack other side that we are done by closing the stream
	if err = s.Close(); err != nil {
		return fmt.Errorf("closing stream: %w", err)
	}

	var ann announcement
	if err := vertex.Unmarshal(bin, &ann); err != nil {
		return fmt.Errorf("unmarshalling announcement: %w", err)
	}

	dgst, err := vertex.DigestFromBytes(ann.Digest)
	if err != nil {
		return fmt.Errorf("validating announced digest: %w", err)
	}

	l.board.Push(board.BatchInfo{Digest: dgst, Size: ann.Size, Worker: ann.Worker})
	return nil
}

// Report announces a batch digest to a primary. Used by worker processes.
func Report(ctx context.Context, h host.Host, to peer.ID, info board.BatchInfo) error {
	stream, err := h.NewStream(ctx, to, defaultProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok {
		if err = stream.SetDeadline(dl); err != nil {
			slog.Warn("setting deadline for batch report", "err", err)
		}
	}

	bin, err := vertex.Marshal(&announcement{
		Digest: info.Digest.Bytes(),
		Size:   info.Size,
		Worker: info.Worker,
	})
	if err != nil {
		return err
	}

	if _, err = stream.Write(bin); err != nil {
		return fmt.Errorf("writing announcement: %w", err)
	}
	if err = stream.CloseWrite(); err != nil {
		return err
	}
	// await ack from the other side
	if _, err = stream.Read(make([]byte, 1)); err != nil && err != io.EOF {
		return fmt.Errorf("awaiting acknowledgement: %w", err)
	}
	return nil
}
