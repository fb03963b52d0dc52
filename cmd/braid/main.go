package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/iykyk-syn/braid/board"
	"github.com/iykyk-syn/braid/cmd/braid/bootstrap"
	"github.com/iykyk-syn/braid/crypto"
	"github.com/iykyk-syn/braid/crypto/ed25519"
	"github.com/iykyk-syn/braid/crypto/local"
	"github.com/iykyk-syn/braid/gossip"
	"github.com/iykyk-syn/braid/primary"
	"github.com/iykyk-syn/braid/proposer"
	"github.com/iykyk-syn/braid/store"
	"github.com/iykyk-syn/braid/syncer"
	"github.com/iykyk-syn/braid/vertex"
	"github.com/iykyk-syn/braid/worker"
)

var networkID gossip.NetworkID = "braid"

var (
	isBootstrapper bool
	bootstrapper   string
	dbPath         string
	kickoffTimeout time.Duration
	batchSize      int
	batchTime      time.Duration
	boardCapacity  int
)

func init() {
	flag.BoolVar(&isBootstrapper, "is-bootstrapper", false,
		"To indicate node is bootstrapper",
	)
	flag.StringVar(&bootstrapper, "bootstrapper", "",
		"Specifies network bootstrapper multiaddr",
	)
	flag.StringVar(&dbPath, "db-path", "",
		"Directory for the persistent DAG store. Defaults to ~/.braid/db",
	)
	flag.DurationVar(&kickoffTimeout, "kickoff-timeout", time.Second*5,
		"Timeout before starting header production",
	)
	flag.IntVar(&batchSize, "batch-size", 2000*125,
		"Batch size to be produced every 'batch-time' (bytes). 0 disables batch production",
	)
	flag.DurationVar(&batchTime, "batch-time", time.Second, "Batch production time")
	flag.IntVar(&boardCapacity, "board-capacity", 4096,
		"Maximum number of batch digests buffered for inclusion",
	)
	flag.Parse()

	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx)
	if err != nil {
		fmt.Println(err)
		defer os.Exit(1)
		return
	}
}

// voteRelay and fetchRelay break the construction cycle between the Core and
// its networking collaborators: the Core needs them at construction time,
// while they need the Core as their handler.
type voteRelay struct {
	bro *gossip.Broadcaster
}

func (r *voteRelay) BroadcastVote(ctx context.Context, v *vertex.Vote) error {
	return r.bro.BroadcastVote(ctx, v)
}

type fetchRelay struct {
	syn *syncer.Syncer
}

func (r *fetchRelay) RequestCertificates(origin []byte, digests []vertex.Digest) {
	r.syn.RequestCertificates(origin, digests)
}

func run(ctx context.Context) error {
	p2pKey, privKey, home, err := getIdentity()
	if err != nil {
		return err
	}

	signer, err := local.NewSigner(privKey)
	if err != nil {
		return err
	}

	listenAddrs := []string{
		"/ip4/0.0.0.0/udp/10000/quic-v1",
		"/ip6/::/udp/10000/quic-v1",
	}
	listenMAddrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
	for _, s := range listenAddrs {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return err
		}
		listenMAddrs = append(listenMAddrs, addr)
	}

	host, err := libp2p.New(
		libp2p.Identity(p2pKey),
		libp2p.ListenAddrs(listenMAddrs...),
		libp2p.ResourceManager(&network.NullResourceManager{}),
	)
	if err != nil {
		return err
	}
	defer host.Close()

	addrs, err := peer.AddrInfoToP2pAddrs(p2phost.InfoFromHost(host))
	if err != nil {
		return err
	}

	fmt.Println("The p2p host is listening on:")
	for _, addr := range addrs {
		fmt.Println("* ", addr.String())
	}
	fmt.Println()

	pSub, err := pubsub.NewFloodSub(ctx, host)
	if err != nil {
		return err
	}

	boot := bootstrap.NewService(signer.ID(), host)
	if isBootstrapper {
		boot.Serve()
	} else {
		maddr, err := multiaddr.NewMultiaddr(bootstrapper)
		if err != nil {
			return fmt.Errorf("wrong bootstrapper multiaddr: %w", err)
		}

		addrInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return err
		}

		err = boot.Start(ctx, *addrInfo)
		if err != nil {
			return err
		}
	}

	select {
	case <-time.After(kickoffTimeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	comm, err := boot.Committee(0)
	if err != nil {
		return err
	}

	if dbPath == "" {
		dbPath = home + "/db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close() //nolint: errcheck

	votes := &voteRelay{}
	fetches := &fetchRelay{}
	core, err := primary.New(primary.DefaultConfig(), comm, signer, st, votes, fetches)
	if err != nil {
		return err
	}

	bro := gossip.NewBroadcaster(networkID, core, pSub)
	votes.bro = bro

	syn := syncer.New(syncer.DefaultConfig(), host, st, core, host.Network().Peers, boot.Resolve)
	fetches.syn = syn

	syn.Start()
	defer syn.Stop()

	err = bro.Start()
	if err != nil {
		return err
	}
	defer bro.Stop(ctx) //nolint: errcheck

	core.Start()
	defer core.Stop(ctx) //nolint: errcheck

	batches := board.New(boardCapacity)
	listener := worker.NewListener(host, batches)
	listener.Start()
	defer listener.Stop()

	prop := proposer.New(proposer.DefaultConfig(), core, batches, st, signer, bro)
	prop.Start()
	defer prop.Stop()

	go consumeFeed(ctx, core)

	if batchSize == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	RandomBatches(ctx, batches, batchSize, batchTime)
	return nil
}

// consumeFeed drains certified vertices in causal order, standing in for the
// downstream consensus. Each certificate is acknowledged to let garbage
// collection progress.
func consumeFeed(ctx context.Context, core *primary.Core) {
	log := slog.With("module", "consumer")
	deliveries := core.Feed().Deliveries()
	for {
		select {
		case cert, ok := <-deliveries:
			if !ok {
				return
			}
			log.InfoContext(ctx, "certified vertex",
				"round", cert.Round(),
				"author", hex.EncodeToString(cert.Author())[:8],
				"batches", len(cert.Header.Batches),
			)
			err := core.Feed().Ack(ctx, cert.Round())
			if err != nil {
				log.ErrorContext(ctx, "acking round", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

const dir = "/.braid"

func getIdentity() (libp2pcrypto.PrivKey, crypto.PrivKey, string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil, "", err
	}

	dir := home + dir
	if err = os.Mkdir(dir, os.ModePerm); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, nil, "", err
	}

	var keyBytes []byte
	path := dir + "/key"
	f, err := os.Open(path)
	if err != nil {
		f, err = os.Create(path)
		if err != nil {
			return nil, nil, "", err
		}

		privKey, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			defer f.Close()
			return nil, nil, "", err
		}

		keyBytes, err = libp2pcrypto.MarshalPrivateKey(privKey)
		if err != nil {
			defer f.Close()
			return nil, nil, "", err
		}

		_, err = f.Write(keyBytes)
		if err != nil {
			defer f.Close()
			return nil, nil, "", err
		}
		if err = f.Sync(); err != nil {
			return nil, nil, "", err
		}
	}
	defer f.Close()

	if keyBytes == nil {
		keyBytes, err = io.ReadAll(f)
		if err != nil {
			return nil, nil, "", err
		}
	}

	p2pKey, err := libp2pcrypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, nil, "", err
	}

	keyRaw, err := p2pKey.Raw()
	if err != nil {
		return nil, nil, "", err
	}
	key := ed25519.PrivateKey(keyRaw)

	slog.Info("identity", "key", hex.EncodeToString(key.PubKey().Bytes()))
	return p2pKey, key, dir, nil
}
