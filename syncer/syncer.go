// Package syncer backfills missing causal ancestors from peers and serves
// the symmetric requests of peers from the local store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/iykyk-syn/braid/primary"
	"github.com/iykyk-syn/braid/store"
	"github.com/iykyk-syn/braid/vertex"
)

var defaultProtocolID = protocol.ID("/braid/fetch/v0.0.1")

// errUnavailable reports exhaustion of all peers for a digest within one attempt.
var errUnavailable = errors.New("digest unavailable from all peers")

// CertificateHandler receives certificates resolved from peers. Satisfied by
// the primary Core.
type CertificateHandler interface {
	SubmitCertificate(context.Context, *vertex.Certificate) (primary.Outcome, error)
}

// PeersFn lists the peers currently eligible to serve fetch requests.
type PeersFn func() []peer.ID

// ResolveFn maps a validator identity to its peer, when known.
type ResolveFn func(author []byte) (peer.ID, bool)

// Config carries the retry tunables of the Syncer. The attempt budget is
// operational tuning, not a protocol invariant.
type Config struct {
	// MaxAttempts caps retries before a digest is declared unavailable.
	MaxAttempts uint64
	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// RequestTimeout bounds a single peer round-trip.
	RequestTimeout time.Duration
}

// DefaultConfig returns the default Syncer tunables.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    8,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

const (
	kindHeaders uint8 = iota + 1
	kindCertificates
)

// request asks a peer for the artifacts with the given digests.
type request struct {
	Kind    uint8
	Digests []vertex.Digest
}

// response returns the artifacts the peer holds. Anything evicted or never
// seen is simply absent, which is not an error.
type response struct {
	Entries [][]byte
}

// Syncer fetches missing headers and certificates from peers with bounded
// exponential backoff, and serves peer requests from the Store. Concurrent
// identical fetches are coalesced into one outstanding request.
type Syncer struct {
	host    host.Host
	store   *store.Store
	handler CertificateHandler
	peers   PeersFn
	resolve ResolveFn
	cfg     Config

	protocolID protocol.ID
	group      singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// New instantiates a Syncer. Resolved certificates are pushed into the handler.
func New(
	cfg Config,
	host host.Host,
	st *store.Store,
	handler CertificateHandler,
	peers PeersFn,
	resolve ResolveFn,
) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		host:       host,
		store:      st,
		handler:    handler,
		peers:      peers,
		resolve:    resolve,
		cfg:        cfg,
		protocolID: defaultProtocolID,
		ctx:        ctx,
		cancel:     cancel,
		log:        slog.With("module", "syncer"),
	}
}

// Start registers the inbound fetch handler.
func (s *Syncer) Start() {
	s.host.SetStreamHandler(s.protocolID, func(stream network.Stream) {
		if err := s.serve(stream); err != nil {
			s.log.Error("serving fetch request", "err", err)
		}
	})
	s.log.Debug("started")
}

// Stop deregisters the handler and cancels outstanding fetches.
func (s *Syncer) Stop() {
	s.host.RemoveStreamHandler(s.protocolID)
	s.cancel()
}

// RequestCertificates fetches the certificates with the given digests,
// preferring the origin author's peer as the first source. Asynchronous:
// results arrive through the certificate handler.
func (s *Syncer) RequestCertificates(origin []byte, digests []vertex.Digest) {
	for _, d := range digests {
		d := d
		go func() {
			_, err, _ := s.group.Do(d.String(), func() (any, error) {
				return nil, s.fetchCertificate(origin, d)
			})
			if err != nil {
				s.log.Warn("certificate fetch failed", "digest", d, "err", err)
			}
		}()
	}
}

// fetchCertificate tries peers with exponential backoff and jitter until the
// certificate resolves or the attempt budget is spent.
func (s *Syncer) fetchCertificate(origin []byte, d vertex.Digest) error {
	backoff := retry.NewExponential(s.cfg.BaseDelay)
	backoff = retry.WithCappedDuration(s.cfg.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithMaxRetries(s.cfg.MaxAttempts, backoff)

	return retry.Do(s.ctx, backoff, func(ctx context.Context) error {
		for _, p := range s.orderedPeers(origin) {
			cert, err := s.fetchFrom(ctx, p, d)
			if err != nil {
				s.log.Debug("peer fetch attempt", "peer", p, "digest", d, "err", err)
				continue
			}
			if cert == nil {
				continue // peer does not hold it
			}

			outcome, err := s.handler.SubmitCertificate(ctx, cert)
			if err != nil && outcome == primary.OutcomeUnknown {
				return fmt.Errorf("submitting fetched certificate: %w", err)
			}
			return nil
		}
		return retry.RetryableError(errUnavailable)
	})
}

// orderedPeers lists the candidate peers, the origin author's peer first.
func (s *Syncer) orderedPeers(origin []byte) []peer.ID {
	peers := s.peers()
	originPeer, ok := s.resolve(origin)
	if !ok {
		return peers
	}

	ordered := make([]peer.ID, 0, len(peers)+1)
	ordered = append(ordered, originPeer)
	for _, p := range peers {
		if p != originPeer {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// fetchFrom performs a single request round-trip. A nil certificate with nil
// error means the peer does not hold the digest.
func (s *Syncer) fetchFrom(ctx context.Context, p peer.ID, d vertex.Digest) (*vertex.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.roundTrip(ctx, p, &request{Kind: kindCertificates, Digests: []vertex.Digest{d}})
	if err != nil {
		return nil, err
	}
	if len(resp.Entries) == 0 {
		return nil, nil
	}

	var cert vertex.Certificate
	if err := cert.UnmarshalBinary(resp.Entries[0]); err != nil {
		return nil, fmt.Errorf("decoding fetched certificate: %w", err)
	}

	got, err := cert.Digest()
	if err != nil {
		return nil, err
	}
	if got != d {
		return nil, fmt.Errorf("peer %s returned wrong certificate %s for %s", p, got, d)
	}
	return &cert, nil
}

// Headers fetches the given headers from a specific peer. Absent digests are
// missing from the result, not errors.
func (s *Syncer) Headers(ctx context.Context, p peer.ID, digests []vertex.Digest) (map[vertex.Digest]*vertex.Header, error) {
	resp, err := s.roundTrip(ctx, p, &request{Kind: kindHeaders, Digests: digests})
	if err != nil {
		return nil, err
	}

	out := make(map[vertex.Digest]*vertex.Header, len(resp.Entries))
	for _, entry := range resp.Entries {
		var h vertex.Header
		if err := h.UnmarshalBinary(entry); err != nil {
			return nil, fmt.Errorf("decoding fetched header: %w", err)
		}
		d, err := h.Digest()
		if err != nil {
			return nil, err
		}
		out[d] = &h
	}
	return out, nil
}

func (s *Syncer) roundTrip(ctx context.Context, p peer.ID, req *request) (*response, error) {
	stream, err := s.host.NewStream(ctx, p, s.protocolID)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(dl); err != nil {
			s.log.Warn("setting stream deadline", "err", err)
		}
	}

	bin, err := vertex.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(bin); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, err
	}

	respBin, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp response
	if err := vertex.Unmarshal(respBin, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// serve answers a peer's fetch request from the Store. Responses are
// idempotent and side-effect-free.
func (s *Syncer) serve(stream network.Stream) error {
	defer stream.Close()

	reqBin, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}

	var req request
	if err := vertex.Unmarshal(reqBin, &req); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}

	var resp response
	for _, d := range req.Digests {
		var bin []byte
		switch req.Kind {
		case kindHeaders:
			h, err := s.store.Header(d)
			if err == nil {
				bin, err = h.MarshalBinary()
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		case kindCertificates:
			cert, err := s.store.Certificate(d)
			if err == nil {
				bin, err = cert.MarshalBinary()
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		default:
			return fmt.Errorf("unknown fetch kind %d", req.Kind)
		}
		if bin != nil {
			resp.Entries = append(resp.Entries, bin)
		}
	}

	respBin, err := vertex.Marshal(&resp)
	if err != nil {
		return err
	}
	if _, err := stream.Write(respBin); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}
