// Package store persists headers and certificates behind the primary,
// keyed by content digest, with a per-round certificate index and the
// committed-round marker. All multi-key mutations are committed atomically
// so a crash never leaves a certificate without its index entry.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v2"

	"github.com/iykyk-syn/braid/vertex"
)

// ErrNotFound reports absence of a key. Absence is an expected condition,
// not a storage fault.
var ErrNotFound = errors.New("store: not found")

const (
	headerPrefix byte = iota + 1
	certificatePrefix
	roundIndexPrefix
	committedRoundKey
	lastProposedKey
)

// Store is a badger-backed persistent map for the primary's protocol state.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens or creates a Store at the given directory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", path, err)
	}
	return New(db), nil
}

// New wraps an existing badger instance.
func New(db *badger.DB) *Store {
	return &Store{db: db, log: slog.With("module", "store")}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutHeader persists a Header by its digest.
func (s *Store) PutHeader(h *vertex.Header) error {
	dgst, err := h.Digest()
	if err != nil {
		return err
	}
	bin, err := h.MarshalBinary()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(headerPrefix, dgst.Bytes()), bin)
	})
}

// Header reads a Header by digest.
func (s *Store) Header(d vertex.Digest) (*vertex.Header, error) {
	var h vertex.Header
	err := s.get(key(headerPrefix, d.Bytes()), func(val []byte) error {
		return h.UnmarshalBinary(val)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// HasHeader reports whether a Header with the digest is stored.
func (s *Store) HasHeader(d vertex.Digest) (bool, error) {
	return s.has(key(headerPrefix, d.Bytes()))
}

// PutCertificate persists a Certificate together with its round index entry
// in a single transaction.
func (s *Store) PutCertificate(c *vertex.Certificate) error {
	dgst, err := c.Digest()
	if err != nil {
		return err
	}
	bin, err := c.MarshalBinary()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(certificatePrefix, dgst.Bytes()), bin); err != nil {
			return err
		}
		return txn.Set(roundKey(c.Round(), c.Author()), dgst.Bytes())
	})
}

// Certificate reads a Certificate by digest.
func (s *Store) Certificate(d vertex.Digest) (*vertex.Certificate, error) {
	var c vertex.Certificate
	err := s.get(key(certificatePrefix, d.Bytes()), func(val []byte) error {
		return c.UnmarshalBinary(val)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// HasCertificate reports whether a Certificate with the digest is stored.
func (s *Store) HasCertificate(d vertex.Digest) (bool, error) {
	return s.has(key(certificatePrefix, d.Bytes()))
}

// CertificateDigest looks up the digest of the certificate stored for the
// given (round, author) DAG slot.
func (s *Store) CertificateDigest(round uint64, author []byte) (vertex.Digest, error) {
	var d vertex.Digest
	err := s.get(roundKey(round, author), func(val []byte) error {
		var err error
		d, err = vertex.DigestFromBytes(val)
		return err
	})
	return d, err
}

// CertificatesInRound lists all certificates stored for a round.
func (s *Store) CertificatesInRound(round uint64) ([]*vertex.Certificate, error) {
	var digests []vertex.Digest
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = roundPrefix(round)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				d, err := vertex.DigestFromBytes(val)
				if err != nil {
					return err
				}
				digests = append(digests, d)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	certs := make([]*vertex.Certificate, 0, len(digests))
	for _, d := range digests {
		c, err := s.Certificate(d)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, nil
}

// SetCommittedRound advances the committed-round marker. The marker only
// moves forward.
func (s *Store) SetCommittedRound(round uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		current, err := committedRound(txn)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if round <= current {
			return nil
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], round)
		return txn.Set([]byte{committedRoundKey}, buf[:])
	})
}

// CommittedRound reads the committed-round marker, zero when never set.
func (s *Store) CommittedRound() (uint64, error) {
	var round uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		round, err = committedRound(txn)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return round, err
}

// PutOwnHeader persists this validator's freshly signed Header and the
// last-proposed marker atomically. This is the proposal commit point.
func (s *Store) PutOwnHeader(h *vertex.Header) error {
	dgst, err := h.Digest()
	if err != nil {
		return err
	}
	bin, err := h.MarshalBinary()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(headerPrefix, dgst.Bytes()), bin); err != nil {
			return err
		}
		return txn.Set([]byte{lastProposedKey}, dgst.Bytes())
	})
}

// LastProposed reads the most recent Header this validator signed and persisted.
func (s *Store) LastProposed() (*vertex.Header, error) {
	var d vertex.Digest
	err := s.get([]byte{lastProposedKey}, func(val []byte) error {
		var err error
		d, err = vertex.DigestFromBytes(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Header(d)
}

// PruneRoundsBelow removes all headers, certificates and index entries for
// rounds strictly below the given round. Returns the number of pruned slots.
func (s *Store) PruneRoundsBelow(round uint64) (int, error) {
	type slot struct {
		indexKey []byte
		digest   vertex.Digest
	}

	var slots []slot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{roundIndexPrefix}

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			if slotRound(k) >= round {
				continue
			}
			err := item.Value(func(val []byte) error {
				d, err := vertex.DigestFromBytes(val)
				if err != nil {
					return err
				}
				slots = append(slots, slot{indexKey: k, digest: d})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, sl := range slots {
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(sl.indexKey); err != nil {
				return err
			}
			if err := txn.Delete(key(certificatePrefix, sl.digest.Bytes())); err != nil {
				return err
			}
			return txn.Delete(key(headerPrefix, sl.digest.Bytes()))
		})
		if err != nil {
			return 0, err
		}
	}

	if len(slots) > 0 {
		s.log.Debug("pruned rounds", "below", round, "slots", len(slots))
	}
	return len(slots), nil
}

func (s *Store) get(k []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(fn)
	})
}

func (s *Store) has(k []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func committedRound(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte{committedRoundKey})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var round uint64
	err = item.Value(func(val []byte) error {
		round = binary.BigEndian.Uint64(val)
		return nil
	})
	return round, err
}

func key(prefix byte, body []byte) []byte {
	k := make([]byte, 1+len(body))
	k[0] = prefix
	copy(k[1:], body)
	return k
}

func roundPrefix(round uint64) []byte {
	k := make([]byte, 9)
	k[0] = roundIndexPrefix
	binary.BigEndian.PutUint64(k[1:], round)
	return k
}

func roundKey(round uint64, author []byte) []byte {
	return append(roundPrefix(round), author...)
}

// slotRound extracts the round from a round index key.
func slotRound(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[1:9])
}
