package committee

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/iykyk-syn/braid/crypto"
)

// MaxStake is the maximum allowed total voting power.
const MaxStake = int64(math.MaxInt64) / 8

// Validator is a single committee member with its voting power.
type Validator struct {
	PubKey crypto.PubKey
	Stake  int64
}

// Validate performs basic validation.
func (v *Validator) Validate() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.PubKey == nil {
		return errors.New("validator does not have a public key")
	}
	if v.Stake <= 0 {
		return errors.New("validator has non-positive voting power")
	}
	return nil
}

// Committee is an immutable snapshot of the validator set effective for an epoch,
// sorted by voting power in decreasing order with public key as a tie-break.
// Quorum and fault thresholds are derived from the total stake.
type Committee struct {
	epoch      uint64
	validators []*Validator

	totalStake int64
}

// New instantiates a Committee from the given validators.
// The slice is owned by the Committee afterwards.
func New(epoch uint64, validators []*Validator) (*Committee, error) {
	if len(validators) == 0 {
		return nil, errors.New("empty validator set")
	}

	c := &Committee{epoch: epoch, validators: validators}
	for idx, v := range validators {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
		c.totalStake = safeAddClip(c.totalStake, v.Stake)
		if c.totalStake > MaxStake {
			return nil, fmt.Errorf("total stake exceeds limit: %d", c.totalStake)
		}
	}

	sort.Sort(c)
	return c, nil
}

// Epoch returns the epoch this snapshot is valid for.
func (c *Committee) Epoch() uint64 {
	return c.epoch
}

// Member finds a committee member by public key, or nil if unknown.
func (c *Committee) Member(pubK []byte) *Validator {
	for _, v := range c.validators {
		if v.PubKey.Equals(pubK) {
			return v
		}
	}
	return nil
}

// StakeOf returns the voting power of the given member, zero for non-members.
func (c *Committee) StakeOf(pubK []byte) int64 {
	if v := c.Member(pubK); v != nil {
		return v.Stake
	}
	return 0
}

// TotalStake returns the cumulative voting power of all members.
func (c *Committee) TotalStake() int64 {
	return c.totalStake
}

// QuorumStake returns the minimal voting power sufficient to guarantee an
// honest overlap with any other quorum: strictly more than two thirds of the
// total, 2f+1 in equal-stake terms.
func (c *Committee) QuorumStake() int64 {
	return c.totalStake*2/3 + 1
}

// MaxFaultyStake returns the voting power the committee tolerates being
// byzantine: strictly less than a third of the total.
func (c *Committee) MaxFaultyStake() int64 {
	return (c.totalStake - 1) / 3
}

// Validators lists all members in the canonical order.
func (c *Committee) Validators() []*Validator {
	return c.validators
}

func (c *Committee) Len() int { return len(c.validators) }

func (c *Committee) Less(i, j int) bool {
	if c.validators[i].Stake == c.validators[j].Stake {
		return bytes.Compare(c.validators[i].PubKey.Bytes(), c.validators[j].PubKey.Bytes()) == -1
	}
	return c.validators[i].Stake > c.validators[j].Stake
}

func (c *Committee) Swap(i, j int) {
	c.validators[i], c.validators[j] = c.validators[j], c.validators[i]
}

func safeAdd(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return -1, true
	} else if b < 0 && a < math.MinInt64-b {
		return -1, true
	}
	return a + b, false
}

func safeAddClip(a, b int64) int64 {
	c, overflow := safeAdd(a, b)
	if overflow {
		if b < 0 {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	return c
}
