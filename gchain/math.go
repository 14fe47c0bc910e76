package gchain

import (
	"errors"
	"fmt"
	"math/bits"
)

// Fraction is a quorum fraction of total voting power.
type Fraction struct {
	Num uint64 `json:"num" mapstructure:"num"`
	Den uint64 `json:"den" mapstructure:"den"`
}

// DefaultQuorum is the supermajority used when no fraction is configured.
var DefaultQuorum = Fraction{Num: 2, Den: 3}

// Validate checks that f is a strict majority no greater than 1.
// A strict majority guarantees two different values cannot both reach quorum
// within the same validator set.
func (f Fraction) Validate() error {
	if f.Den == 0 {
		return errors.New("quorum denominator must be positive")
	}
	if f.Num > f.Den {
		return fmt.Errorf("quorum %d/%d exceeds 1", f.Num, f.Den)
	}
	hi, lo := bits.Mul64(f.Num, 2)
	if hi == 0 && lo <= f.Den {
		return fmt.Errorf("quorum %d/%d must be a strict majority", f.Num, f.Den)
	}
	return nil
}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// QuorumThreshold returns the minimum power that meets quorum f of total,
// i.e. ceil(total * f.Num / f.Den).
// Comparisons against the result must use >=.
//
// QuorumThreshold panics if total is zero or f is not valid.
func QuorumThreshold(total uint64, f Fraction) uint64 {
	if total == 0 {
		panic(errors.New("BUG: QuorumThreshold: total power must be positive"))
	}
	if f.Den == 0 || f.Num > f.Den {
		panic(fmt.Errorf("BUG: QuorumThreshold: invalid fraction %s", f))
	}

	// total*Num/Den <= total, so the quotient never overflows.
	hi, lo := bits.Mul64(total, f.Num)
	q, r := bits.Div64(hi, lo, f.Den)
	if r > 0 {
		q++
	}
	return q
}
