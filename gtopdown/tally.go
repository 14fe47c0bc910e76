package gtopdown

import (
	"sort"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
)

// TallyResult is the outcome of [Tally].
type TallyResult struct {
	Threshold uint64

	// Summed power per target.
	Power map[string]uint64

	// The unique target at or above Threshold, if OK.
	Agreed string
	OK     bool
}

// Tally sums, per target, the power of distinct voters in powers
// and reports the target reaching the quorum threshold of total.
//
// votes maps voter to target.
// Voters absent from powers contribute nothing.
// If no target, or more than one target, reaches the threshold,
// there is no agreement.
func Tally(powers map[string]uint64, total uint64, q gchain.Fraction, votes map[string]string) TallyResult {
	res := TallyResult{
		Threshold: gchain.QuorumThreshold(total, q),
		Power:     make(map[string]uint64),
	}

	for voter, target := range votes {
		res.Power[target] += powers[voter]
	}

	// Map iteration order must not leak into the result.
	targets := make([]string, 0, len(res.Power))
	for t := range res.Power {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	n := 0
	for _, t := range targets {
		if res.Power[t] >= res.Threshold {
			n++
			res.Agreed = t
		}
	}
	if n != 1 {
		res.Agreed = ""
		return res
	}
	res.OK = true
	return res
}

// PowerByKey maps each registry-encoded validator key in set to its power.
func PowerByKey(reg *gcrypto.Registry, set gchain.ValidatorSet) map[string]uint64 {
	out := make(map[string]uint64, len(set.Validators))
	for _, v := range set.Validators {
		out[string(reg.Marshal(v.PubKey))] = v.Power
	}
	return out
}
