package gtopdown

import (
	"github.com/gordian-engine/gsubnet/gchain"
)

// BuildObservation assembles the observation starting at nextStart
// from the cached parent blocks.
//
// The range extends over consecutive cached blocks, at most maxRange of them,
// and ends after the highest non-null block;
// trailing null rounds are left for a later observation.
// It reports false when no non-null block is available.
func BuildObservation(c *SequentialCache, nextStart, nextNonce, maxRange uint64) (gchain.TopdownObservation, bool, error) {
	var (
		lastNonNull ParentBlock
		found       bool
	)
	for h := nextStart; h < nextStart+maxRange; h++ {
		b, ok := c.Get(h)
		if !ok {
			break
		}
		if !b.IsNull() {
			lastNonNull = b
			found = true
		}
	}
	if !found {
		return gchain.TopdownObservation{}, false, nil
	}

	obs := gchain.TopdownObservation{
		Start:     nextStart,
		End:       lastNonNull.Height + 1,
		BlockHash: lastNonNull.Hash,
	}
	for h := nextStart; h < obs.End; h++ {
		b, _ := c.Get(h)
		obs.Messages = append(obs.Messages, b.Messages...)
		obs.ValidatorChanges = append(obs.ValidatorChanges, b.ValidatorChanges...)
	}
	obs = obs.Canonical()

	if err := CheckNonces(obs.Messages, nextNonce); err != nil {
		return gchain.TopdownObservation{}, false, err
	}
	return obs, true, nil
}

// CheckNonces verifies that msgs, in canonical order,
// carry consecutive nonces beginning at next.
func CheckNonces(msgs []gchain.CrossMsg, next uint64) error {
	for _, m := range msgs {
		if m.Nonce != next {
			return NonceNotSequentialError{Want: next, Got: m.Nonce}
		}
		next++
	}
	return nil
}
