// internal/domain/payment/matcher.go
package payment

import "github.com/shopspring/decimal"

// maxCombinationSize bounds the combination search. The search is
// exponential in this bound and linear in the unpaid-obligation count, so
// it must stay small for groups of a few hundred members.
const maxCombinationSize = 4

// epsilon is one unit of the assigned amount precision.
var epsilon = decimal.New(1, -AmountPrecision)

// FindMatches matches an observed transfer amount against the unpaid
// obligations and returns the obligations it settles.
//
// The single-match pass returns the first unpaid obligation whose amount is
// within epsilon of the transfer. Obligations are visited in the order the
// caller supplies (callers pass a stable, user-id-sorted slice); two
// obligations within epsilon of each other are resolved by first match,
// which is a known limitation rather than a guarantee.
//
// If no single obligation matches, combinations of size 2 through
// maxCombinationSize are searched in increasing size, lexicographic order,
// with the tolerance scaled by the combination size. Every obligation in
// the first matching combination is settled at its own assigned amount,
// not a pro-rata split of the transfer.
//
// An empty result means the transfer is unmatched; it is not retried.
func FindMatches(amount decimal.Decimal, unpaid []*Obligation) []*Obligation {
	for _, o := range unpaid {
		if amount.Sub(o.Amount).Abs().LessThan(epsilon) {
			return []*Obligation{o}
		}
	}

	for size := 2; size <= maxCombinationSize && size <= len(unpaid); size++ {
		tolerance := epsilon.Mul(decimal.NewFromInt(int64(size)))
		if combo := findCombination(amount, tolerance, unpaid, size); combo != nil {
			return combo
		}
	}
	return nil
}

// findCombination enumerates index combinations of the given size in
// lexicographic order and returns the first whose amounts sum within
// tolerance of the target.
func findCombination(target, tolerance decimal.Decimal, unpaid []*Obligation, size int) []*Obligation {
	indices := make([]int, size)
	var walk func(start, depth int, sum decimal.Decimal) []*Obligation
	walk = func(start, depth int, sum decimal.Decimal) []*Obligation {
		if depth == size {
			if target.Sub(sum).Abs().LessThan(tolerance) {
				combo := make([]*Obligation, size)
				for i, idx := range indices {
					combo[i] = unpaid[idx]
				}
				return combo
			}
			return nil
		}
		for i := start; i <= len(unpaid)-(size-depth); i++ {
			indices[depth] = i
			if combo := walk(i+1, depth+1, sum.Add(unpaid[i].Amount)); combo != nil {
				return combo
			}
		}
		return nil
	}
	return walk(0, 0, decimal.Zero)
}
