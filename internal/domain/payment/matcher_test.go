package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unpaidObligation(userID int64, amount string) *Obligation {
	return &Obligation{CycleID: "cycle-1", UserID: userID, Amount: d(amount)}
}

func TestFindMatchesSingleExact(t *testing.T) {
	unpaid := []*Obligation{
		unpaidObligation(1, "0.000167"),
		unpaidObligation(2, "0.000171"),
	}

	matched := FindMatches(d("0.000171"), unpaid)
	require.Len(t, matched, 1)
	assert.Equal(t, int64(2), matched[0].UserID)
}

func TestFindMatchesWithinTolerance(t *testing.T) {
	unpaid := []*Obligation{unpaidObligation(1, "0.000167")}

	matched := FindMatches(d("0.0001675"), unpaid)
	require.Len(t, matched, 1)
	assert.Equal(t, int64(1), matched[0].UserID)
}

func TestFindMatchesOutsideTolerance(t *testing.T) {
	unpaid := []*Obligation{unpaidObligation(1, "0.000167")}

	assert.Nil(t, FindMatches(d("0.000169"), unpaid))
}

func TestFindMatchesCombinationOfTwo(t *testing.T) {
	unpaid := []*Obligation{
		unpaidObligation(1, "0.000167"),
		unpaidObligation(2, "0.000171"),
		unpaidObligation(3, "0.000183"),
	}

	// 0.000338 = first two amounts; the third must stay pending.
	matched := FindMatches(d("0.000338"), unpaid)
	require.Len(t, matched, 2)
	assert.Equal(t, int64(1), matched[0].UserID)
	assert.Equal(t, int64(2), matched[1].UserID)
	assert.True(t, matched[0].Amount.Equal(d("0.000167")), "members settle at their own assigned amounts")
	assert.True(t, matched[1].Amount.Equal(d("0.000171")))
}

func TestFindMatchesCombinationOfThree(t *testing.T) {
	unpaid := []*Obligation{
		unpaidObligation(1, "0.000167"),
		unpaidObligation(2, "0.000171"),
		unpaidObligation(3, "0.000183"),
		unpaidObligation(4, "0.000502"),
	}

	matched := FindMatches(d("0.000521"), unpaid)
	require.Len(t, matched, 3)
	assert.Equal(t, int64(1), matched[0].UserID)
	assert.Equal(t, int64(2), matched[1].UserID)
	assert.Equal(t, int64(3), matched[2].UserID)
}

func TestFindMatchesNoAccidentalMatch(t *testing.T) {
	unpaid := []*Obligation{
		unpaidObligation(1, "0.000167"),
		unpaidObligation(2, "0.000171"),
		unpaidObligation(3, "0.000183"),
	}

	assert.Nil(t, FindMatches(d("0.01"), unpaid))
}

func TestFindMatchesEmptyUnpaid(t *testing.T) {
	assert.Nil(t, FindMatches(d("0.000167"), nil))
}

func TestFindMatchesTieResolvedByFirstMatch(t *testing.T) {
	// Two obligations within epsilon of each other: first match wins.
	unpaid := []*Obligation{
		unpaidObligation(1, "0.000167"),
		unpaidObligation(2, "0.000167"),
	}

	matched := FindMatches(d("0.000167"), unpaid)
	require.Len(t, matched, 1)
	assert.Equal(t, int64(1), matched[0].UserID)
}
