package ledger

import "github.com/omnigate/backend/internal/money"

// Event types stamped on ledger entries by the posting factories.
const (
	EventMint    = "mint"
	EventReserve = "reserve"
	EventCommit  = "commit"
	EventRelease = "release"
	EventVoid    = "void"
)

// MintPostings injects n µUSD of supply for a user. The injection is the
// provider's debt, so system:revenue goes negative.
func MintPostings(userID string, n money.Micro) []Posting {
	return []Posting{
		{Account: AccountAvailable(userID), Delta: n, Denom: money.Denom},
		{Account: AccountRevenue, Delta: -n, Denom: money.Denom},
	}
}

// ReservePostings moves n µUSD from available to held.
func ReservePostings(userID string, n money.Micro) []Posting {
	return []Posting{
		{Account: AccountAvailable(userID), Delta: -n, Denom: money.Denom},
		{Account: AccountHeld(userID), Delta: n, Denom: money.Denom},
	}
}

// CommitPostings settles a reservation: the hold is cleared, the unspent
// difference returns to available, and the actual cost lands in revenue.
// Handles overage refund (actual < reserved) and exact cost alike.
func CommitPostings(userID string, reserved, actual money.Micro) []Posting {
	return []Posting{
		{Account: AccountHeld(userID), Delta: -reserved, Denom: money.Denom},
		{Account: AccountAvailable(userID), Delta: reserved - actual, Denom: money.Denom},
		{Account: AccountRevenue, Delta: actual, Denom: money.Denom},
	}
}

// ReleasePostings reverses a reservation in full.
func ReleasePostings(userID string, n money.Micro) []Posting {
	return []Posting{
		{Account: AccountHeld(userID), Delta: -n, Denom: money.Denom},
		{Account: AccountAvailable(userID), Delta: n, Denom: money.Denom},
	}
}

// VoidPostings reverses a committed charge (administrative reversal):
// revenue gives the money back to the user's available balance.
func VoidPostings(userID string, n money.Micro) []Posting {
	return []Posting{
		{Account: AccountRevenue, Delta: -n, Denom: money.Denom},
		{Account: AccountAvailable(userID), Delta: n, Denom: money.Denom},
	}
}
