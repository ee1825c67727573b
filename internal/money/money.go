// Package money centralizes monetary rounding and the close-time payout
// split so financial invariants stay consistent across the store.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ErrInvalidPayouts is returned when the computed split violates the
// payout identity or produces a negative share.
var ErrInvalidPayouts = errors.New("invalid payout split")

// Round rounds a monetary value to 0.01 using HALF_UP.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// ParseAmount parses a non-negative money amount with at most two decimal
// places.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount must be non-negative (got %s)", d)
	}
	if !d.Equal(d.Round(2)) {
		return decimal.Zero, fmt.Errorf("amount must have at most 2 decimal places (got %s)", d)
	}
	return d, nil
}

// PayoutInput holds the inputs of the close-time payout computation.
// Percents must already be validated to [0, 100].
type PayoutInput struct {
	Revenue         decimal.Decimal
	Expense         decimal.Decimal
	ExecutorPercent decimal.Decimal
	AdminPercent    decimal.Decimal
	JuniorPercent   decimal.Decimal
}

// Payouts is the frozen payout split of one closed ticket. The identity
// ExecutorEarned + AdminEarned + JuniorEarned + ProjectTake == NetProfit
// holds exactly for every value returned by CalculatePayouts.
type Payouts struct {
	NetProfit      decimal.Decimal
	ExecutorEarned decimal.Decimal
	AdminEarned    decimal.Decimal
	JuniorEarned   decimal.Decimal
	ProjectTake    decimal.Decimal
}

// CalculatePayouts computes the payout split for a close. Each share is
// rounded independently; the residue is absorbed by the project take so
// the identity holds by construction whenever the percents sum to at most
// 100. The explicit sum check defends against out-of-band percent
// configuration.
func CalculatePayouts(in PayoutInput) (*Payouts, error) {
	netProfit := in.Revenue.Sub(in.Expense)
	if netProfit.IsNegative() {
		netProfit = decimal.Zero
	}
	netProfit = Round(netProfit)

	executorEarned := Round(netProfit.Mul(in.ExecutorPercent).Div(hundred))
	adminEarned := Round(netProfit.Mul(in.AdminPercent).Div(hundred))
	juniorEarned := Round(netProfit.Mul(in.JuniorPercent).Div(hundred))
	projectTake := Round(netProfit.Sub(executorEarned.Add(adminEarned).Add(juniorEarned)))

	if executorEarned.IsNegative() || adminEarned.IsNegative() || juniorEarned.IsNegative() || projectTake.IsNegative() {
		return nil, ErrInvalidPayouts
	}
	if !executorEarned.Add(adminEarned).Add(juniorEarned).Add(projectTake).Equal(netProfit) {
		return nil, ErrInvalidPayouts
	}

	return &Payouts{
		NetProfit:      netProfit,
		ExecutorEarned: executorEarned,
		AdminEarned:    adminEarned,
		JuniorEarned:   juniorEarned,
		ProjectTake:    projectTake,
	}, nil
}
