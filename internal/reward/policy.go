// Package reward converts unrewarded production into reward-token amounts.
package reward

import (
	"fmt"
	"math/big"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/model"
)

// MaxDecimals is the largest number of fractional token digits accepted.
const MaxDecimals = 36

// ErrIneligible is returned for deltas that must not produce a transfer:
// non-positive, below the minimum, or truncating to zero tokens.
var ErrIneligible = eris.New("reward: delta not eligible for distribution")

// Policy is a fixed conversion from production units to reward tokens.
//
// Conversion multiplies the delta by Rate and truncates the product toward
// zero at Decimals fractional digits, the token's smallest representable
// increment. The same delta always yields the same amount.
type Policy struct {
	rate     model.Quantity
	minDelta model.Quantity
	decimals int32
}

// NewPolicy validates and builds a Policy.
func NewPolicy(rate, minDelta model.Quantity, decimals int32) (Policy, error) {
	if rate.Sign() <= 0 {
		return Policy{}, eris.Errorf("reward: rate must be positive, got %s", rate)
	}
	if minDelta.Sign() < 0 {
		return Policy{}, eris.Errorf("reward: min delta must not be negative, got %s", minDelta)
	}
	if decimals < 0 || decimals > MaxDecimals {
		return Policy{}, eris.Errorf("reward: decimals must be in [0, %d], got %d", MaxDecimals, decimals)
	}
	return Policy{rate: rate, minDelta: minDelta, decimals: decimals}, nil
}

// Rate returns tokens per production unit.
func (p Policy) Rate() model.Quantity { return p.rate }

// MinDelta returns the smallest delta that is worth a transfer.
func (p Policy) MinDelta() model.Quantity { return p.minDelta }

// Decimals returns the number of fractional token digits kept.
func (p Policy) Decimals() int32 { return p.decimals }

// Eligible reports whether delta would convert to a transfer. It performs
// the same checks as Convert.
func (p Policy) Eligible(delta model.Quantity) bool {
	_, err := p.Convert(delta)
	return err == nil
}

// Convert turns a production delta into a token amount. It returns
// ErrIneligible when nothing should be transferred.
func (p Policy) Convert(delta model.Quantity) (TokenAmount, error) {
	if delta.Sign() <= 0 || delta.Cmp(p.minDelta) < 0 {
		return TokenAmount{}, ErrIneligible
	}
	raw, err := delta.Mul(p.rate)
	if err != nil {
		return TokenAmount{}, eris.Wrap(err, "reward: convert")
	}
	amount, err := raw.Truncate(p.decimals)
	if err != nil {
		return TokenAmount{}, eris.Wrap(err, "reward: convert")
	}
	if amount.Sign() <= 0 {
		return TokenAmount{}, ErrIneligible
	}
	return TokenAmount{Value: amount, Decimals: p.decimals}, nil
}

// TokenAmount is a reward amount already truncated to the token precision.
type TokenAmount struct {
	Value    model.Quantity
	Decimals int32
}

// BaseUnits returns the amount as an integer count of the smallest token
// increment, the form the ledger expects on the wire.
func (a TokenAmount) BaseUnits() (*big.Int, error) {
	return a.Value.Scaled(a.Decimals)
}

// IsPositive reports whether the amount is greater than zero.
func (a TokenAmount) IsPositive() bool {
	return a.Value.Sign() > 0
}

func (a TokenAmount) String() string {
	return a.Value.String()
}

// FromBaseUnits converts an integer count of the smallest token increment
// back into a token amount.
func FromBaseUnits(units *big.Int, decimals int32) (TokenAmount, error) {
	if units == nil {
		return TokenAmount{}, eris.New("reward: nil base units")
	}
	v, err := model.ParseQuantity(fmt.Sprintf("%sE-%d", units.String(), decimals))
	if err != nil {
		return TokenAmount{}, eris.Wrap(err, "reward: from base units")
	}
	return TokenAmount{Value: v, Decimals: decimals}, nil
}
