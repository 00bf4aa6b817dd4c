package model

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/rotisserie/eris"
)

// decimalPrecision bounds every intermediate result. Token amounts with 18
// fractional digits and 18 integer digits still fit.
const decimalPrecision = 60

var (
	exactCtx    = apd.BaseContext.WithPrecision(decimalPrecision)
	truncateCtx = roundDownContext()
)

func roundDownContext() *apd.Context {
	c := apd.BaseContext.WithPrecision(decimalPrecision)
	c.Rounding = apd.RoundDown
	return c
}

// Quantity is an exact decimal amount: production units or reward tokens.
// The zero value is 0.
type Quantity struct {
	d apd.Decimal
}

// NewQuantity returns coeff * 10^exp.
func NewQuantity(coeff int64, exp int32) Quantity {
	var q Quantity
	q.d.Set(apd.New(coeff, exp))
	return q
}

// ParseQuantity parses a decimal string such as "12.5" or "1e3".
func ParseQuantity(s string) (Quantity, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Quantity{}, eris.Wrapf(err, "model: parse quantity %q", s)
	}
	if d.Form != apd.Finite {
		return Quantity{}, eris.Errorf("model: quantity %q is not finite", s)
	}
	var q Quantity
	q.d.Set(d)
	return q, nil
}

// MustQuantity is ParseQuantity for literals; it panics on malformed input.
func MustQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

// Sub returns q - o.
func (q Quantity) Sub(o Quantity) (Quantity, error) {
	var r Quantity
	if _, err := exactCtx.Sub(&r.d, &q.d, &o.d); err != nil {
		return Quantity{}, eris.Wrap(err, "model: subtract quantities")
	}
	return r, nil
}

// Add returns q + o.
func (q Quantity) Add(o Quantity) (Quantity, error) {
	var r Quantity
	if _, err := exactCtx.Add(&r.d, &q.d, &o.d); err != nil {
		return Quantity{}, eris.Wrap(err, "model: add quantities")
	}
	return r, nil
}

// Mul returns q * o.
func (q Quantity) Mul(o Quantity) (Quantity, error) {
	var r Quantity
	if _, err := exactCtx.Mul(&r.d, &q.d, &o.d); err != nil {
		return Quantity{}, eris.Wrap(err, "model: multiply quantities")
	}
	return r, nil
}

// Truncate drops every digit beyond the given number of fractional places,
// rounding toward zero.
func (q Quantity) Truncate(places int32) (Quantity, error) {
	var r Quantity
	if _, err := truncateCtx.Quantize(&r.d, &q.d, -places); err != nil {
		return Quantity{}, eris.Wrapf(err, "model: truncate to %d places", places)
	}
	return r, nil
}

// Scaled returns q * 10^places truncated to an integer.
func (q Quantity) Scaled(places int32) (*big.Int, error) {
	var shifted, whole apd.Decimal
	if _, err := exactCtx.Mul(&shifted, &q.d, apd.New(1, places)); err != nil {
		return nil, eris.Wrap(err, "model: scale quantity")
	}
	if _, err := truncateCtx.Quantize(&whole, &shifted, 0); err != nil {
		return nil, eris.Wrap(err, "model: scale quantity")
	}
	n, ok := new(big.Int).SetString(whole.Text('f'), 10)
	if !ok {
		return nil, eris.Errorf("model: scaled quantity %s is not an integer", whole.Text('f'))
	}
	return n, nil
}

// Cmp compares q and o and returns -1, 0 or +1.
func (q Quantity) Cmp(o Quantity) int {
	return q.d.Cmp(&o.d)
}

// Sign returns -1, 0 or +1.
func (q Quantity) Sign() int {
	return q.d.Sign()
}

// IsZero reports whether q == 0.
func (q Quantity) IsZero() bool {
	return q.d.IsZero()
}

// String renders q in plain notation without an exponent.
func (q Quantity) String() string {
	return q.d.Text('f')
}

// MarshalJSON renders q as a JSON string to keep every digit.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(q.String())), nil
}

// UnmarshalJSON accepts both JSON strings and JSON numbers.
func (q *Quantity) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*q = Quantity{}
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	parsed, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
