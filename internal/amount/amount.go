// Package amount implements the unsigned 128-bit quantities the market
// trades in: cycles, tokens and cycles-per-token rates.
//
// Arithmetic never panics. Sums and products clamp at 2^128-1, differences
// clamp at zero, division truncates and a zero divisor yields zero.
package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// Amount is an unsigned 128-bit integer held in a 256-bit word. Values above
// 2^128-1 are never produced by this package.
type Amount uint256.Int

var (
	// ErrOverflow is returned when parsing a value wider than 128 bits.
	ErrOverflow = errors.New("amount: value exceeds 128 bits")

	// ErrInvalid is returned for malformed decimal input.
	ErrInvalid = errors.New("amount: invalid decimal")

	// Zero is the additive identity.
	Zero = Amount{}

	// Max is 2^128-1.
	Max = func() Amount {
		one := uint256.NewInt(1)
		m := new(uint256.Int).Lsh(one, 128)
		m.Sub(m, one)
		return Amount(*m)
	}()
)

// New returns an Amount holding v.
func New(v uint64) Amount {
	return Amount(*uint256.NewInt(v))
}

func (a Amount) word() *uint256.Int {
	x := uint256.Int(a)
	return &x
}

func clamp(x *uint256.Int) Amount {
	if x.BitLen() > 128 {
		return Max
	}
	return Amount(*x)
}

// Add returns a+b, saturating at Max.
func (a Amount) Add(b Amount) Amount {
	z, overflow := new(uint256.Int).AddOverflow(a.word(), b.word())
	if overflow {
		return Max
	}
	return clamp(z)
}

// Sub returns a-b, saturating at zero.
func (a Amount) Sub(b Amount) Amount {
	if a.Lt(b) {
		return Zero
	}
	return Amount(*new(uint256.Int).Sub(a.word(), b.word()))
}

// Mul returns a*b, saturating at Max.
func (a Amount) Mul(b Amount) Amount {
	z, overflow := new(uint256.Int).MulOverflow(a.word(), b.word())
	if overflow {
		return Max
	}
	return clamp(z)
}

// Div returns a/b truncated. Division by zero yields zero.
func (a Amount) Div(b Amount) Amount {
	if b.IsZero() {
		return Zero
	}
	return Amount(*new(uint256.Int).Div(a.word(), b.word()))
}

// DivCeil returns a/b rounded up. Division by zero yields zero.
func (a Amount) DivCeil(b Amount) Amount {
	if b.IsZero() {
		return Zero
	}
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(a.word(), b.word(), r)
	if !r.IsZero() {
		return clamp(q).Add(New(1))
	}
	return Amount(*q)
}

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.word().Cmp(b.word()) }

func (a Amount) Lt(b Amount) bool  { return a.Cmp(b) < 0 }
func (a Amount) Lte(b Amount) bool { return a.Cmp(b) <= 0 }
func (a Amount) Gt(b Amount) bool  { return a.Cmp(b) > 0 }
func (a Amount) Gte(b Amount) bool { return a.Cmp(b) >= 0 }
func (a Amount) Eq(b Amount) bool  { return a == b }
func (a Amount) IsZero() bool      { return a == Zero }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

// Uint64 returns the value and whether it fits in 64 bits.
func (a Amount) Uint64() (uint64, bool) {
	w := a.word()
	return w.Uint64(), w.IsUint64()
}

// String renders the value in base 10.
func (a Amount) String() string { return a.word().Dec() }

// Parse reads a base-10 string.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalid
	}
	w, err := uint256.FromDecimal(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if w.BitLen() > 128 {
		return Zero, ErrOverflow
	}
	return Amount(*w), nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Bytes16 is the big-endian 16-byte encoding used by fixed-width log records.
func (a Amount) Bytes16() [16]byte {
	b32 := a.word().Bytes32()
	var out [16]byte
	copy(out[:], b32[16:])
	return out
}

// FromBytes16 decodes a big-endian value of at most 16 bytes.
func FromBytes16(b []byte) Amount {
	if len(b) > 16 {
		b = b[len(b)-16:]
	}
	return Amount(*new(uint256.Int).SetBytes(b))
}

// Decimal renders the value scaled down by 10^exp, e.g. token base units
// into whole tokens for a ledger with exp decimals.
func (a Amount) Decimal(exp int32) decimal.Decimal {
	return decimal.NewFromBigInt(a.word().ToBig(), -exp)
}

// Float64 is a lossy conversion for metrics.
func (a Amount) Float64() float64 {
	return a.Decimal(0).InexactFloat64()
}

// MarshalJSON encodes the value as a quoted decimal so 128-bit values
// survive JavaScript clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a quoted or bare decimal.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Amount) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// EncodeMsgpack writes the 16-byte big-endian form.
func (a Amount) EncodeMsgpack(enc *msgpack.Encoder) error {
	b := a.Bytes16()
	return enc.EncodeBytes(b[:])
}

func (a *Amount) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(b) > 16 {
		return fmt.Errorf("%w: %d bytes", ErrOverflow, len(b))
	}
	*a = FromBytes16(b)
	return nil
}
