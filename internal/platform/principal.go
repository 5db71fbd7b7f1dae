// Package platform describes the host-platform surface the trade contract
// consumes: principals and subaccounts, the token ledger, the cm_caller relay,
// the management canister and the user authorization blob.
package platform

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxPrincipalLength is the platform limit on principal bytes.
const MaxPrincipalLength = 29

var (
	ErrPrincipalTooLong = errors.New("platform: principal longer than 29 bytes")
	ErrPrincipalText    = errors.New("platform: invalid principal text")
)

// Principal is an opaque identifier of a user, canister or service. It is
// comparable and usable as a map key. The zero value is the anonymous
// principal.
type Principal struct {
	raw string
}

// PrincipalFromBytes copies b into a Principal.
func PrincipalFromBytes(b []byte) (Principal, error) {
	if len(b) > MaxPrincipalLength {
		return Principal{}, fmt.Errorf("%w: %d", ErrPrincipalTooLong, len(b))
	}
	return Principal{raw: string(b)}, nil
}

// MustPrincipal is PrincipalFromBytes for fixtures; it panics on error.
func MustPrincipal(b []byte) Principal {
	p, err := PrincipalFromBytes(b)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePrincipal decodes the base58 text form.
func ParsePrincipal(text string) (Principal, error) {
	if text == "" {
		return Principal{}, nil
	}
	b, err := base58.Decode(text)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrPrincipalText, err)
	}
	return PrincipalFromBytes(b)
}

func (p Principal) Bytes() []byte { return []byte(p.raw) }
func (p Principal) Len() int { return len(p.raw) }
func (p Principal) IsAnonymous() bool { return p.raw == "" }

// String is the base58 text form.
func (p Principal) String() string { return base58.Encode([]byte(p.raw)) }

func (p Principal) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Principal) UnmarshalText(text []byte) error {
	v, err := ParsePrincipal(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Principal) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes([]byte(p.raw))
}

func (p *Principal) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	v, err := PrincipalFromBytes(b)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
