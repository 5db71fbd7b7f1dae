package amount

import (
	"encoding/json"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestAdd_SaturatesAtMax(t *testing.T) {
	if got := Max.Add(New(1)); got != Max {
		t.Errorf("expected Max, got %s", got)
	}
	if got := New(2).Add(New(3)); got != New(5) {
		t.Errorf("expected 5, got %s", got)
	}
}

func TestSub_SaturatesAtZero(t *testing.T) {
	if got := New(3).Sub(New(5)); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
	if got := New(5).Sub(New(3)); got != New(2) {
		t.Errorf("expected 2, got %s", got)
	}
}

func TestMul_SaturatesAtMax(t *testing.T) {
	big := MustParse("18446744073709551616") // 2^64
	if got := big.Mul(big); got != Max {
		t.Errorf("2^64 * 2^64 should saturate, got %s", got)
	}
	if got := New(7).Mul(New(6)); got != New(42) {
		t.Errorf("expected 42, got %s", got)
	}
}

func TestDiv(t *testing.T) {
	if got := New(7).Div(New(2)); got != New(3) {
		t.Errorf("expected truncation to 3, got %s", got)
	}
	if got := New(7).Div(Zero); !got.IsZero() {
		t.Errorf("division by zero should yield 0, got %s", got)
	}
	if got := New(7).DivCeil(New(2)); got != New(4) {
		t.Errorf("expected ceil 4, got %s", got)
	}
	if got := New(8).DivCeil(New(2)); got != New(4) {
		t.Errorf("expected exact 4, got %s", got)
	}
}

func TestParse(t *testing.T) {
	max := "340282366920938463463374607431768211455"
	a, err := Parse(max)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != Max {
		t.Errorf("expected Max, got %s", a)
	}
	if _, err := Parse("340282366920938463463374607431768211456"); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	for _, bad := range []string{"", "-1", "abc", "1.5"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestBytes16RoundTrip(t *testing.T) {
	for _, v := range []Amount{Zero, New(1), New(1 << 40), Max} {
		b := v.Bytes16()
		if got := FromBytes16(b[:]); got != v {
			t.Errorf("round trip of %s gave %s", v, got)
		}
	}
	b := New(258).Bytes16()
	if b[14] != 1 || b[15] != 2 {
		t.Errorf("expected big-endian layout, got %v", b)
	}
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		V Amount `json:"v"`
	}{V: MustParse("100000000000000000000")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"v":"100000000000000000000"}` {
		t.Errorf("unexpected json %s", data)
	}

	var out struct {
		V Amount `json:"v"`
	}
	if err := json.Unmarshal([]byte(`{"v":12345}`), &out); err != nil {
		t.Fatalf("unmarshal bare number: %v", err)
	}
	if out.V != New(12345) {
		t.Errorf("expected 12345, got %s", out.V)
	}
}

func TestDecimal(t *testing.T) {
	got := New(150_000_000).Decimal(8).String()
	if got != "1.5" {
		t.Errorf("expected 1.5, got %s", got)
	}
}

func TestMsgpack_RoundTrip(t *testing.T) {
	type wrap struct {
		V Amount `msgpack:"v"`
	}
	in := wrap{V: MustParse("340282366920938463463374607431768211455")}
	b, err := msgpack.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out wrap
	if err := msgpack.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.V != in.V {
		t.Errorf("expected %s, got %s", in.V, out.V)
	}
}
