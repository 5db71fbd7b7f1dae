package platform

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
)

func TestPrincipalTextRoundTrip(t *testing.T) {
	p := MustPrincipal([]byte{0x00, 0x01, 0xff, 0x10})
	got, err := ParsePrincipal(p.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != p {
		t.Errorf("expected %s, got %s", p, got)
	}
}

func TestPrincipalTooLong(t *testing.T) {
	_, err := PrincipalFromBytes(make([]byte, 30))
	if !errors.Is(err, ErrPrincipalTooLong) {
		t.Errorf("expected ErrPrincipalTooLong, got %v", err)
	}
}

func TestPrincipalMsgpack(t *testing.T) {
	type wrapper struct {
		P Principal `msgpack:"p"`
	}
	in := wrapper{P: MustPrincipal([]byte("alice"))}
	b, err := msgpack.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out wrapper
	if err := msgpack.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.P != in.P {
		t.Errorf("expected %s, got %s", in.P, out.P)
	}
}

func TestPrincipalSubaccount(t *testing.T) {
	p := MustPrincipal([]byte{7, 8, 9})
	s := PrincipalSubaccount(p)
	if s[0] != 3 || s[1] != 7 || s[2] != 8 || s[3] != 9 {
		t.Errorf("unexpected prefix %v", s[:4])
	}
	for i := 4; i < len(s); i++ {
		if s[i] != 0 {
			t.Fatalf("expected zero padding at %d", i)
		}
	}
}

func TestCMCallSent(t *testing.T) {
	sent := amount.New(100)
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"accepted", nil, true},
		{"cm_caller replied with error", &CMCallError{Replied: true, Refunded: sent}, false},
		{"missing reply, all refunded", &CMCallError{Refunded: sent}, false},
		{"missing reply, partial refund", &CMCallError{Refunded: amount.New(99)}, true},
		{"unknown error", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CMCallSent(tt.err, sent); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAsBadFee(t *testing.T) {
	fee, ok := AsBadFee(&TransferError{Kind: TransferBadFee, ExpectedFee: amount.New(20000)})
	if !ok || fee != amount.New(20000) {
		t.Errorf("expected bad fee 20000, got %s %v", fee, ok)
	}
	if _, ok := AsBadFee(&TransferError{Kind: TransferTooOld}); ok {
		t.Error("TooOld is not a bad fee")
	}
}

func TestVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(pub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bank := MustPrincipal([]byte("bank"))
	blob, err := SignAuth(priv, AuthData{
		UserID:         MustPrincipal([]byte("user")),
		CyclesBankID:   bank,
		ExpiresAtNanos: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := v.Verify(blob, bank, 999)
	if err != nil {
		t.Fatalf("expected valid blob, got %v", err)
	}
	if data.UserID != MustPrincipal([]byte("user")) {
		t.Errorf("unexpected user %s", data.UserID)
	}

	if _, err := v.Verify(blob, bank, 1001); !errors.Is(err, ErrAuthExpired) {
		t.Errorf("expected ErrAuthExpired, got %v", err)
	}
	if _, err := v.Verify(blob, MustPrincipal([]byte("other")), 999); !errors.Is(err, ErrAuthWrongCaller) {
		t.Errorf("expected ErrAuthWrongCaller, got %v", err)
	}

	blob.Signature[0] ^= 0xff
	if _, err := v.Verify(blob, bank, 999); !errors.Is(err, ErrAuthSignature) {
		t.Errorf("expected ErrAuthSignature, got %v", err)
	}
}

func TestNewVerifier_BadKey(t *testing.T) {
	if _, err := NewVerifier([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidRootKey) {
		t.Errorf("expected ErrInvalidRootKey, got %v", err)
	}
}
