package platform

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrInvalidRootKey  = errors.New("auth: root public key is not a valid ed25519 point")
	ErrAuthSignature   = errors.New("auth: signature does not verify")
	ErrAuthExpired     = errors.New("auth: authorization expired")
	ErrAuthWrongCaller = errors.New("auth: authorization issued for a different caller")
	ErrAuthMalformed   = errors.New("auth: malformed authorization data")
)

// authDomain separates user authorizations from other signed payloads.
var authDomain = []byte("\x0Acts-user-auth")

// AuthData is the statement the platform root signs for a registered user:
// the cycles bank CyclesBankID acts for UserID until ExpiresAtNanos.
type AuthData struct {
	UserID         Principal `msgpack:"user_id"`
	CyclesBankID   Principal `msgpack:"cycles_bank_id"`
	ExpiresAtNanos uint64    `msgpack:"expires_at_nanos"`
}

// AuthBlob is AuthData in its signed wire form.
type AuthBlob struct {
	Data      []byte `json:"data"`
	Signature []byte `json:"signature"`
}

// Verifier checks authorization blobs against the platform root key.
type Verifier struct {
	root ed25519.PublicKey
}

// NewVerifier validates the root key and returns a verifier for it.
func NewVerifier(rootKey []byte) (*Verifier, error) {
	if len(rootKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidRootKey, len(rootKey))
	}
	if _, err := new(edwards25519.Point).SetBytes(rootKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRootKey, err)
	}
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(key, rootKey)
	return &Verifier{root: key}, nil
}

// Verify returns the authorization data when the blob is signed by the root,
// unexpired at nowNanos and issued for caller.
func (v *Verifier) Verify(blob AuthBlob, caller Principal, nowNanos uint64) (AuthData, error) {
	if !ed25519.Verify(v.root, signedMessage(blob.Data), blob.Signature) {
		return AuthData{}, ErrAuthSignature
	}
	var data AuthData
	if err := msgpack.Unmarshal(blob.Data, &data); err != nil {
		return AuthData{}, fmt.Errorf("%w: %v", ErrAuthMalformed, err)
	}
	if nowNanos > data.ExpiresAtNanos {
		return AuthData{}, ErrAuthExpired
	}
	if data.CyclesBankID != caller {
		return AuthData{}, ErrAuthWrongCaller
	}
	return data, nil
}

// SignAuth produces a blob for data. Used by the user-registration side and
// by tests.
func SignAuth(key ed25519.PrivateKey, data AuthData) (AuthBlob, error) {
	b, err := msgpack.Marshal(&data)
	if err != nil {
		return AuthBlob{}, fmt.Errorf("auth: encode: %w", err)
	}
	return AuthBlob{Data: b, Signature: ed25519.Sign(key, signedMessage(b))}, nil
}

func signedMessage(data []byte) []byte {
	msg := make([]byte, 0, len(authDomain)+len(data))
	msg = append(msg, authDomain...)
	return append(msg, data...)
}
