package platform

// Subaccount selects one of an owner's ledger accounts.
type Subaccount [32]byte

// PrincipalSubaccount derives the custody subaccount the trade contract holds
// for a user: [len, principal bytes..., zero padding].
func PrincipalSubaccount(p Principal) Subaccount {
	var s Subaccount
	b := p.Bytes()
	s[0] = byte(len(b))
	copy(s[1:], b)
	return s
}

// Account is a ledger account. A nil Subaccount is the owner's default
// account.
type Account struct {
	Owner      Principal   `json:"owner" msgpack:"owner"`
	Subaccount *Subaccount `json:"subaccount,omitempty" msgpack:"subaccount"`
}

// Key is a comparable form of the account for maps.
func (a Account) Key() AccountKey {
	k := AccountKey{Owner: a.Owner}
	if a.Subaccount != nil {
		k.Subaccount = *a.Subaccount
	}
	return k
}

// AccountKey is Account with the default subaccount normalised to zeros.
type AccountKey struct {
	Owner      Principal
	Subaccount Subaccount
}
