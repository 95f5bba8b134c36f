package domain

import "strings"

// AccountID names a ledger account.
type AccountID string

const (
	userPrefix    = "user:"
	custodyPrefix = "custody:"
)

// UserAccount is the token account of wallet.
func UserAccount(wallet string) AccountID { return AccountID(userPrefix + wallet) }

// CustodyAccount holds every stake of market until settlement.
func CustodyAccount(marketID string) AccountID { return AccountID(custodyPrefix + marketID) }

// DefaultTreasury is used when a market is initialized without one.
func DefaultTreasury(marketID string) AccountID { return AccountID("treasury:" + marketID) }

// DefaultBondingVault is used when a market is initialized without one.
func DefaultBondingVault(marketID string) AccountID { return AccountID("bonding:" + marketID) }

// Signer authorizes a ledger movement. A user signer can only debit its own
// account; the protocol signer of a market debits that market's custody and
// is the only one allowed to mint.
type Signer struct {
	owner    string
	protocol bool
}

// UserSigner is the signer of wallet's own movements.
func UserSigner(wallet string) Signer { return Signer{owner: wallet} }

// NewProtocolAuthority builds the program-derived signer for marketID. The
// engine constructs it once and hands it to the ledger on every protocol
// movement.
func NewProtocolAuthority(marketID string) Signer {
	return Signer{owner: marketID, protocol: true}
}

// IsProtocol reports whether s is a market's protocol signer.
func (s Signer) IsProtocol() bool { return s.protocol }

// String identifies the signer in logs.
func (s Signer) String() string {
	if s.protocol {
		return "protocol:" + s.owner
	}
	return "user:" + s.owner
}

// CanDebit reports whether s may move funds out of acct.
func (s Signer) CanDebit(acct AccountID) bool {
	if s.owner == "" {
		return false
	}
	if s.protocol {
		return acct == CustodyAccount(s.owner)
	}
	return acct == UserAccount(s.owner)
}

// CanMint reports whether s may create new tokens.
func (s Signer) CanMint() bool { return s.protocol && s.owner != "" }

// IsUserAccount reports whether acct belongs to a wallet.
func IsUserAccount(acct AccountID) bool { return strings.HasPrefix(string(acct), userPrefix) }
