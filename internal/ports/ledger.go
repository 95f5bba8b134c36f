package ports

import (
	"context"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// Ledger moves token balances. Every debit is authorized by a signer:
// domain.Signer.CanDebit must hold for the source account and
// domain.Signer.CanMint for mints. Violations return domain.ErrUnauthorized,
// overdrafts domain.ErrInsufficientFunds.
type Ledger interface {
	Transfer(ctx context.Context, signer domain.Signer, from, to domain.AccountID, amount uint64) error
	Mint(ctx context.Context, signer domain.Signer, to domain.AccountID, amount uint64) error
	Burn(ctx context.Context, signer domain.Signer, from domain.AccountID, amount uint64) error
	Balance(ctx context.Context, acct domain.AccountID) (uint64, error)
}
