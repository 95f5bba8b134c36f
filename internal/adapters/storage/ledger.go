package storage

// ledger.go: saldos de cuentas. Los débitos pasan siempre por el signer.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/alejandrodnm/forecast/internal/domain"
)

type sqlLedger struct {
	t *sqlTx
}

func (l *sqlLedger) Transfer(ctx context.Context, signer domain.Signer, from, to domain.AccountID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if !signer.CanDebit(from) {
		return fmt.Errorf("storage.Transfer: %s cannot debit %s: %w", signer, from, domain.ErrUnauthorized)
	}
	if err := l.t.debit(ctx, from, amount); err != nil {
		return fmt.Errorf("storage.Transfer: %w", err)
	}
	if err := l.t.credit(ctx, to, amount); err != nil {
		return fmt.Errorf("storage.Transfer: %w", err)
	}
	return nil
}

func (l *sqlLedger) Mint(ctx context.Context, signer domain.Signer, to domain.AccountID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if !signer.CanMint() {
		return fmt.Errorf("storage.Mint: %s cannot mint: %w", signer, domain.ErrUnauthorized)
	}
	if err := l.t.credit(ctx, to, amount); err != nil {
		return fmt.Errorf("storage.Mint: %w", err)
	}
	return nil
}

func (l *sqlLedger) Burn(ctx context.Context, signer domain.Signer, from domain.AccountID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if !signer.CanDebit(from) {
		return fmt.Errorf("storage.Burn: %s cannot debit %s: %w", signer, from, domain.ErrUnauthorized)
	}
	if err := l.t.debit(ctx, from, amount); err != nil {
		return fmt.Errorf("storage.Burn: %w", err)
	}
	return nil
}

func (l *sqlLedger) Balance(ctx context.Context, acct domain.AccountID) (uint64, error) {
	b, err := l.t.balance(ctx, acct)
	if err != nil {
		return 0, fmt.Errorf("storage.Balance: %w", err)
	}
	return b, nil
}

func (t *sqlTx) balance(ctx context.Context, acct domain.AccountID) (uint64, error) {
	var amount int64
	err := t.tx.QueryRowContext(ctx, `SELECT amount FROM balances WHERE account = ?`, string(acct)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", acct, err)
	}
	return uint64(amount), nil
}

func (t *sqlTx) debit(ctx context.Context, acct domain.AccountID, amount uint64) error {
	have, err := t.balance(ctx, acct)
	if err != nil {
		return err
	}
	if have < amount {
		return fmt.Errorf("%s has %d, needs %d: %w", acct, have, amount, domain.ErrInsufficientFunds)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE balances SET amount = ? WHERE account = ?`, int64(have-amount), string(acct),
	); err != nil {
		return fmt.Errorf("debit %s: %w", acct, err)
	}
	return nil
}

// credit fails rather than wrap when the balance would leave SQLite's
// signed 64-bit range.
func (t *sqlTx) credit(ctx context.Context, acct domain.AccountID, amount uint64) error {
	have, err := t.balance(ctx, acct)
	if err != nil {
		return err
	}
	if amount > math.MaxInt64-have {
		return fmt.Errorf("credit %s: %w: balance overflow", acct, domain.ErrInvalidAmount)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (account, amount) VALUES (?, ?)
		ON CONFLICT(account) DO UPDATE SET amount = excluded.amount`,
		string(acct), int64(have+amount),
	); err != nil {
		return fmt.Errorf("credit %s: %w", acct, err)
	}
	return nil
}
