package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// AddOraclePrice records an already-fetched price report for an ended epoch.
func (e *Engine) AddOraclePrice(ctx context.Context, caller string, epochID uint64, r domain.OraclePrice) error {
	err := e.run(ctx, "AddOraclePrice", func(ctx context.Context, o *op) error {
		if _, err := e.loadAuthorized(ctx, o.tx, caller); err != nil {
			return err
		}
		ep, err := o.tx.LoadEpoch(ctx, e.marketID, epochID)
		if err != nil {
			return err
		}
		if err := ep.AddOracleReport(r, o.now); err != nil {
			return err
		}
		if err := o.tx.SaveEpoch(ctx, e.marketID, ep); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventOraclePriceAdded, o.now).ForEpoch(epochID).
			WithAmount(r.Price).
			With("source", r.Source).
			With("confidence", r.Confidence).
			With("reported_at", r.Timestamp).
			With("reports", len(ep.OracleReports)))
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("engine: oracle price added", "epoch", epochID, "source", r.Source, "price", r.Price)
	return nil
}

// Resolve fixes the close price of an epoch and settles the losing vault.
// manual is only used when the market does not require multiple oracles.
func (e *Engine) Resolve(ctx context.Context, caller string, epochID uint64, manual *uint64) (domain.Settlement, error) {
	var (
		out        domain.Settlement
		closePrice uint64
	)
	err := e.run(ctx, "Resolve", func(ctx context.Context, o *op) error {
		cfg, err := e.loadAuthorized(ctx, o.tx, caller)
		if err != nil {
			return err
		}
		ep, err := o.tx.LoadEpoch(ctx, e.marketID, epochID)
		if err != nil {
			return err
		}
		if err := ep.CheckResolvable(cfg, o.now); err != nil {
			return err
		}
		price, err := domain.SettlementPrice(cfg, ep, manual)
		if err != nil {
			return err
		}
		s, err := ep.Resolve(cfg, price, o.now)
		if err != nil {
			return err
		}

		ledger := o.tx.Ledger()
		if err := ledger.Burn(ctx, e.protocol, e.Custody(), s.Burn); err != nil {
			return fmt.Errorf("burn: %w", err)
		}
		if err := ledger.Transfer(ctx, e.protocol, e.Custody(), domain.AccountID(cfg.Treasury), s.TreasuryShare); err != nil {
			return fmt.Errorf("treasury fee: %w", err)
		}
		if err := ledger.Transfer(ctx, e.protocol, e.Custody(), domain.AccountID(cfg.BondingVault), s.BondingShare); err != nil {
			return fmt.Errorf("bonding fee: %w", err)
		}
		if err := o.tx.SaveEpoch(ctx, e.marketID, ep); err != nil {
			return err
		}

		o.emit(domain.NewEvent(domain.EventEpochResolved, o.now).ForEpoch(epochID).
			WithAmount(price).
			With("outcome", s.Outcome).
			With("start_price", ep.StartPrice).
			With("winning_total", s.WinningTotal).
			With("losing_total", s.LosingTotal).
			With("burn", s.Burn).
			With("prize_pool", s.PrizePool))
		if s.TreasuryShare > 0 {
			o.emit(domain.NewEvent(domain.EventTreasuryFee, o.now).ForEpoch(epochID).
				WithAmount(s.TreasuryShare).With("account", cfg.Treasury))
		}
		if s.BondingShare > 0 {
			o.emit(domain.NewEvent(domain.EventBondingFee, o.now).ForEpoch(epochID).
				WithAmount(s.BondingShare).With("account", cfg.BondingVault))
		}
		out, closePrice = s, price
		return nil
	})
	if err != nil {
		return out, err
	}
	slog.Info("engine: epoch resolved", "epoch", epochID, "close", closePrice, "outcome", out.Outcome,
		"burn", out.Burn, "fee", out.Fee, "prize_pool", out.PrizePool)
	return out, nil
}
