package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// Claim pays out wallet's position in a resolved epoch. It succeeds once per
// position; losers claim 0 and still close their position.
func (e *Engine) Claim(ctx context.Context, wallet string, epochID uint64) (domain.ClaimBreakdown, error) {
	var out domain.ClaimBreakdown
	err := e.run(ctx, "Claim", func(ctx context.Context, o *op) error {
		cfg, err := o.tx.LoadConfig(ctx, e.marketID)
		if err != nil {
			return err
		}
		ep, err := o.tx.LoadEpoch(ctx, e.marketID, epochID)
		if err != nil {
			return err
		}
		pos, _, err := o.tx.LoadPosition(ctx, e.marketID, epochID, wallet)
		if err != nil {
			return err
		}
		if err := domain.CheckClaim(cfg, ep, pos, o.now); err != nil {
			return err
		}
		streak, err := o.tx.LoadStreak(ctx, e.marketID, wallet)
		if err != nil {
			return err
		}
		applied, pending, err := e.settleStreak(ctx, o, cfg, &streak)
		if err != nil {
			return err
		}
		if pending != 0 && pending < epochID {
			return fmt.Errorf("%w: epoch %d must resolve first", domain.ErrEpochNotResolved, pending)
		}
		// settleStreak has saved the locked fee tier on the position.
		if pos, _, err = o.tx.LoadPosition(ctx, e.marketID, epochID, wallet); err != nil {
			return err
		}
		b := domain.ComputeClaim(ep, pos)

		ledger := o.tx.Ledger()
		user := domain.UserAccount(wallet)
		treasury := domain.AccountID(cfg.Treasury)
		if err := ledger.Transfer(ctx, e.protocol, e.Custody(), user, b.FromCustody); err != nil {
			return fmt.Errorf("payout: %w", err)
		}
		if err := ledger.Transfer(ctx, e.protocol, e.Custody(), treasury, b.Penalty); err != nil {
			return fmt.Errorf("late penalty: %w", err)
		}
		if err := ledger.Mint(ctx, e.protocol, user, b.Bonus); err != nil {
			return fmt.Errorf("early bonus: %w", err)
		}
		if b.Fee > 0 {
			toTreasury, toBonding := domain.FeeSplit(b.Fee)
			if err := ledger.Transfer(ctx, e.protocol, e.Custody(), treasury, toTreasury); err != nil {
				return fmt.Errorf("progressive fee: %w", err)
			}
			if err := ledger.Transfer(ctx, e.protocol, e.Custody(), domain.AccountID(cfg.BondingVault), toBonding); err != nil {
				return fmt.Errorf("progressive fee: %w", err)
			}
			o.emit(domain.NewEvent(domain.EventProgressiveFeeApplied, o.now).ForEpoch(epochID).ForWallet(wallet).
				WithAmount(b.Fee).
				With("fee_bps", b.FeeBps).
				With("consecutive_wins", streak.ConsecutiveWins).
				With("treasury", toTreasury).
				With("bonding", toBonding))
		}

		ep.Settlement.RecordClaim(b)
		pos.MarkClaimed(o.now, b.Total)

		streak.RecordFeePaid(ep.Settlement.Mode, b.Fee)

		scfg, sybilOn, err := e.loadSybil(ctx, o.tx)
		if err != nil {
			return err
		}
		if sybilOn && applied > 0 {
			w, found, err := o.tx.LoadWallet(ctx, e.marketID, wallet)
			if err != nil {
				return err
			}
			if found {
				w.UpdateWinRate(streak.TotalWins, streak.TotalLosses)
				if w.Rescore(scfg, o.now) {
					o.emit(walletFlaggedEvent(w, o.now))
				}
				if err := o.tx.SaveWallet(ctx, e.marketID, w); err != nil {
					return err
				}
			}
		}

		if err := o.tx.SaveEpoch(ctx, e.marketID, ep); err != nil {
			return err
		}
		if err := o.tx.SavePosition(ctx, e.marketID, pos); err != nil {
			return err
		}
		if err := o.tx.SaveStreak(ctx, e.marketID, streak); err != nil {
			return err
		}

		o.emit(domain.NewEvent(domain.EventRewardsClaimed, o.now).ForEpoch(epochID).ForWallet(wallet).
			WithAmount(b.Total).
			With("outcome", b.Outcome).
			With("won", b.Won).
			With("stake", b.Stake).
			With("winnings", b.Winnings).
			With("bonus", b.Bonus).
			With("penalty", b.Penalty).
			With("consecutive_wins", streak.ConsecutiveWins).
			With("cooldown_suggested", streak.CooldownSuggested))
		out = b
		return nil
	})
	if err != nil {
		return out, err
	}
	slog.Info("engine: rewards claimed", "epoch", epochID, "wallet", wallet, "won", out.Won, "amount", out.Total)
	return out, nil
}
