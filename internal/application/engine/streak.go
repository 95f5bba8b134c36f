package engine

import (
	"context"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// settleStreak folds every resolved epoch of wallet not yet counted into its
// streak, oldest first. It stops at the first unresolved epoch so outcomes
// are never applied out of order. It returns how many decisive outcomes were
// applied and the epoch it stopped at (0 when none is pending).
func (e *Engine) settleStreak(ctx context.Context, o *op, cfg domain.MarketConfig, streak *domain.UserWinStreak) (applied int, pending uint64, err error) {
	positions, err := o.tx.ListWalletPositions(ctx, e.marketID, streak.Wallet)
	if err != nil {
		return 0, 0, err
	}
	for i := range positions {
		pos := &positions[i]
		if pos.StreakApplied || pos.IsEmpty() {
			continue
		}
		ep, err := o.tx.LoadEpoch(ctx, e.marketID, pos.EpochID)
		if err != nil {
			return applied, 0, err
		}
		if !ep.IsResolved {
			return applied, ep.ID, nil
		}
		if streak.ApplyOutcome(cfg, ep, pos) {
			applied++
		}
		if err := o.tx.SavePosition(ctx, e.marketID, *pos); err != nil {
			return applied, 0, err
		}
	}
	return applied, 0, nil
}
