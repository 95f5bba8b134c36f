package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// StartCooldown opens a voluntary cooldown for wallet and resets its streak.
func (e *Engine) StartCooldown(ctx context.Context, wallet string) (domain.UserWinStreak, error) {
	var out domain.UserWinStreak
	err := e.run(ctx, "StartCooldown", func(ctx context.Context, o *op) error {
		cfg, err := o.tx.LoadConfig(ctx, e.marketID)
		if err != nil {
			return err
		}
		streak, err := o.tx.LoadStreak(ctx, e.marketID, wallet)
		if err != nil {
			return err
		}
		if _, _, err := e.settleStreak(ctx, o, cfg, &streak); err != nil {
			return err
		}
		suggested, wins := streak.CooldownSuggested, streak.ConsecutiveWins
		if err := streak.StartCooldown(o.now, domain.ManualCooldownDuration); err != nil {
			return err
		}
		if err := o.tx.SaveStreak(ctx, e.marketID, streak); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventManualCooldownStarted, o.now).ForWallet(wallet).
			With("ends_at", streak.CooldownEndTimestamp).
			With("cooldowns_taken", streak.CooldownsTaken))
		if suggested {
			o.emit(domain.NewEvent(domain.EventVoluntaryCooldownTaken, o.now).ForWallet(wallet).
				With("consecutive_wins", wins))
		}
		out = streak
		return nil
	})
	if err != nil {
		return out, err
	}
	slog.Info("engine: cooldown started", "wallet", wallet, "ends_at", out.CooldownEndTimestamp)
	return out, nil
}

// CompleteCooldown closes wallet's cooldown once it has expired.
func (e *Engine) CompleteCooldown(ctx context.Context, wallet string) (domain.UserWinStreak, error) {
	var out domain.UserWinStreak
	err := e.run(ctx, "CompleteCooldown", func(ctx context.Context, o *op) error {
		streak, err := o.tx.LoadStreak(ctx, e.marketID, wallet)
		if err != nil {
			return err
		}
		if err := streak.CompleteCooldown(o.now); err != nil {
			return err
		}
		if err := o.tx.SaveStreak(ctx, e.marketID, streak); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventCooldownCompleted, o.now).ForWallet(wallet))
		out = streak
		return nil
	})
	return out, err
}

// StartClusterCooldown puts every member of a cluster on a cooldown of
// ClusterCooldownDuration. Members already cooling down are left as they are.
// It returns the wallets that started a cooldown.
func (e *Engine) StartClusterCooldown(ctx context.Context, caller string, clusterID uint64) ([]string, error) {
	var started []string
	err := e.run(ctx, "StartClusterCooldown", func(ctx context.Context, o *op) error {
		if _, err := e.loadAuthorized(ctx, o.tx, caller); err != nil {
			return err
		}
		scfg, on, err := e.loadSybil(ctx, o.tx)
		if err != nil {
			return err
		}
		if !on {
			return domain.ErrSybilDetectionDisabled
		}
		if !scfg.RequireClusterCooldown {
			return fmt.Errorf("%w: cluster cooldowns are off", domain.ErrSybilDetectionDisabled)
		}
		cluster, err := o.tx.LoadCluster(ctx, e.marketID, clusterID)
		if err != nil {
			return err
		}
		duration := domain.ClusterCooldownDuration(scfg)
		for _, member := range cluster.Members {
			streak, err := o.tx.LoadStreak(ctx, e.marketID, member)
			if err != nil {
				return err
			}
			if streak.IsCoolingDown(o.now) {
				continue
			}
			if err := streak.StartCooldown(o.now, duration); err != nil {
				return err
			}
			if err := o.tx.SaveStreak(ctx, e.marketID, streak); err != nil {
				return err
			}
			o.emit(domain.NewEvent(domain.EventManualCooldownStarted, o.now).ForWallet(member).
				With("ends_at", streak.CooldownEndTimestamp).
				With("cluster_id", clusterID))
			started = append(started, member)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("engine: cluster cooldown started", "cluster", clusterID, "wallets", len(started))
	return started, nil
}
