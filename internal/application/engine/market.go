package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// InitializeMarket creates the market with caller as its authority. The
// market id always comes from the engine.
func (e *Engine) InitializeMarket(ctx context.Context, caller string, p domain.InitParams) (domain.MarketConfig, error) {
	var out domain.MarketConfig
	err := e.run(ctx, "InitializeMarket", func(ctx context.Context, o *op) error {
		if _, err := o.tx.LoadConfig(ctx, e.marketID); err == nil {
			return domain.ErrAlreadyInitialized
		} else if !errors.Is(err, domain.ErrNotInitialized) {
			return err
		}

		p.MarketID = e.marketID
		if p.Treasury == "" {
			p.Treasury = string(domain.DefaultTreasury(e.marketID))
		}
		if p.BondingVault == "" {
			p.BondingVault = string(domain.DefaultBondingVault(e.marketID))
		}
		cfg, err := domain.NewMarketConfig(caller, p)
		if err != nil {
			return err
		}
		if err := o.tx.SaveConfig(ctx, cfg); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventMarketInitialized, o.now).
			With("authority", caller).
			With("payout_mode", string(cfg.PayoutMode)).
			With("fee_bps", cfg.FeeBps).
			With("epoch_duration", cfg.EpochDuration))
		out = cfg
		return nil
	})
	if err != nil {
		return out, err
	}
	slog.Info("engine: market initialized", "market", e.marketID, "mode", out.PayoutMode, "fee_bps", out.FeeBps)
	return out, nil
}

// UpdateFees applies a partial fee update.
func (e *Engine) UpdateFees(ctx context.Context, caller string, u domain.FeeUpdate) (domain.MarketConfig, error) {
	var out domain.MarketConfig
	err := e.run(ctx, "UpdateFees", func(ctx context.Context, o *op) error {
		cfg, err := e.loadAuthorized(ctx, o.tx, caller)
		if err != nil {
			return err
		}
		next, err := cfg.ApplyFeeUpdate(u)
		if err != nil {
			return err
		}
		if err := o.tx.SaveConfig(ctx, next); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventFeesUpdated, o.now).
			With("fee_bps", next.FeeBps).
			With("base_treasury_fee_bps", next.BaseTreasuryFeeBps).
			With("cooldown_bypass_fee_bps", next.CooldownBypassFeeBps).
			With("progressive_fees", next.EnableProgressiveFees))
		out = next
		return nil
	})
	return out, err
}

// UpdateTreasury changes the accounts that receive fees. Empty values keep
// the current account.
func (e *Engine) UpdateTreasury(ctx context.Context, caller, treasury, bonding string) (domain.MarketConfig, error) {
	var out domain.MarketConfig
	err := e.run(ctx, "UpdateTreasury", func(ctx context.Context, o *op) error {
		cfg, err := e.loadAuthorized(ctx, o.tx, caller)
		if err != nil {
			return err
		}
		if treasury != "" {
			cfg.Treasury = treasury
		}
		if bonding != "" {
			cfg.BondingVault = bonding
		}
		if err := o.tx.SaveConfig(ctx, cfg); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventFeesUpdated, o.now).
			With("treasury", cfg.Treasury).
			With("bonding_vault", cfg.BondingVault))
		out = cfg
		return nil
	})
	return out, err
}

// SetMarketActive pauses or resumes the market.
func (e *Engine) SetMarketActive(ctx context.Context, caller string, active bool) error {
	err := e.run(ctx, "SetMarketActive", func(ctx context.Context, o *op) error {
		cfg, err := e.loadAuthorized(ctx, o.tx, caller)
		if err != nil {
			return err
		}
		cfg.IsActive = active
		if err := o.tx.SaveConfig(ctx, cfg); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventMarketStatusChanged, o.now).With("active", active))
		return nil
	})
	if err != nil {
		return err
	}
	slog.Warn("engine: market status changed", "market", e.marketID, "active", active)
	return nil
}

// StartEpoch opens epoch current+1 at the engine clock.
func (e *Engine) StartEpoch(ctx context.Context, caller string, startPrice uint64) (domain.Epoch, error) {
	var out domain.Epoch
	err := e.run(ctx, "StartEpoch", func(ctx context.Context, o *op) error {
		cfg, err := e.loadAuthorized(ctx, o.tx, caller)
		if err != nil {
			return err
		}
		if !cfg.IsActive {
			return domain.ErrMarketInactive
		}
		if startPrice == 0 {
			return fmt.Errorf("%w: zero start price", domain.ErrInvalidAmount)
		}
		cfg.CurrentEpoch++
		ep := domain.NewEpoch(cfg.CurrentEpoch, cfg, startPrice, o.now)
		if err := o.tx.SaveEpoch(ctx, e.marketID, ep); err != nil {
			return err
		}
		if err := o.tx.SaveConfig(ctx, cfg); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventEpochStarted, o.now).ForEpoch(ep.ID).
			With("start_price", startPrice).
			With("end", ep.EndTimestamp).
			With("cutoff", ep.DepositCutoffTimestamp))
		out = ep
		return nil
	})
	if err != nil {
		return out, err
	}
	slog.Info("engine: epoch started", "epoch", out.ID, "start_price", startPrice, "end", out.EndTimestamp)
	return out, nil
}

// TriggerCircuitBreaker halts deposits and resolution of an epoch.
func (e *Engine) TriggerCircuitBreaker(ctx context.Context, caller string, epochID uint64, reason string) error {
	err := e.run(ctx, "TriggerCircuitBreaker", func(ctx context.Context, o *op) error {
		if _, err := e.loadAuthorized(ctx, o.tx, caller); err != nil {
			return err
		}
		ep, err := o.tx.LoadEpoch(ctx, e.marketID, epochID)
		if err != nil {
			return err
		}
		if err := ep.TriggerCircuitBreaker(reason); err != nil {
			return err
		}
		if err := o.tx.SaveEpoch(ctx, e.marketID, ep); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventCircuitBreakerTriggered, o.now).ForEpoch(epochID).With("reason", reason))
		return nil
	})
	if err != nil {
		return err
	}
	slog.Warn("engine: circuit breaker triggered", "epoch", epochID, "reason", reason)
	return nil
}

// ClearCircuitBreaker lifts the breaker and the suspicious-activity halt.
func (e *Engine) ClearCircuitBreaker(ctx context.Context, caller string, epochID uint64) error {
	return e.run(ctx, "ClearCircuitBreaker", func(ctx context.Context, o *op) error {
		if _, err := e.loadAuthorized(ctx, o.tx, caller); err != nil {
			return err
		}
		ep, err := o.tx.LoadEpoch(ctx, e.marketID, epochID)
		if err != nil {
			return err
		}
		if err := ep.ClearHalt(); err != nil {
			return err
		}
		if err := o.tx.SaveEpoch(ctx, e.marketID, ep); err != nil {
			return err
		}
		o.emit(domain.NewEvent(domain.EventCircuitBreakerCleared, o.now).ForEpoch(epochID))
		return nil
	})
}
