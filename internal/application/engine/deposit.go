package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
)

// DepositRequest is a stake on the current epoch.
type DepositRequest struct {
	Wallet         string
	Side           domain.Side
	Amount         uint64
	BypassCooldown bool
}

// DepositResult describes an accepted deposit.
type DepositResult struct {
	EpochID     uint64
	Position    domain.UserPosition
	Receipt     domain.DepositReceipt
	MaxPosition uint64
	BypassFee   uint64
}

// Deposit admits a stake into the current epoch and moves it to custody.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (DepositResult, error) {
	var res DepositResult
	err := e.run(ctx, "Deposit", func(ctx context.Context, o *op) error {
		if req.Wallet == "" {
			return fmt.Errorf("%w: empty wallet", domain.ErrInvalidAmount)
		}
		cfg, err := o.tx.LoadConfig(ctx, e.marketID)
		if err != nil {
			return err
		}
		if !cfg.IsActive {
			return domain.ErrMarketInactive
		}
		if cfg.CurrentEpoch == 0 {
			return fmt.Errorf("%w: no epoch started", domain.ErrEpochNotActive)
		}
		ep, err := o.tx.LoadEpoch(ctx, e.marketID, cfg.CurrentEpoch)
		if err != nil {
			return err
		}
		pos, _, err := o.tx.LoadPosition(ctx, e.marketID, ep.ID, req.Wallet)
		if err != nil {
			return err
		}
		d := domain.Deposit{Wallet: req.Wallet, Side: req.Side, Amount: req.Amount, Now: o.now}
		if err := ep.CheckDeposit(cfg, pos, d, cfg.MaxPositionSize); err != nil {
			return err
		}

		// --- sybil gates ---
		scfg, sybilOn, err := e.loadSybil(ctx, o.tx)
		if err != nil {
			return err
		}
		var (
			wallet  domain.WalletClusterAnalysis
			cluster *domain.SybilCluster
		)
		maxPos := cfg.MaxPositionSize
		if sybilOn {
			wallet, cluster, err = e.loadWalletAndCluster(ctx, o.tx, req.Wallet, o.now)
			if err != nil {
				return err
			}
			if maxPos, err = domain.DepositGate(scfg, wallet, cluster, maxPos); err != nil {
				return err
			}
		}

		// --- win streak gate ---
		streak, err := o.tx.LoadStreak(ctx, e.marketID, req.Wallet)
		if err != nil {
			return err
		}
		if _, _, err := e.settleStreak(ctx, o, cfg, &streak); err != nil {
			return err
		}
		var pending []domain.Event
		if streak.CheckAutoReset(ep.ID) {
			pending = append(pending, domain.NewEvent(domain.EventAutoResetTriggered, o.now).ForEpoch(ep.ID).ForWallet(req.Wallet))
		}
		if streak.CooldownActive && !streak.IsCoolingDown(o.now) {
			if err := streak.CompleteCooldown(o.now); err != nil {
				return err
			}
			pending = append(pending, domain.NewEvent(domain.EventCooldownCompleted, o.now).ForWallet(req.Wallet))
		}
		if streak.IsCoolingDown(o.now) {
			return fmt.Errorf("%w: until %d", domain.ErrCooldownActive, streak.CooldownEndTimestamp)
		}
		// Suggested cooldowns gate every deposit from risky wallets, bypass or not.
		if streak.CooldownSuggested && sybilOn {
			if blocked, reason := domain.BypassBlocked(scfg, wallet, cluster); blocked {
				slog.Warn("engine: cooldown bypass blocked", "wallet", req.Wallet, "reason", reason, "risk", wallet.RiskScore)
				return o.reject(
					fmt.Errorf("%w: %s", domain.ErrCooldownBypassBlocked, reason),
					domain.NewEvent(domain.EventCooldownBypassBlocked, o.now).ForEpoch(ep.ID).ForWallet(req.Wallet).
						WithAmount(req.Amount).
						With("reason", reason).
						With("risk_score", wallet.RiskScore),
				)
			}
		}

		// --- admission ---
		receipt, err := ep.ApplyDeposit(cfg, &pos, d, maxPos)
		if err != nil {
			return err
		}
		ledger := o.tx.Ledger()
		user := domain.UserAccount(req.Wallet)
		if err := ledger.Transfer(ctx, domain.UserSigner(req.Wallet), user, e.Custody(), req.Amount); err != nil {
			return fmt.Errorf("stake transfer: %w", err)
		}
		for _, ev := range pending {
			o.emit(ev)
		}

		var bypassFee uint64
		if req.BypassCooldown && streak.CooldownSuggested {
			bypassFee = domain.BypassFee(cfg, req.Amount)
			if err := ledger.Transfer(ctx, domain.UserSigner(req.Wallet), user, domain.AccountID(cfg.Treasury), bypassFee); err != nil {
				return fmt.Errorf("bypass fee: %w", err)
			}
			pos.BypassCooldownFeePaid = domain.SatAdd(pos.BypassCooldownFeePaid, bypassFee)
			streak.BypassFeesPaid = domain.SatAdd(streak.BypassFeesPaid, bypassFee)
			o.emit(domain.NewEvent(domain.EventCooldownBypassFeePaid, o.now).ForEpoch(ep.ID).ForWallet(req.Wallet).
				WithAmount(bypassFee).
				With("consecutive_wins", streak.ConsecutiveWins))
		}
		streak.RecordActivity(ep.ID)

		if sybilOn {
			wallet.UpdateWinRate(streak.TotalWins, streak.TotalLosses)
			wallet.RecordDeposit(req.Amount, o.now)
			if wallet.Rescore(scfg, o.now) {
				o.emit(walletFlaggedEvent(wallet, o.now))
			}
			if err := o.tx.SaveWallet(ctx, e.marketID, wallet); err != nil {
				return err
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

		o.emit(domain.NewEvent(domain.EventForecastDeposit, o.now).ForEpoch(ep.ID).ForWallet(req.Wallet).
			WithAmount(req.Amount).
			With("side", req.Side).
			With("timing", receipt.Timing).
			With("bonus", receipt.Bonus).
			With("penalty", receipt.Penalty).
			With("position", pos.Amount))
		if receipt.FlaggedNow {
			o.emit(domain.NewEvent(domain.EventSuspiciousActivity, o.now).ForEpoch(ep.ID).ForWallet(req.Wallet).
				With("reason", receipt.SuspiciousReason).
				With("up", ep.UpVaultTotal).
				With("down", ep.DownVaultTotal))
		}

		res = DepositResult{EpochID: ep.ID, Position: pos, Receipt: receipt, MaxPosition: maxPos, BypassFee: bypassFee}
		return nil
	})
	if err != nil {
		slog.Debug("engine: deposit rejected", "wallet", req.Wallet, "amount", req.Amount, "err", err)
		return res, err
	}
	slog.Info("engine: deposit accepted", "epoch", res.EpochID, "wallet", req.Wallet,
		"side", req.Side, "amount", req.Amount, "timing", res.Receipt.Timing)
	if res.Receipt.FlaggedNow {
		slog.Warn("engine: suspicious activity", "epoch", res.EpochID, "reason", res.Receipt.SuspiciousReason)
	}
	return res, nil
}

// loadWalletAndCluster returns the wallet analysis (fresh when unseen) and
// its cluster, if any.
func (e *Engine) loadWalletAndCluster(ctx context.Context, tx ports.Tx, wallet string, now int64) (domain.WalletClusterAnalysis, *domain.SybilCluster, error) {
	w, found, err := tx.LoadWallet(ctx, e.marketID, wallet)
	if err != nil {
		return w, nil, err
	}
	if !found {
		w = domain.NewWalletAnalysis(wallet, now)
	}
	if w.ClusterID == nil {
		return w, nil, nil
	}
	c, err := tx.LoadCluster(ctx, e.marketID, *w.ClusterID)
	if errors.Is(err, domain.ErrClusterNotFound) {
		return w, nil, nil
	}
	if err != nil {
		return w, nil, err
	}
	return w, &c, nil
}

func walletFlaggedEvent(w domain.WalletClusterAnalysis, now int64) domain.Event {
	ev := domain.NewEvent(domain.EventWalletFlagged, now).ForWallet(w.Wallet).
		With("risk_score", w.RiskScore).
		With("manual_review", w.RequiresManualReview)
	if w.AutoFlaggedReason != nil {
		ev = ev.With("reason", *w.AutoFlaggedReason)
	}
	return ev
}
