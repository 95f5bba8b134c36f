package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
)

// InitializeSybilDetection stores the detection config. Calling it again
// replaces the thresholds.
func (e *Engine) InitializeSybilDetection(ctx context.Context, caller string, cfg domain.SybilDetectionConfig) error {
	err := e.run(ctx, "InitializeSybilDetection", func(ctx context.Context, o *op) error {
		if _, err := e.loadAuthorized(ctx, o.tx, caller); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return o.tx.SaveSybilConfig(ctx, e.marketID, cfg)
	})
	if err != nil {
		return err
	}
	slog.Info("engine: sybil detection configured", "active", cfg.IsActive,
		"auto_restrictions", cfg.EnableAutoRestrictions, "high_risk", cfg.HighRiskThreshold)
	return nil
}

// requireSybil loads the detection config and fails when detection is off.
func (e *Engine) requireSybil(ctx context.Context, tx ports.Tx, caller string) (domain.SybilDetectionConfig, error) {
	if _, err := e.loadAuthorized(ctx, tx, caller); err != nil {
		return domain.SybilDetectionConfig{}, err
	}
	cfg, on, err := e.loadSybil(ctx, tx)
	if err != nil {
		return cfg, err
	}
	if !on {
		return cfg, domain.ErrSybilDetectionDisabled
	}
	return cfg, nil
}

// updateWallet loads (or creates) a wallet record, applies fn, rescores and
// saves it.
func (e *Engine) updateWallet(ctx context.Context, o *op, cfg domain.SybilDetectionConfig, wallet string, fn func(*domain.WalletClusterAnalysis)) (domain.WalletClusterAnalysis, error) {
	w, found, err := o.tx.LoadWallet(ctx, e.marketID, wallet)
	if err != nil {
		return w, err
	}
	if !found {
		w = domain.NewWalletAnalysis(wallet, o.now)
	}
	fn(&w)
	if w.Rescore(cfg, o.now) {
		o.emit(walletFlaggedEvent(w, o.now))
	}
	return w, o.tx.SaveWallet(ctx, e.marketID, w)
}

// RecordFunding notes that source funded wallet with amount.
func (e *Engine) RecordFunding(ctx context.Context, caller, wallet, source string, amount uint64) (domain.WalletClusterAnalysis, error) {
	var out domain.WalletClusterAnalysis
	err := e.run(ctx, "RecordFunding", func(ctx context.Context, o *op) error {
		if wallet == "" || source == "" || amount == 0 {
			return fmt.Errorf("%w: wallet, source and amount are required", domain.ErrInvalidAmount)
		}
		cfg, err := e.requireSybil(ctx, o.tx, caller)
		if err != nil {
			return err
		}
		fs, found, err := o.tx.LoadFundingSource(ctx, e.marketID, source)
		if err != nil {
			return err
		}
		if !found {
			fs = domain.NewFundingSource(source, o.now)
		}
		if fs.RecordDistribution(cfg, wallet, amount, o.now) {
			o.emit(domain.NewEvent(domain.EventFundingSourceFlagged, o.now).ForWallet(wallet).
				WithAmount(fs.TotalDistributed).
				With("source", source).
				With("burst_count", fs.BurstCount).
				With("funded_wallets", len(fs.FundedWallets)).
				With("risk_score", fs.RiskScore))
			slog.Warn("engine: funding source flagged", "source", source, "burst", fs.BurstCount)
		}
		if err := o.tx.SaveFundingSource(ctx, e.marketID, fs); err != nil {
			return err
		}
		out, err = e.updateWallet(ctx, o, cfg, wallet, func(w *domain.WalletClusterAnalysis) {
			w.RecordFunding(source, amount)
		})
		return err
	})
	return out, err
}

// RecordSignals feeds behavioural scores computed off-line.
func (e *Engine) RecordSignals(ctx context.Context, caller, wallet string, s domain.WalletSignals) (domain.WalletClusterAnalysis, error) {
	var out domain.WalletClusterAnalysis
	err := e.run(ctx, "RecordSignals", func(ctx context.Context, o *op) error {
		cfg, err := e.requireSybil(ctx, o.tx, caller)
		if err != nil {
			return err
		}
		out, err = e.updateWallet(ctx, o, cfg, wallet, func(w *domain.WalletClusterAnalysis) {
			w.ApplySignals(s)
		})
		return err
	})
	return out, err
}

// FlagWallet flags a wallet after a manual review.
func (e *Engine) FlagWallet(ctx context.Context, caller, wallet string, reason domain.SybilFlag, review bool) error {
	return e.run(ctx, "FlagWallet", func(ctx context.Context, o *op) error {
		if _, err := e.requireSybil(ctx, o.tx, caller); err != nil {
			return err
		}
		w, found, err := o.tx.LoadWallet(ctx, e.marketID, wallet)
		if err != nil {
			return err
		}
		if !found {
			w = domain.NewWalletAnalysis(wallet, o.now)
		}
		w.Flag(reason, review)
		w.IsVerifiedHuman = false
		w.LastManualReview = o.now
		if err := o.tx.SaveWallet(ctx, e.marketID, w); err != nil {
			return err
		}
		o.emit(walletFlaggedEvent(w, o.now).With("manual", true))
		return nil
	})
}

// VerifyWallet clears every flag and marks the wallet as a verified human.
func (e *Engine) VerifyWallet(ctx context.Context, caller, wallet string) error {
	return e.run(ctx, "VerifyWallet", func(ctx context.Context, o *op) error {
		if _, err := e.requireSybil(ctx, o.tx, caller); err != nil {
			return err
		}
		w, found, err := o.tx.LoadWallet(ctx, e.marketID, wallet)
		if err != nil {
			return err
		}
		if !found {
			w = domain.NewWalletAnalysis(wallet, o.now)
		}
		w.Verify(o.now)
		return o.tx.SaveWallet(ctx, e.marketID, w)
	})
}

// DetectClusters groups the unclustered wallets into new clusters, tags their
// members and restricts High and Critical ones when auto restrictions are on.
func (e *Engine) DetectClusters(ctx context.Context, caller string) ([]domain.SybilCluster, error) {
	var out []domain.SybilCluster
	err := e.run(ctx, "DetectClusters", func(ctx context.Context, o *op) error {
		cfg, err := e.requireSybil(ctx, o.tx, caller)
		if err != nil {
			return err
		}
		wallets, err := o.tx.ListWallets(ctx, e.marketID)
		if err != nil {
			return err
		}
		nextID, err := o.tx.NextClusterID(ctx, e.marketID)
		if err != nil {
			return err
		}
		byWallet := make(map[string]domain.WalletClusterAnalysis, len(wallets))
		for _, w := range wallets {
			byWallet[w.Wallet] = w
		}

		for _, c := range domain.DetectClusters(cfg, wallets, nextID, o.now) {
			if cfg.EnableAutoRestrictions && c.RiskLevel >= domain.RiskHigh {
				c.Restrict("auto: "+c.RiskLevel.String()+" risk", o.now)
			}
			if err := o.tx.SaveCluster(ctx, e.marketID, c); err != nil {
				return err
			}
			for _, member := range c.Members {
				w := byWallet[member]
				id := c.ID
				w.ClusterID = &id
				if err := o.tx.SaveWallet(ctx, e.marketID, w); err != nil {
					return err
				}
			}
			o.emit(domain.NewEvent(domain.EventSybilClusterDetected, o.now).
				WithAmount(c.TotalClusterStake).
				With("cluster_id", c.ID).
				With("members", strings.Join(c.Members, ",")).
				With("confidence", c.ConfidenceScore).
				With("risk_level", c.RiskLevel).
				With("shared_funding", c.SharedFundingSource))
			if c.IsRestricted {
				o.emit(clusterRestrictedEvent(c, o.now))
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("engine: cluster detection complete", "clusters", len(out))
	return out, nil
}

// RestrictCluster blocks deposits from every member of a cluster.
func (e *Engine) RestrictCluster(ctx context.Context, caller string, clusterID uint64, reason string) error {
	return e.run(ctx, "RestrictCluster", func(ctx context.Context, o *op) error {
		if _, err := e.requireSybil(ctx, o.tx, caller); err != nil {
			return err
		}
		c, err := o.tx.LoadCluster(ctx, e.marketID, clusterID)
		if err != nil {
			return err
		}
		c.Restrict(reason, o.now)
		if err := o.tx.SaveCluster(ctx, e.marketID, c); err != nil {
			return err
		}
		o.emit(clusterRestrictedEvent(c, o.now))
		return nil
	})
}

// LiftClusterRestriction removes a cluster restriction.
func (e *Engine) LiftClusterRestriction(ctx context.Context, caller string, clusterID uint64) error {
	return e.run(ctx, "LiftClusterRestriction", func(ctx context.Context, o *op) error {
		if _, err := e.requireSybil(ctx, o.tx, caller); err != nil {
			return err
		}
		c, err := o.tx.LoadCluster(ctx, e.marketID, clusterID)
		if err != nil {
			return err
		}
		c.Lift(o.now)
		return o.tx.SaveCluster(ctx, e.marketID, c)
	})
}

func clusterRestrictedEvent(c domain.SybilCluster, now int64) domain.Event {
	return domain.NewEvent(domain.EventClusterRestrictionApplied, now).
		With("cluster_id", c.ID).
		With("reason", c.RestrictionReason).
		With("members", len(c.Members))
}

// --- Queries ---

// Wallet returns the risk record of wallet.
func (e *Engine) Wallet(ctx context.Context, wallet string) (domain.WalletClusterAnalysis, bool, error) {
	var (
		w     domain.WalletClusterAnalysis
		found bool
	)
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		w, found, err = tx.LoadWallet(ctx, e.marketID, wallet)
		return err
	})
	if err != nil {
		return w, false, fmt.Errorf("engine.Wallet: %w", err)
	}
	return w, found, nil
}

// Clusters returns every detected cluster.
func (e *Engine) Clusters(ctx context.Context) ([]domain.SybilCluster, error) {
	var out []domain.SybilCluster
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.ListClusters(ctx, e.marketID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine.Clusters: %w", err)
	}
	return out, nil
}
