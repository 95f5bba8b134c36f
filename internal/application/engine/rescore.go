package engine

// rescore.go: worker pool para recalcular el riesgo de todas las wallets.

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// RescoreSummary reports what a RescoreWallets run changed.
type RescoreSummary struct {
	Wallets int
	Changed int
	Flagged []string
}

// RescoreWallets recomputes every wallet's risk score in parallel and writes
// the results in one transaction.
func (e *Engine) RescoreWallets(ctx context.Context, caller string) (RescoreSummary, error) {
	var sum RescoreSummary
	err := e.run(ctx, "RescoreWallets", func(ctx context.Context, o *op) error {
		cfg, err := e.requireSybil(ctx, o.tx, caller)
		if err != nil {
			return err
		}
		wallets, err := o.tx.ListWallets(ctx, e.marketID)
		if err != nil {
			return err
		}
		results := rescoreConcurrent(ctx, cfg, wallets, o.now, e.workers)
		if err := ctx.Err(); err != nil {
			return err
		}
		sum.Wallets = len(wallets)
		for _, r := range results {
			if r.before != r.wallet.RiskScore {
				sum.Changed++
			}
			if r.flagged {
				sum.Flagged = append(sum.Flagged, r.wallet.Wallet)
				o.emit(walletFlaggedEvent(r.wallet, o.now))
			}
			if err := o.tx.SaveWallet(ctx, e.marketID, r.wallet); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RescoreSummary{}, err
	}
	slog.Info("engine: wallets rescored", "wallets", sum.Wallets, "changed", sum.Changed, "flagged", len(sum.Flagged))
	return sum, nil
}

type rescored struct {
	wallet  domain.WalletClusterAnalysis
	before  uint16
	flagged bool
}

// rescoreConcurrent recalcula los scores con un worker pool. El resultado se
// ordena por wallet para que la escritura y los eventos sean deterministas.
//
// Si workers <= 0 usa runtime.NumCPU() × 2.
func rescoreConcurrent(ctx context.Context, cfg domain.SybilDetectionConfig, wallets []domain.WalletClusterAnalysis, now int64, workers int) []rescored {
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	workCh := make(chan domain.WalletClusterAnalysis, len(wallets))
	resultCh := make(chan rescored, len(wallets))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					continue
				}
				r := rescored{before: w.RiskScore}
				r.flagged = w.Rescore(cfg, now)
				r.wallet = w
				resultCh <- r
			}
		}()
	}

	for _, w := range wallets {
		workCh <- w
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	out := make([]rescored, 0, len(wallets))
	for r := range resultCh {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].wallet.Wallet < out[j].wallet.Wallet })

	slog.Debug("engine: concurrent rescore complete", "wallets", len(out), "workers", workers)
	return out
}
