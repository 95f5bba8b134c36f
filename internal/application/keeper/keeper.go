package keeper

// keeper.go: loop que resuelve épocas vencidas y abre la siguiente.
//
// La política de reintentos vive aquí, del lado del caller: un error de
// oráculo (fuentes insuficientes, desviación alta) se loguea y se reintenta
// en el próximo tick sin intervención.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
)

// Market is the part of the engine the keeper drives.
type Market interface {
	MarketID() string
	Config(ctx context.Context) (domain.MarketConfig, error)
	CurrentEpoch(ctx context.Context) (domain.Epoch, error)
	AddOraclePrice(ctx context.Context, caller string, epochID uint64, r domain.OraclePrice) error
	Resolve(ctx context.Context, caller string, epochID uint64, manual *uint64) (domain.Settlement, error)
	StartEpoch(ctx context.Context, caller string, startPrice uint64) (domain.Epoch, error)
}

// Config contiene la configuración del keeper.
type Config struct {
	Interval  time.Duration
	Authority string
	AutoStart bool // abrir la siguiente época al precio de cierre
	DryRun    bool // un solo ciclo
	Clock     func() int64
}

// Action is what one tick did.
type Action string

const (
	ActionIdle     Action = "idle"
	ActionWaiting  Action = "waiting"
	ActionReported Action = "reported"
	ActionRetry    Action = "retry"
	ActionResolved Action = "resolved"
	ActionStarted  Action = "started"
	ActionHalted   Action = "halted"
)

// Keeper resolves the current epoch once it is due.
type Keeper struct {
	cfg    Config
	market Market
	feed   ports.PriceFeed
}

// New crea un Keeper con sus dependencias inyectadas.
func New(cfg Config, market Market, feed ports.PriceFeed) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().Unix() }
	}
	return &Keeper{cfg: cfg, market: market, feed: feed}
}

// Run ejecuta el loop hasta que el contexto se cancele.
// Si cfg.DryRun está activo, solo ejecuta un ciclo.
func (k *Keeper) Run(ctx context.Context) error {
	slog.Info("keeper: starting", "interval", k.cfg.Interval, "auto_start", k.cfg.AutoStart, "dry_run", k.cfg.DryRun)

	if _, err := k.Tick(ctx); err != nil {
		slog.Error("keeper: tick failed", "err", err)
		if k.cfg.DryRun {
			return err
		}
	}
	if k.cfg.DryRun {
		return nil
	}

	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("keeper: stopped")
			return nil
		case <-ticker.C:
			if _, err := k.Tick(ctx); err != nil {
				slog.Error("keeper: tick failed", "err", err)
			}
		}
	}
}

// Tick runs one cycle. Retryable oracle errors are reported as ActionRetry,
// not as errors.
func (k *Keeper) Tick(ctx context.Context) (Action, error) {
	ep, err := k.market.CurrentEpoch(ctx)
	if errors.Is(err, domain.ErrEpochNotFound) {
		slog.Debug("keeper: no epoch started")
		return ActionIdle, nil
	}
	if err != nil {
		return ActionIdle, fmt.Errorf("keeper.Tick: current epoch: %w", err)
	}

	if ep.IsResolved {
		if !k.cfg.AutoStart {
			return ActionIdle, nil
		}
		return k.startNext(ctx, ep)
	}

	now := k.cfg.Clock()
	if now < ep.EndTimestamp {
		slog.Debug("keeper: epoch running", "epoch", ep.ID, "ends_in", ep.EndTimestamp-now)
		return ActionWaiting, nil
	}
	if ep.IsCircuitBreakerTriggered {
		slog.Warn("keeper: epoch halted", "epoch", ep.ID, "reason", ep.CircuitBreakerReason)
		return ActionHalted, nil
	}

	cfg, err := k.market.Config(ctx)
	if err != nil {
		return ActionIdle, fmt.Errorf("keeper.Tick: config: %w", err)
	}

	added, fetched, err := k.submitReports(ctx, ep)
	if err != nil {
		return ActionIdle, err
	}
	if now < ep.ResolutionTimestamp {
		if added > 0 {
			return ActionReported, nil
		}
		return ActionWaiting, nil
	}

	var manual *uint64
	if !cfg.RequireMultipleOracles {
		if price, err := domain.Consensus(fetched, 1, cfg.MaxOracleDeviationBps); err == nil {
			manual = &price
		}
	}
	s, err := k.market.Resolve(ctx, k.cfg.Authority, ep.ID, manual)
	if err != nil {
		if domain.IsRetryable(err) || errors.Is(err, domain.ErrMissingClosePrice) {
			slog.Warn("keeper: resolve deferred", "epoch", ep.ID, "code", domain.CodeOf(err), "err", err)
			return ActionRetry, nil
		}
		return ActionIdle, fmt.Errorf("keeper.Tick: resolve epoch %d: %w", ep.ID, err)
	}
	slog.Info("keeper: epoch resolved", "epoch", ep.ID, "outcome", s.Outcome, "prize_pool", s.PrizePool)

	if !k.cfg.AutoStart {
		return ActionResolved, nil
	}
	resolved, err := k.market.CurrentEpoch(ctx)
	if err != nil {
		return ActionResolved, fmt.Errorf("keeper.Tick: reload epoch: %w", err)
	}
	return k.startNext(ctx, resolved)
}

// submitReports fetches reports for ep and adds those from unseen sources.
// Rejected reports are logged and skipped.
func (k *Keeper) submitReports(ctx context.Context, ep domain.Epoch) (int, []domain.OraclePrice, error) {
	reports, err := k.feed.FetchReports(ctx, k.market.MarketID(), ep)
	if err != nil {
		slog.Warn("keeper: fetch reports failed", "epoch", ep.ID, "err", err)
		return 0, nil, nil
	}
	seen := make(map[string]bool, len(ep.OracleReports))
	for _, r := range ep.OracleReports {
		seen[r.Source] = true
	}
	added := 0
	for _, r := range reports {
		if seen[r.Source] {
			continue
		}
		if err := k.market.AddOraclePrice(ctx, k.cfg.Authority, ep.ID, r); err != nil {
			if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrNotInitialized) {
				return added, reports, fmt.Errorf("keeper.submitReports: %w", err)
			}
			slog.Warn("keeper: report rejected", "epoch", ep.ID, "source", r.Source, "code", domain.CodeOf(err))
			continue
		}
		seen[r.Source] = true
		added++
	}
	if added > 0 {
		slog.Info("keeper: oracle reports added", "epoch", ep.ID, "added", added)
	}
	return added, reports, nil
}

func (k *Keeper) startNext(ctx context.Context, last domain.Epoch) (Action, error) {
	next, err := k.market.StartEpoch(ctx, k.cfg.Authority, last.ClosePrice)
	if err != nil {
		return ActionResolved, fmt.Errorf("keeper.startNext: %w", err)
	}
	slog.Info("keeper: epoch started", "epoch", next.ID, "start_price", next.StartPrice)
	return ActionStarted, nil
}
