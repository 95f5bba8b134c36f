package engine

// engine.go: orquestador de un mercado.
//
// Cada operación pública es UNA transacción del store: carga entidades,
// aplica la política del dominio, mueve fondos con el signer que corresponde,
// persiste y agrega los eventos al log de auditoría. Los eventos se publican
// solo después del commit.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
	"github.com/google/uuid"
)

// Clock returns the current unix time in seconds.
type Clock func() int64

// SystemClock reads the wall clock.
func SystemClock() int64 { return time.Now().Unix() }

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock. Tests use it to jump between phases.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.now = c }
}

// WithPublisher sets where committed events are delivered.
func WithPublisher(p ports.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRescoreWorkers sets the goroutines used by RescoreWallets (0 = NumCPU*2).
func WithRescoreWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// Engine runs every operation of one market.
type Engine struct {
	store     ports.Store
	marketID  string
	protocol  domain.Signer
	publisher ports.EventPublisher
	now       Clock
	workers   int
}

// New creates the engine for marketID. The protocol capability that signs
// custody movements is built here, once.
func New(store ports.Store, marketID string, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		marketID: marketID,
		protocol: domain.NewProtocolAuthority(marketID),
		now:      SystemClock,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MarketID identifies the market this engine runs.
func (e *Engine) MarketID() string { return e.marketID }

// Custody is the account holding every stake of the market.
func (e *Engine) Custody() domain.AccountID { return domain.CustodyAccount(e.marketID) }

// op is the state of one operation inside its transaction.
type op struct {
	tx       ports.Tx
	now      int64
	events   []domain.Event
	rejected error
}

func (o *op) emit(ev domain.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = o.now
	}
	o.events = append(o.events, ev)
}

// reject ends the operation with err while still committing audit. Every
// event emitted so far is discarded and replaced by audit. Callers must not
// have written any state before calling it.
func (o *op) reject(err error, audit ...domain.Event) error {
	o.events = o.events[:0]
	for _, ev := range audit {
		o.emit(ev)
	}
	o.rejected = err
	return nil
}

// run executes fn in one transaction and publishes its events after commit.
func (e *Engine) run(ctx context.Context, name string, fn func(ctx context.Context, o *op) error) error {
	var (
		committed []domain.Event
		rejected  error
	)
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		o := &op{tx: tx, now: e.now()}
		if err := fn(ctx, o); err != nil {
			return err
		}
		for i := range o.events {
			o.events[i].ID = uuid.NewString()
			if err := tx.AppendEvent(ctx, e.marketID, o.events[i]); err != nil {
				return fmt.Errorf("append %s: %w", o.events[i].Kind, err)
			}
		}
		committed, rejected = o.events, o.rejected
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine.%s: %w", name, err)
	}
	e.publish(ctx, committed)
	if rejected != nil {
		return fmt.Errorf("engine.%s: %w", name, rejected)
	}
	return nil
}

// publish entrega los eventos; los errores se loguean y no afectan a la operación.
func (e *Engine) publish(ctx context.Context, events []domain.Event) {
	if e.publisher == nil || len(events) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, e.marketID, events); err != nil {
		slog.Warn("engine: publish failed", "events", len(events), "err", err)
	}
}

// loadAuthorized loads the config and checks caller holds the authority.
func (e *Engine) loadAuthorized(ctx context.Context, tx ports.Tx, caller string) (domain.MarketConfig, error) {
	cfg, err := tx.LoadConfig(ctx, e.marketID)
	if err != nil {
		return cfg, err
	}
	if !cfg.IsAuthority(caller) {
		return cfg, fmt.Errorf("%w: %q is not the market authority", domain.ErrUnauthorized, caller)
	}
	return cfg, nil
}

// loadSybil returns the detection config and whether detection is on.
func (e *Engine) loadSybil(ctx context.Context, tx ports.Tx) (domain.SybilDetectionConfig, bool, error) {
	cfg, found, err := tx.LoadSybilConfig(ctx, e.marketID)
	if err != nil {
		return cfg, false, err
	}
	return cfg, found && cfg.IsActive, nil
}

// --- Queries ---

// Config returns the market configuration.
func (e *Engine) Config(ctx context.Context) (domain.MarketConfig, error) {
	var cfg domain.MarketConfig
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		cfg, err = tx.LoadConfig(ctx, e.marketID)
		return err
	})
	if err != nil {
		return cfg, fmt.Errorf("engine.Config: %w", err)
	}
	return cfg, nil
}

// Epoch returns one epoch.
func (e *Engine) Epoch(ctx context.Context, id uint64) (domain.Epoch, error) {
	var ep domain.Epoch
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		ep, err = tx.LoadEpoch(ctx, e.marketID, id)
		return err
	})
	if err != nil {
		return ep, fmt.Errorf("engine.Epoch: %w", err)
	}
	return ep, nil
}

// CurrentEpoch returns the most recently started epoch.
func (e *Engine) CurrentEpoch(ctx context.Context) (domain.Epoch, error) {
	var ep domain.Epoch
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		cfg, err := tx.LoadConfig(ctx, e.marketID)
		if err != nil {
			return err
		}
		if cfg.CurrentEpoch == 0 {
			return fmt.Errorf("%w: no epoch started", domain.ErrEpochNotFound)
		}
		ep, err = tx.LoadEpoch(ctx, e.marketID, cfg.CurrentEpoch)
		return err
	})
	if err != nil {
		return ep, fmt.Errorf("engine.CurrentEpoch: %w", err)
	}
	return ep, nil
}

// Positions returns every position of an epoch ordered by wallet.
func (e *Engine) Positions(ctx context.Context, epochID uint64) ([]domain.UserPosition, error) {
	var out []domain.UserPosition
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.ListPositions(ctx, e.marketID, epochID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine.Positions: %w", err)
	}
	return out, nil
}

// Position returns wallet's position in an epoch.
func (e *Engine) Position(ctx context.Context, epochID uint64, wallet string) (domain.UserPosition, error) {
	var pos domain.UserPosition
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		p, found, err := tx.LoadPosition(ctx, e.marketID, epochID, wallet)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s in epoch %d", domain.ErrPositionNotFound, wallet, epochID)
		}
		pos = p
		return nil
	})
	if err != nil {
		return pos, fmt.Errorf("engine.Position: %w", err)
	}
	return pos, nil
}

// Streak returns wallet's win streak record.
func (e *Engine) Streak(ctx context.Context, wallet string) (domain.UserWinStreak, error) {
	var s domain.UserWinStreak
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		s, err = tx.LoadStreak(ctx, e.marketID, wallet)
		return err
	})
	if err != nil {
		return s, fmt.Errorf("engine.Streak: %w", err)
	}
	return s, nil
}

// Balance returns the ledger balance of acct.
func (e *Engine) Balance(ctx context.Context, acct domain.AccountID) (uint64, error) {
	var b uint64
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		b, err = tx.Ledger().Balance(ctx, acct)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("engine.Balance: %w", err)
	}
	return b, nil
}

// Events returns audit events matching f in emission order.
func (e *Engine) Events(ctx context.Context, f ports.EventFilter) ([]domain.Event, error) {
	var out []domain.Event
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.ListEvents(ctx, e.marketID, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine.Events: %w", err)
	}
	return out, nil
}

// Epochs returns up to limit epochs, newest first.
func (e *Engine) Epochs(ctx context.Context, limit int) ([]domain.Epoch, error) {
	var out []domain.Epoch
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.ListEpochs(ctx, e.marketID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine.Epochs: %w", err)
	}
	return out, nil
}

// Wallets returns every wallet risk record.
func (e *Engine) Wallets(ctx context.Context) ([]domain.WalletClusterAnalysis, error) {
	var out []domain.WalletClusterAnalysis
	err := e.store.Tx(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.ListWallets(ctx, e.marketID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine.Wallets: %w", err)
	}
	return out, nil
}
