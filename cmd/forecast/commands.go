package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/alejandrodnm/forecast/internal/adapters/notify"
	"github.com/alejandrodnm/forecast/internal/application/engine"
	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
)

// tokenFlag acepta cantidades en tokens ("2.5") y las guarda en unidades base.
type tokenFlag struct {
	decimals int32
	value    uint64
}

func (t *tokenFlag) String() string { return notify.FormatTokens(t.value, t.decimals) }

func (t *tokenFlag) Set(s string) error {
	v, err := notify.ParseTokens(s, t.decimals)
	if err != nil {
		return err
	}
	t.value = v
	return nil
}

func (a *app) tokens() *tokenFlag { return &tokenFlag{decimals: a.cfg.Market.TokenDecimals} }

func (a *app) fmtTokens(v uint64) string { return notify.FormatTokens(v, a.cfg.Market.TokenDecimals) }

func newFlags(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func now() int64 { return time.Now().Unix() }

func (a *app) cmdInit(ctx context.Context) error {
	cfg, err := a.engine.InitializeMarket(ctx, a.authority(), a.cfg.InitParams())
	if err != nil {
		return err
	}
	fmt.Printf("market %s initialized: epoch %s, fee %d bps, payout %s\n",
		cfg.MarketID, time.Duration(cfg.EpochDuration)*time.Second, cfg.FeeBps, cfg.PayoutMode)
	if a.cfg.Sybil.Enabled {
		if err := a.engine.InitializeSybilDetection(ctx, a.authority(), a.cfg.SybilDetection()); err != nil {
			return fmt.Errorf("sybil detection: %w", err)
		}
	}
	return nil
}

func (a *app) cmdStart(ctx context.Context, args []string) error {
	fs := newFlags("start")
	price := fs.Uint64("price", 0, "start price")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ep, err := a.engine.StartEpoch(ctx, a.authority(), *price)
	if err != nil {
		return err
	}
	fmt.Printf("epoch %d started at %d, deposits until %s\n", ep.ID, ep.StartPrice,
		time.Unix(ep.DepositCutoffTimestamp, 0).UTC().Format(time.RFC3339))
	return nil
}

func (a *app) cmdDeposit(ctx context.Context, args []string) error {
	fs := newFlags("deposit")
	wallet := fs.String("wallet", "", "depositor wallet")
	side := fs.String("side", "", "up|down")
	amount := a.tokens()
	fs.Var(amount, "amount", "stake in tokens")
	bypass := fs.Bool("bypass", false, "pay the fee to skip a suggested cooldown")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := domain.ParseSide(*side)
	if err != nil {
		return err
	}
	res, err := a.engine.Deposit(ctx, engine.DepositRequest{
		Wallet: *wallet, Side: s, Amount: amount.value, BypassCooldown: *bypass,
	})
	if err != nil {
		return err
	}
	fmt.Printf("epoch %d: %s now holds %s %s (%s deposit)\n",
		res.EpochID, *wallet, a.fmtTokens(res.Position.Amount), s, res.Receipt.Timing)
	if res.BypassFee > 0 {
		fmt.Printf("cooldown bypass fee: %s\n", a.fmtTokens(res.BypassFee))
	}
	return nil
}

func (a *app) cmdOracle(ctx context.Context, args []string) error {
	fs := newFlags("oracle")
	epoch := fs.Uint64("epoch", 0, "epoch id")
	price := fs.Uint64("price", 0, "observed close price")
	source := fs.String("source", "", "report source")
	confidence := fs.Uint("confidence", 10000, "confidence in bps")
	ts := fs.Int64("timestamp", 0, "observation time (default now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *confidence > 10000 {
		return fmt.Errorf("%w: confidence above 10000", domain.ErrInvalidBps)
	}
	if *ts == 0 {
		*ts = now()
	}
	return a.engine.AddOraclePrice(ctx, a.authority(), *epoch, domain.OraclePrice{
		Price: *price, Timestamp: *ts, Source: *source, Confidence: uint16(*confidence),
	})
}

func (a *app) cmdResolve(ctx context.Context, args []string) error {
	fs := newFlags("resolve")
	epoch := fs.Uint64("epoch", 0, "epoch id")
	closePrice := fs.Uint64("close", 0, "manual close price (skips consensus)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var manual *uint64
	if *closePrice != 0 {
		manual = closePrice
	}
	s, err := a.engine.Resolve(ctx, a.authority(), *epoch, manual)
	if err != nil {
		return err
	}
	fmt.Printf("epoch %d resolved %s: burn %s fee %s prize pool %s\n",
		*epoch, s.Outcome, a.fmtTokens(s.Burn), a.fmtTokens(s.Fee), a.fmtTokens(s.PrizePool))
	return nil
}

func (a *app) cmdClaim(ctx context.Context, args []string) error {
	fs := newFlags("claim")
	wallet := fs.String("wallet", "", "claimant wallet")
	epoch := fs.Uint64("epoch", 0, "epoch id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	b, err := a.engine.Claim(ctx, *wallet, *epoch)
	if err != nil {
		return err
	}
	fmt.Printf("%s claimed %s from epoch %d (stake %s, fee %s, bonus %s, penalty %s)\n",
		*wallet, a.fmtTokens(b.Total), *epoch, a.fmtTokens(b.Stake),
		a.fmtTokens(b.Fee), a.fmtTokens(b.Bonus), a.fmtTokens(b.Penalty))
	return nil
}

func (a *app) cmdCooldown(ctx context.Context, args []string) error {
	fs := newFlags("cooldown")
	wallet := fs.String("wallet", "", "wallet")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var (
		s   domain.UserWinStreak
		err error
	)
	switch fs.Arg(0) {
	case "start":
		s, err = a.engine.StartCooldown(ctx, *wallet)
	case "complete":
		s, err = a.engine.CompleteCooldown(ctx, *wallet)
	default:
		return errors.New("cooldown: expected start or complete")
	}
	if err != nil {
		return err
	}
	cfg, err := a.engine.Config(ctx)
	if err != nil {
		return err
	}
	a.report.Streak(cfg, s, now())
	return nil
}

func (a *app) cmdBreaker(ctx context.Context, args []string) error {
	fs := newFlags("breaker")
	epoch := fs.Uint64("epoch", 0, "epoch id")
	reason := fs.String("reason", "manual", "reason shown to depositors")
	clearIt := fs.Bool("clear", false, "clear the breaker instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clearIt {
		return a.engine.ClearCircuitBreaker(ctx, a.authority(), *epoch)
	}
	return a.engine.TriggerCircuitBreaker(ctx, a.authority(), *epoch, *reason)
}

// optUint16 deja el campo en nil si el flag no se pasó.
func optUint16(fs *flag.FlagSet, name string, v uint) *uint16 {
	var out *uint16
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			x := uint16(v)
			out = &x
		}
	})
	return out
}

func (a *app) cmdFees(ctx context.Context, args []string) error {
	fs := newFlags("fees")
	fee := fs.Uint("fee", 0, "flat fee in bps (max 1000)")
	base := fs.Uint("base", 0, "base treasury fee in bps")
	bypass := fs.Uint("bypass", 0, "cooldown bypass fee in bps")
	progressive := fs.String("progressive", "", "true|false")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, v := range []uint{*fee, *base, *bypass} {
		if v > 10000 {
			return fmt.Errorf("%w: %d", domain.ErrInvalidBps, v)
		}
	}
	u := domain.FeeUpdate{
		FeeBps:               optUint16(fs, "fee", *fee),
		BaseTreasuryFeeBps:   optUint16(fs, "base", *base),
		CooldownBypassFeeBps: optUint16(fs, "bypass", *bypass),
	}
	switch *progressive {
	case "":
	case "true", "false":
		on := *progressive == "true"
		u.EnableProgressiveFees = &on
	default:
		return fmt.Errorf("fees: -progressive must be true or false")
	}
	cfg, err := a.engine.UpdateFees(ctx, a.authority(), u)
	if err != nil {
		return err
	}
	fmt.Printf("fees: flat %d bps, base %d bps, bypass %d bps, progressive %t\n",
		cfg.FeeBps, cfg.BaseTreasuryFeeBps, cfg.CooldownBypassFeeBps, cfg.EnableProgressiveFees)
	return nil
}

func (a *app) cmdTreasury(ctx context.Context, args []string) error {
	fs := newFlags("treasury")
	treasury := fs.String("treasury", "", "treasury account")
	bonding := fs.String("bonding", "", "bonding vault account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, err := a.engine.UpdateTreasury(ctx, a.authority(), *treasury, *bonding)
	return err
}

func (a *app) cmdFund(ctx context.Context, args []string) error {
	fs := newFlags("fund")
	wallet := fs.String("wallet", "", "wallet to credit")
	amount := a.tokens()
	fs.Var(amount, "amount", "tokens to credit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *wallet == "" || amount.value == 0 {
		return fmt.Errorf("%w: -wallet and -amount are required", domain.ErrInvalidAmount)
	}
	acct := domain.UserAccount(*wallet)
	if err := a.store.Credit(ctx, acct, amount.value); err != nil {
		return err
	}
	bal, err := a.engine.Balance(ctx, acct)
	if err != nil {
		return err
	}
	fmt.Printf("%s balance: %s\n", *wallet, a.fmtTokens(bal))
	return nil
}

func (a *app) cmdReport(ctx context.Context, args []string) error {
	fs := newFlags("report")
	epoch := fs.Uint64("epoch", 0, "epoch id (default: recent epochs)")
	wallet := fs.String("wallet", "", "show a wallet's streak and balance")
	limit := fs.Int("limit", 10, "epochs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t := now()
	if *wallet != "" {
		cfg, err := a.engine.Config(ctx)
		if err != nil {
			return err
		}
		s, err := a.engine.Streak(ctx, *wallet)
		if err != nil {
			return err
		}
		bal, err := a.engine.Balance(ctx, domain.UserAccount(*wallet))
		if err != nil {
			return err
		}
		a.report.Streak(cfg, s, t)
		fmt.Printf("  balance %s\n", a.fmtTokens(bal))
		return nil
	}
	if *epoch == 0 {
		epochs, err := a.engine.Epochs(ctx, *limit)
		if err != nil {
			return err
		}
		a.report.Epochs(epochs, t)
		return nil
	}
	ep, err := a.engine.Epoch(ctx, *epoch)
	if err != nil {
		return err
	}
	positions, err := a.engine.Positions(ctx, *epoch)
	if err != nil {
		return err
	}
	a.report.Epoch(ep, positions, t)
	return nil
}

func (a *app) cmdEvents(ctx context.Context, args []string) error {
	fs := newFlags("events")
	var f ports.EventFilter
	fs.Uint64Var(&f.EpochID, "epoch", 0, "filter by epoch")
	fs.StringVar(&f.Wallet, "wallet", "", "filter by wallet")
	kind := fs.String("kind", "", "filter by event kind")
	fs.IntVar(&f.Limit, "limit", 50, "max events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f.Kind = domain.EventKind(*kind)
	events, err := a.engine.Events(ctx, f)
	if err != nil {
		return err
	}
	return notify.NewConsole(a.cfg.Market.TokenDecimals).Publish(ctx, a.cfg.Market.ID, events)
}
