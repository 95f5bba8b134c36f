package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/forecast/config"
	"github.com/alejandrodnm/forecast/internal/adapters/notify"
	"github.com/alejandrodnm/forecast/internal/adapters/redisbus"
	"github.com/alejandrodnm/forecast/internal/adapters/storage"
	"github.com/alejandrodnm/forecast/internal/application/engine"
	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
)

const usage = `usage: forecast [-config path] [-verbose] [-format text|json] <command> [flags]

commands:
  init                         initialize the market from the config file
  start -price P               open the next epoch
  deposit -wallet W -side up|down -amount A [-bypass]
  oracle -epoch N -price P -source S [-confidence C]
  resolve -epoch N [-close P]
  claim -wallet W -epoch N
  cooldown -wallet W start|complete
  breaker -epoch N -reason R [-clear]
  pause | unpause
  fees [-fee B] [-base B] [-bypass B] [-progressive true|false]
  treasury -treasury T -bonding V
  fund -wallet W -amount A     credit test tokens (dev faucet)
  report [-epoch N] [-wallet W]
  events [-epoch N] [-wallet W] [-kind K] [-limit L]
  sybil init|detect|rescore|wallets|clusters|flag|verify|funding|signals|restrict|lift|cooldown
  keeper [-once]               resolve due epochs from the price feed
`

// app agrupa las dependencias compartidas por los comandos.
type app struct {
	cfg    *config.Config
	store  *storage.SQLiteStorage
	engine *engine.Engine
	report *notify.Report
	bus    *redisbus.Bus
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file (.yaml or .toml)")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	a, err := newApp(ctx, cfg, cmd == "keeper")
	if err != nil {
		slog.Error("failed to start", "err", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.dispatch(ctx, cmd, args); err != nil {
		slog.Error(cmd+" failed", "err", err, "code", domain.CodeOf(err))
		os.Exit(1)
	}
}

func newApp(ctx context.Context, cfg *config.Config, background bool) (*app, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	a := &app{cfg: cfg, store: store, report: notify.NewReport(os.Stdout, cfg.Market.TokenDecimals)}

	// La keeper corre desatendida: eventos al log en lugar de a la consola.
	var publishers notify.Fanout
	if background {
		publishers = append(publishers, notify.NewSlog(slog.LevelInfo))
	} else {
		publishers = append(publishers, notify.NewConsole(cfg.Market.TokenDecimals))
	}
	if cfg.Redis.Enabled {
		bus, err := redisbus.New(ctx, redisbus.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		a.bus = bus
		publishers = append(publishers, bus)
	}

	var pub ports.EventPublisher = publishers
	a.engine = engine.New(store, cfg.Market.ID, engine.WithPublisher(pub))
	return a, nil
}

func (a *app) close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("storage close failed", "err", err)
	}
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "init":
		return a.cmdInit(ctx)
	case "start":
		return a.cmdStart(ctx, args)
	case "deposit":
		return a.cmdDeposit(ctx, args)
	case "oracle":
		return a.cmdOracle(ctx, args)
	case "resolve":
		return a.cmdResolve(ctx, args)
	case "claim":
		return a.cmdClaim(ctx, args)
	case "cooldown":
		return a.cmdCooldown(ctx, args)
	case "breaker":
		return a.cmdBreaker(ctx, args)
	case "pause":
		return a.engine.SetMarketActive(ctx, a.authority(), false)
	case "unpause":
		return a.engine.SetMarketActive(ctx, a.authority(), true)
	case "fees":
		return a.cmdFees(ctx, args)
	case "treasury":
		return a.cmdTreasury(ctx, args)
	case "fund":
		return a.cmdFund(ctx, args)
	case "report":
		return a.cmdReport(ctx, args)
	case "events":
		return a.cmdEvents(ctx, args)
	case "sybil":
		return a.cmdSybil(ctx, args)
	case "keeper":
		return a.cmdKeeper(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) authority() string { return a.cfg.Market.Authority }

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
