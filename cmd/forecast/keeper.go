package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/forecast/internal/adapters/pricefeed"
	"github.com/alejandrodnm/forecast/internal/application/keeper"
)

func (a *app) cmdKeeper(ctx context.Context, args []string) error {
	fs := newFlags("keeper")
	once := fs.Bool("once", false, "run one cycle and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	feed := pricefeed.NewClient(pricefeed.Config{
		Sources:           a.cfg.Oracle.Sources,
		RequestsPerSecond: a.cfg.Oracle.RequestsPerSecond,
		Timeout:           time.Duration(a.cfg.Oracle.TimeoutSeconds) * time.Second,
	})
	if len(a.cfg.Oracle.Sources) == 0 {
		slog.Warn("keeper: no oracle sources configured, epochs will not resolve")
	}

	k := keeper.New(keeper.Config{
		Interval:  a.cfg.KeeperInterval(),
		Authority: a.authority(),
		AutoStart: a.cfg.Keeper.AutoStart,
		DryRun:    *once,
	}, a.engine, feed)

	if err := k.Run(ctx); err != nil {
		return err
	}
	slog.Info("forecast keeper stopped cleanly")
	return nil
}
