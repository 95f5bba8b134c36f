package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alejandrodnm/forecast/internal/domain"
)

func (a *app) cmdSybil(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("sybil: expected a subcommand")
	}
	sub, args := args[0], args[1:]
	switch sub {
	case "init":
		return a.engine.InitializeSybilDetection(ctx, a.authority(), a.cfg.SybilDetection())
	case "detect":
		clusters, err := a.engine.DetectClusters(ctx, a.authority())
		if err != nil {
			return err
		}
		a.report.Clusters(clusters)
		return nil
	case "rescore":
		sum, err := a.engine.RescoreWallets(ctx, a.authority())
		if err != nil {
			return err
		}
		fmt.Printf("rescored %d wallets: %d changed, flagged %v\n", sum.Wallets, sum.Changed, sum.Flagged)
		return nil
	case "wallets":
		wallets, err := a.engine.Wallets(ctx)
		if err != nil {
			return err
		}
		a.report.Wallets(wallets)
		return nil
	case "clusters":
		clusters, err := a.engine.Clusters(ctx)
		if err != nil {
			return err
		}
		a.report.Clusters(clusters)
		return nil
	case "flag":
		fs := newFlags("sybil flag")
		wallet := fs.String("wallet", "", "wallet")
		reason := fs.String("reason", domain.FlagManual.String(), "flag reason")
		review := fs.Bool("review", true, "require manual review")
		if err := fs.Parse(args); err != nil {
			return err
		}
		f, err := domain.ParseSybilFlag(*reason)
		if err != nil {
			return err
		}
		return a.engine.FlagWallet(ctx, a.authority(), *wallet, f, *review)
	case "verify":
		fs := newFlags("sybil verify")
		wallet := fs.String("wallet", "", "wallet")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return a.engine.VerifyWallet(ctx, a.authority(), *wallet)
	case "funding":
		fs := newFlags("sybil funding")
		wallet := fs.String("wallet", "", "funded wallet")
		source := fs.String("source", "", "funding source")
		amount := a.tokens()
		fs.Var(amount, "amount", "funded tokens")
		if err := fs.Parse(args); err != nil {
			return err
		}
		w, err := a.engine.RecordFunding(ctx, a.authority(), *wallet, *source, amount.value)
		if err != nil {
			return err
		}
		fmt.Printf("%s risk score %d\n", w.Wallet, w.RiskScore)
		return nil
	case "signals":
		fs := newFlags("sybil signals")
		wallet := fs.String("wallet", "", "wallet")
		timing := fs.Int("timing", -1, "timing predictability bps")
		avoidance := fs.Int("avoidance", -1, "cooldown avoidance bps")
		connected := fs.String("connected", "", "comma separated connected wallets")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var s domain.WalletSignals
		if *timing >= 0 {
			v := uint16(min(*timing, 10000))
			s.TimingPredictability = &v
		}
		if *avoidance >= 0 {
			v := uint16(min(*avoidance, 10000))
			s.CooldownAvoidance = &v
		}
		if *connected != "" {
			s.ConnectedWallets = strings.Split(*connected, ",")
		}
		w, err := a.engine.RecordSignals(ctx, a.authority(), *wallet, s)
		if err != nil {
			return err
		}
		fmt.Printf("%s risk score %d\n", w.Wallet, w.RiskScore)
		return nil
	case "restrict", "lift", "cooldown":
		fs := newFlags("sybil " + sub)
		id := fs.Uint64("cluster", 0, "cluster id")
		reason := fs.String("reason", "manual", "restriction reason")
		if err := fs.Parse(args); err != nil {
			return err
		}
		switch sub {
		case "restrict":
			return a.engine.RestrictCluster(ctx, a.authority(), *id, *reason)
		case "lift":
			return a.engine.LiftClusterRestriction(ctx, a.authority(), *id)
		}
		started, err := a.engine.StartClusterCooldown(ctx, a.authority(), *id)
		if err != nil {
			return err
		}
		fmt.Printf("cluster %d: cooldown started for %v\n", *id, started)
		return nil
	default:
		return fmt.Errorf("sybil: unknown subcommand %q", sub)
	}
}
