package notify

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Report imprime tablas de estado para la CLI.
type Report struct {
	out      io.Writer
	decimals int32
}

// NewReport crea un Report sobre w.
func NewReport(w io.Writer, decimals int32) *Report {
	return &Report{out: w, decimals: decimals}
}

func (r *Report) tokens(v uint64) string { return FormatTokens(v, r.decimals) }

// Epochs imprime una fila por época.
func (r *Report) Epochs(epochs []domain.Epoch, now int64) {
	if len(epochs) == 0 {
		fmt.Fprintln(r.out, "no epochs")
		return
	}
	table := tablewriter.NewWriter(r.out)
	table.Header("Epoch", "Phase", "Start", "Close", "Up", "Down", "Deposits", "Outcome", "Burn", "Fee", "Prize")
	for _, ep := range epochs {
		outcome := "-"
		if o, ok := ep.Outcome(); ok {
			outcome = o.String()
		}
		phase := ep.Phase(now).String()
		if ep.IsCircuitBreakerTriggered {
			phase = "halted"
		}
		closePrice := "-"
		if ep.ClosePrice != 0 {
			closePrice = strconv.FormatUint(ep.ClosePrice, 10)
		}
		table.Append(
			strconv.FormatUint(ep.ID, 10),
			phase,
			strconv.FormatUint(ep.StartPrice, 10),
			closePrice,
			r.tokens(ep.UpVaultTotal),
			r.tokens(ep.DownVaultTotal),
			strconv.FormatUint(uint64(ep.DepositCount()), 10),
			outcome,
			r.tokens(ep.Settlement.Burn),
			r.tokens(ep.Settlement.Fee),
			r.tokens(ep.Settlement.PrizePool),
		)
	}
	table.Render()
}

// Epoch imprime el detalle de una época y sus posiciones.
func (r *Report) Epoch(ep domain.Epoch, positions []domain.UserPosition, now int64) {
	fmt.Fprintf(r.out, "\n=== EPOCH %d (%s) ===\n", ep.ID, ep.Phase(now))
	fmt.Fprintf(r.out, "  Window:     %s -> %s\n", clock(ep.StartTimestamp), clock(ep.EndTimestamp))
	fmt.Fprintf(r.out, "  Cutoff:     %s\n", clock(ep.DepositCutoffTimestamp))
	fmt.Fprintf(r.out, "  Resolution: %s\n", clock(ep.ResolutionTimestamp))
	fmt.Fprintf(r.out, "  Vaults:     up %s / down %s\n", r.tokens(ep.UpVaultTotal), r.tokens(ep.DownVaultTotal))
	fmt.Fprintf(r.out, "  Timing:     early %d / normal %d / late %d\n",
		ep.EarlyDepositCount, ep.NormalDepositCount, ep.LateDepositCount)
	if ep.IsCircuitBreakerTriggered {
		fmt.Fprintf(r.out, "  HALTED:     %s\n", ep.CircuitBreakerReason)
	}
	if ep.SuspiciousActivityDetected {
		fmt.Fprintf(r.out, "  Suspicious: %s\n", ep.SuspiciousReason)
	}
	if ep.IsResolved {
		s := ep.Settlement
		fmt.Fprintf(r.out, "  Settlement: %s (%s) close %d\n", s.Outcome, s.Mode, ep.ClosePrice)
		fmt.Fprintf(r.out, "              burn %s fee %s (treasury %s, bonding %s) prize %s\n",
			r.tokens(s.Burn), r.tokens(s.Fee), r.tokens(s.TreasuryShare), r.tokens(s.BondingShare), r.tokens(s.PrizePool))
		fmt.Fprintf(r.out, "              claims %d distributed %s\n", s.Claims, r.tokens(s.Distributed))
	}
	if len(positions) == 0 {
		return
	}
	table := tablewriter.NewWriter(r.out)
	table.Header("Wallet", "Side", "Amount", "Deposits", "Timing", "Bonus", "Penalty", "Claimed")
	for _, p := range positions {
		timing := "normal"
		switch {
		case p.IsEarlyBird:
			timing = "early"
		case p.IsLateDeposit:
			timing = "late"
		}
		claimed := "-"
		if p.HasClaimed {
			claimed = r.tokens(p.ClaimedAmount)
		}
		table.Append(
			truncate(p.Wallet, 20),
			p.Side.String(),
			r.tokens(p.Amount),
			strconv.FormatUint(uint64(p.DepositCount), 10),
			timing,
			r.tokens(p.TemporalBonus),
			r.tokens(p.TemporalPenalty),
			claimed,
		)
	}
	table.Render()
}

// Streak imprime el estado de racha de un usuario.
func (r *Report) Streak(cfg domain.MarketConfig, s domain.UserWinStreak, now int64) {
	fmt.Fprintf(r.out, "wallet %s: %d consecutive wins (%dW/%dL), fee level %d bps\n",
		s.Wallet, s.ConsecutiveWins, s.TotalWins, s.TotalLosses, s.FeeBps(cfg))
	if s.IsCoolingDown(now) {
		fmt.Fprintf(r.out, "  cooling down until %s\n", clock(s.CooldownEndTimestamp))
	} else if s.CooldownSuggested {
		fmt.Fprintln(r.out, "  cooldown suggested")
	}
	fmt.Fprintf(r.out, "  fees paid %s (progressive %s, bypass %s)\n",
		r.tokens(s.TotalFeesPaid), r.tokens(s.ProgressiveFeesPaid), r.tokens(s.BypassFeesPaid))
}

func clock(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04")
}

// Wallets imprime el análisis de riesgo por wallet.
func (r *Report) Wallets(wallets []domain.WalletClusterAnalysis) {
	if len(wallets) == 0 {
		fmt.Fprintln(r.out, "no wallets analyzed")
		return
	}
	table := tablewriter.NewWriter(r.out)
	table.Header("Wallet", "Risk", "Deposits", "Avg size", "Primary source", "Cluster", "Flagged", "Verified")
	for _, w := range wallets {
		cluster := "-"
		if w.ClusterID != nil {
			cluster = strconv.FormatUint(*w.ClusterID, 10)
		}
		flagged := "no"
		if w.IsFlagged {
			flagged = "yes"
			if w.AutoFlaggedReason != nil {
				flagged = w.AutoFlaggedReason.String()
			}
		}
		table.Append(
			truncate(w.Wallet, 20),
			strconv.FormatUint(uint64(w.RiskScore), 10),
			strconv.FormatUint(uint64(w.TotalDeposits), 10),
			r.tokens(w.AveragePositionSize),
			truncate(w.PrimaryFundingSource, 20),
			cluster,
			flagged,
			strconv.FormatBool(w.IsVerifiedHuman),
		)
	}
	table.Render()
}

// Clusters imprime los clusters detectados.
func (r *Report) Clusters(clusters []domain.SybilCluster) {
	if len(clusters) == 0 {
		fmt.Fprintln(r.out, "no clusters")
		return
	}
	table := tablewriter.NewWriter(r.out)
	table.Header("ID", "Members", "Confidence", "Risk", "Stake", "Funding", "Restricted")
	for _, c := range clusters {
		restricted := "-"
		if c.IsRestricted {
			restricted = truncate(c.RestrictionReason, 24)
		}
		table.Append(
			strconv.FormatUint(c.ID, 10),
			strconv.Itoa(len(c.Members)),
			strconv.FormatUint(uint64(c.ConfidenceScore), 10),
			c.RiskLevel.String(),
			r.tokens(c.TotalClusterStake),
			truncate(c.SharedFundingSource, 20),
			restricted,
		)
	}
	table.Render()
}
