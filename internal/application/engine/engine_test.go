package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alejandrodnm/forecast/internal/adapters/storage"
	"github.com/alejandrodnm/forecast/internal/application/engine"
	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	market = "btc-8h"
	admin  = "admin"
	t0     = int64(1_700_000_000)
	hour   = int64(3600)
)

// --- Fakes ---

type clock struct{ now int64 }

func (c *clock) Now() int64      { return c.now }
func (c *clock) Set(t int64)     { c.now = t }
func (c *clock) Advance(d int64) { c.now += d }

type recorder struct {
	mu      sync.Mutex
	batches [][]domain.Event
	err     error
}

func (r *recorder) Publish(_ context.Context, _ string, events []domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return r.err
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventKind
	for _, b := range r.batches {
		for _, ev := range b {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (r *recorder) last() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[len(r.batches)-1]
}

// --- Harness ---

type harness struct {
	t     *testing.T
	ctx   context.Context
	db    *storage.SQLiteStorage
	eng   *engine.Engine
	clock *clock
	pub   *recorder
}

func u64(v uint64) *uint64 { return &v }
func u16(v uint16) *uint16 { return &v }

func newHarness(t *testing.T, mutate ...func(*domain.InitParams)) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{t: t, ctx: context.Background(), db: db, clock: &clock{now: t0}, pub: &recorder{}}
	h.eng = engine.New(db, market,
		engine.WithClock(h.clock.Now),
		engine.WithPublisher(h.pub),
		engine.WithRescoreWorkers(3),
	)

	p := domain.InitParams{
		FeeBps:               500,
		PriceBufferBps:       50,
		MinPositionSize:      u64(1),
		BalanceCheckMinTotal: u64(10_000),
	}
	for _, m := range mutate {
		m(&p)
	}
	_, err = h.eng.InitializeMarket(h.ctx, admin, p)
	require.NoError(t, err)
	return h
}

func (h *harness) fund(wallet string, amount uint64) {
	h.t.Helper()
	require.NoError(h.t, h.db.Credit(h.ctx, domain.UserAccount(wallet), amount))
}

func (h *harness) balance(acct domain.AccountID) uint64 {
	h.t.Helper()
	b, err := h.eng.Balance(h.ctx, acct)
	require.NoError(h.t, err)
	return b
}

func (h *harness) deposit(wallet string, side domain.Side, amount uint64, at int64) engine.DepositResult {
	h.t.Helper()
	h.clock.Set(at)
	res, err := h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: wallet, Side: side, Amount: amount})
	require.NoError(h.t, err)
	return res
}

// resolveWith submits one report per price and resolves epoch 1.
func (h *harness) resolveWith(epochID uint64, prices ...uint64) domain.Settlement {
	h.t.Helper()
	ep, err := h.eng.Epoch(h.ctx, epochID)
	require.NoError(h.t, err)
	h.clock.Set(ep.EndTimestamp)
	for i, p := range prices {
		require.NoError(h.t, h.eng.AddOraclePrice(h.ctx, admin, epochID, domain.OraclePrice{
			Price: p, Timestamp: ep.EndTimestamp, Source: fmt.Sprintf("oracle-%d", i), Confidence: 9900,
		}))
	}
	h.clock.Set(ep.ResolutionTimestamp)
	s, err := h.eng.Resolve(h.ctx, admin, epochID, nil)
	require.NoError(h.t, err)
	return s
}

// --- Market administration ---

func TestInitializeMarket_Defaults(t *testing.T) {
	h := newHarness(t)

	cfg, err := h.eng.Config(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, market, cfg.MarketID)
	assert.Equal(t, admin, cfg.Authority)
	assert.Equal(t, string(domain.DefaultTreasury(market)), cfg.Treasury)
	assert.Equal(t, string(domain.DefaultBondingVault(market)), cfg.BondingVault)
	assert.Equal(t, domain.PayoutFlat, cfg.PayoutMode)
	assert.True(t, cfg.IsActive)

	require.Len(t, h.pub.last(), 1)
	ev := h.pub.last()[0]
	assert.Equal(t, domain.EventMarketInitialized, ev.Kind)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, t0, ev.Timestamp)
}

func TestInitializeMarket_Twice(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.InitializeMarket(h.ctx, admin, domain.InitParams{FeeBps: 100})
	assert.ErrorIs(t, err, domain.ErrAlreadyInitialized)
}

func TestInitializeMarket_InvalidParams(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer db.Close()
	eng := engine.New(db, market)

	_, err = eng.InitializeMarket(context.Background(), admin, domain.InitParams{FeeBps: 1001})
	assert.ErrorIs(t, err, domain.ErrInvalidFee)

	_, err = eng.Config(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotInitialized, "nothing persisted")
}

func TestAdmin_RequiresAuthority(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.StartEpoch(h.ctx, "mallory", 1000)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.eng.UpdateFees(h.ctx, "mallory", domain.FeeUpdate{FeeBps: u16(0)})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.ErrorIs(t, h.eng.SetMarketActive(h.ctx, "", false), domain.ErrUnauthorized)
	_, err = h.eng.Resolve(h.ctx, "mallory", 1, u64(1))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestUpdateFees(t *testing.T) {
	h := newHarness(t)

	cfg, err := h.eng.UpdateFees(h.ctx, admin, domain.FeeUpdate{FeeBps: u16(200)})
	require.NoError(t, err)
	assert.Equal(t, uint16(200), cfg.FeeBps)

	_, err = h.eng.UpdateFees(h.ctx, admin, domain.FeeUpdate{FeeBps: u16(2000)})
	assert.ErrorIs(t, err, domain.ErrInvalidFee)

	cfg, err = h.eng.Config(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(200), cfg.FeeBps)
}

func TestSetMarketActive_PausesDeposits(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 100)
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)

	require.NoError(t, h.eng.SetMarketActive(h.ctx, admin, false))
	_, err = h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "alice", Side: domain.SideUp, Amount: 10})
	assert.ErrorIs(t, err, domain.ErrMarketInactive)

	require.NoError(t, h.eng.SetMarketActive(h.ctx, admin, true))
	h.deposit("alice", domain.SideUp, 10, t0+1)
}

// --- Epoch lifecycle ---

func TestStartEpoch(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.StartEpoch(h.ctx, admin, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	ep, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ep.ID)
	assert.Equal(t, t0+8*hour, ep.EndTimestamp)
	assert.Equal(t, t0+4*hour, ep.DepositCutoffTimestamp)

	h.clock.Advance(10)
	ep2, err := h.eng.StartEpoch(h.ctx, admin, 1001)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ep2.ID)

	cur, err := h.eng.CurrentEpoch(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.ID)

	list, err := h.eng.Epochs(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(2), list[0].ID)
}

func TestDeposit_NoEpoch(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 100)
	_, err := h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "alice", Side: domain.SideUp, Amount: 10})
	assert.ErrorIs(t, err, domain.ErrEpochNotActive)
}

// --- End to end ---

func TestEngine_FlatSettlementEndToEnd(t *testing.T) {
	h := newHarness(t)
	for _, w := range []string{"alice", "bob", "carol", "dave"} {
		h.fund(w, 1000)
	}
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)

	alice := h.deposit("alice", domain.SideUp, 100, t0+hour)
	assert.Equal(t, domain.TimingEarlyBird, alice.Receipt.Timing)
	h.deposit("dave", domain.SideDown, 300, t0+hour+1800)
	h.deposit("bob", domain.SideUp, 100, t0+2*hour+1800)
	carol := h.deposit("carol", domain.SideUp, 100, t0+3*hour+1800)
	assert.Equal(t, domain.TimingLate, carol.Receipt.Timing)

	custody := h.eng.Custody()
	assert.Equal(t, uint64(600), h.balance(custody))
	assert.Equal(t, uint64(900), h.balance(domain.UserAccount("alice")))

	s := h.resolveWith(1, 1100, 1100)
	assert.Equal(t, domain.OutcomeUp, s.Outcome)
	assert.Equal(t, uint64(24), s.Burn)
	assert.Equal(t, uint64(263), s.PrizePool)
	assert.Equal(t, uint64(563), h.balance(custody))
	assert.Equal(t, uint64(10), h.balance(domain.DefaultTreasury(market)))
	assert.Equal(t, uint64(3), h.balance(domain.DefaultBondingVault(market)))

	want := map[string]uint64{"alice": 188, "bob": 187, "carol": 184, "dave": 0}
	for _, w := range []string{"alice", "bob", "carol", "dave"} {
		b, err := h.eng.Claim(h.ctx, w, 1)
		require.NoError(t, err, w)
		assert.Equal(t, want[w], b.Total, w)
	}

	assert.Equal(t, uint64(1088), h.balance(domain.UserAccount("alice")))
	assert.Equal(t, uint64(1087), h.balance(domain.UserAccount("bob")))
	assert.Equal(t, uint64(1084), h.balance(domain.UserAccount("carol")))
	assert.Equal(t, uint64(700), h.balance(domain.UserAccount("dave")))
	assert.Equal(t, uint64(13), h.balance(domain.DefaultTreasury(market)), "fee share plus carol's penalty")
	assert.Equal(t, uint64(2), h.balance(custody), "rounding remainder stays in custody")

	ep, err := h.eng.Epoch(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(261), ep.Settlement.Distributed)
	assert.Equal(t, uint64(2), ep.Settlement.Remainder())
	assert.Equal(t, uint32(4), ep.Settlement.Claims)

	streak, err := h.eng.Streak(h.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), streak.ConsecutiveWins)
	streak, err = h.eng.Streak(h.ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), streak.TotalLosses)

	claimed, err := h.eng.Events(h.ctx, ports.EventFilter{Kind: domain.EventRewardsClaimed})
	require.NoError(t, err)
	assert.Len(t, claimed, 4)
	assert.Contains(t, h.pub.kinds(), domain.EventTreasuryFee)
	assert.Contains(t, h.pub.kinds(), domain.EventBondingFee)
}

func TestClaim_DoubleClaimRejected(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 100)
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	h.deposit("alice", domain.SideUp, 100, t0+90*60)
	h.resolveWith(1, 1000, 1000)

	b, err := h.eng.Claim(h.ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNeutral, b.Outcome)
	assert.Equal(t, uint64(100), b.Total, "neutral refunds the stake without bonus")
	before := h.balance(domain.UserAccount("alice"))

	_, err = h.eng.Claim(h.ctx, "alice", 1)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.Equal(t, before, h.balance(domain.UserAccount("alice")))

	_, err = h.eng.Claim(h.ctx, "nobody", 1)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestClaim_CommitmentPeriod(t *testing.T) {
	h := newHarness(t, func(p *domain.InitParams) {
		p.RequireMultipleOracles = boolp(false)
		p.CommitmentPeriodHours = i64(6)
	})
	h.fund("alice", 100)
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	h.deposit("alice", domain.SideUp, 100, t0+3*hour)

	ep, err := h.eng.Epoch(h.ctx, 1)
	require.NoError(t, err)
	h.clock.Set(ep.ResolutionTimestamp)
	_, err = h.eng.Resolve(h.ctx, admin, 1, nil)
	assert.ErrorIs(t, err, domain.ErrMissingClosePrice)
	_, err = h.eng.Resolve(h.ctx, admin, 1, u64(1200))
	require.NoError(t, err)

	h.clock.Set(t0 + 9*hour - 1)
	_, err = h.eng.Claim(h.ctx, "alice", 1)
	assert.ErrorIs(t, err, domain.ErrCommitmentPeriodActive)

	h.clock.Set(t0 + 9*hour)
	_, err = h.eng.Claim(h.ctx, "alice", 1)
	require.NoError(t, err)
}

func TestEngine_ProgressiveFeeAtClaim(t *testing.T) {
	h := newHarness(t, func(p *domain.InitParams) { p.PayoutMode = domain.PayoutProgressive })
	h.fund("alice", 1000)
	h.fund("bob", 1000)
	require.NoError(t, h.db.Tx(h.ctx, func(tx ports.Tx) error {
		s := domain.NewWinStreak("bob")
		s.ConsecutiveWins = 3
		s.LastActivityEpoch = 1
		return tx.SaveStreak(h.ctx, market, s)
	}))
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)

	h.deposit("alice", domain.SideUp, 1000, t0+2*hour+60)
	h.deposit("bob", domain.SideDown, 1000, t0+2*hour+60)
	s := h.resolveWith(1, 900, 900)
	assert.Equal(t, uint64(80), s.Burn)
	assert.Zero(t, s.Fee)
	assert.Zero(t, h.balance(domain.DefaultTreasury(market)))

	b, err := h.eng.Claim(h.ctx, "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(92), b.Fee)
	assert.Equal(t, uint64(1828), b.Total)
	assert.Equal(t, uint64(1828), h.balance(domain.UserAccount("bob")))
	assert.Equal(t, uint64(73), h.balance(domain.DefaultTreasury(market)))
	assert.Equal(t, uint64(19), h.balance(domain.DefaultBondingVault(market)))
	assert.Zero(t, h.balance(h.eng.Custody()))
	assert.Contains(t, h.pub.kinds(), domain.EventProgressiveFeeApplied)

	streak, err := h.eng.Streak(h.ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), streak.ConsecutiveWins)
	assert.Equal(t, uint64(92), streak.ProgressiveFeesPaid)
	assert.True(t, streak.CooldownSuggested)
}

// --- Streak ordering ---

func progressive(p *domain.InitParams) { p.PayoutMode = domain.PayoutProgressive }

func seedWins(t *testing.T, h *harness, wallet string, wins uint32) {
	t.Helper()
	require.NoError(t, h.db.Tx(h.ctx, func(tx ports.Tx) error {
		s := domain.NewWinStreak(wallet)
		s.ConsecutiveWins = wins
		s.LastActivityEpoch = 1
		return tx.SaveStreak(h.ctx, market, s)
	}))
}

// round starts an epoch now, stakes 1000 for bob on side and 1000 for alice
// on the other side, and resolves it at closePrice.
func (h *harness) round(side domain.Side, closePrice uint64) uint64 {
	h.t.Helper()
	start := h.clock.Now()
	ep, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(h.t, err)
	h.deposit("alice", side.Opposite(), 1000, start+2*hour+60)
	h.deposit("bob", side, 1000, start+2*hour+60)
	h.resolveWith(ep.ID, closePrice, closePrice)
	return ep.ID
}

func TestClaim_UnclaimedLossResetsTier(t *testing.T) {
	h := newHarness(t, progressive)
	h.fund("alice", 2000)
	h.fund("bob", 2000)
	seedWins(t, h, "bob", 3)

	lost := h.round(domain.SideUp, 900)
	won := h.round(domain.SideDown, 900)

	streak, err := h.eng.Streak(h.ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, streak.ConsecutiveWins, "the next deposit counts the unclaimed loss")
	assert.Equal(t, uint32(1), streak.TotalLosses)

	b, err := h.eng.Claim(h.ctx, "bob", won)
	require.NoError(t, err)
	assert.Equal(t, uint16(500), b.FeeBps)
	assert.Equal(t, uint64(46), b.Fee)
	assert.Equal(t, uint64(1874), b.Total)

	streak, err = h.eng.Streak(h.ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), streak.ConsecutiveWins)
	assert.Equal(t, uint32(1), streak.TotalWins)
	assert.Equal(t, uint64(46), streak.ProgressiveFeesPaid)

	b, err = h.eng.Claim(h.ctx, "bob", lost)
	require.NoError(t, err)
	assert.Zero(t, b.Total)
	streak, err = h.eng.Streak(h.ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), streak.ConsecutiveWins, "claiming the old loss does not reset again")
	assert.Equal(t, uint32(1), streak.TotalLosses)
}

func TestClaim_LossBetweenWinsResetsTier(t *testing.T) {
	h := newHarness(t, progressive)
	h.fund("alice", 3000)
	h.fund("bob", 3000)
	seedWins(t, h, "bob", 3)

	first := h.round(domain.SideDown, 900)
	b, err := h.eng.Claim(h.ctx, "bob", first)
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), b.FeeBps)

	h.round(domain.SideUp, 900)
	last := h.round(domain.SideDown, 900)

	b, err = h.eng.Claim(h.ctx, "bob", last)
	require.NoError(t, err)
	assert.Equal(t, uint16(500), b.FeeBps, "the loss sent bob back to the base tier")

	streak, err := h.eng.Streak(h.ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), streak.ConsecutiveWins)
	assert.Equal(t, uint32(2), streak.TotalWins)
	assert.Equal(t, uint32(1), streak.TotalLosses)
	assert.False(t, streak.CooldownSuggested)
}

func TestClaim_OrderDoesNotMoveFees(t *testing.T) {
	h := newHarness(t, progressive)
	h.fund("alice", 3000)
	h.fund("bob", 2000)
	seedWins(t, h, "bob", 3)

	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	h.deposit("alice", domain.SideUp, 1000, t0+2*hour+60)
	h.deposit("bob", domain.SideDown, 1000, t0+2*hour+60)

	h.clock.Set(t0 + 2*hour + 120)
	_, err = h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	h.deposit("alice", domain.SideUp, 2000, t0+4*hour+180)
	h.deposit("bob", domain.SideDown, 1000, t0+4*hour+180)

	h.resolveWith(2, 900, 900)
	_, err = h.eng.Claim(h.ctx, "bob", 2)
	assert.ErrorIs(t, err, domain.ErrEpochNotResolved, "epoch 1 settles first")
	assert.Zero(t, h.balance(domain.DefaultTreasury(market)))

	h.resolveWith(1, 900, 900)

	// The larger pot of epoch 2 keeps the higher tier even when claimed first.
	b, err := h.eng.Claim(h.ctx, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(2000), b.FeeBps)
	assert.Equal(t, uint64(368), b.Fee)
	assert.Equal(t, uint64(2472), b.Total)

	b, err = h.eng.Claim(h.ctx, "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), b.FeeBps)
	assert.Equal(t, uint64(92), b.Fee)

	streak, err := h.eng.Streak(h.ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), streak.ConsecutiveWins)
	assert.Equal(t, uint64(460), streak.ProgressiveFeesPaid)
}

// --- Atomicity ---

func TestDeposit_InsufficientFundsRollsBack(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 50)
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	published := len(h.pub.kinds())

	h.clock.Set(t0 + 60)
	_, err = h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "alice", Side: domain.SideUp, Amount: 100})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	ep, err := h.eng.Epoch(h.ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, ep.TotalAmount)
	_, err = h.eng.Position(h.ctx, 1, "alice")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	deposits, err := h.eng.Events(h.ctx, ports.EventFilter{Kind: domain.EventForecastDeposit})
	require.NoError(t, err)
	assert.Empty(t, deposits)
	assert.Len(t, h.pub.kinds(), published, "nothing published for a rolled back operation")
}

func TestPublisherFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errors.New("broker down")

	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	events, err := h.eng.Events(h.ctx, ports.EventFilter{Kind: domain.EventEpochStarted})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// --- Oracle and resolution ---

func TestResolve_Gates(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	ep, err := h.eng.Epoch(h.ctx, 1)
	require.NoError(t, err)

	_, err = h.eng.Resolve(h.ctx, admin, 1, nil)
	assert.ErrorIs(t, err, domain.ErrEpochNotEnded)

	h.clock.Set(ep.EndTimestamp)
	err = h.eng.AddOraclePrice(h.ctx, admin, 1, domain.OraclePrice{Price: 1000, Timestamp: ep.EndTimestamp - 1, Source: "a"})
	assert.ErrorIs(t, err, domain.ErrOraclePriceStale)
	require.NoError(t, h.eng.AddOraclePrice(h.ctx, admin, 1, domain.OraclePrice{Price: 1000, Timestamp: ep.EndTimestamp, Source: "a"}))
	err = h.eng.AddOraclePrice(h.ctx, admin, 1, domain.OraclePrice{Price: 1001, Timestamp: ep.EndTimestamp, Source: "a"})
	assert.ErrorIs(t, err, domain.ErrDuplicateOracleSource)

	_, err = h.eng.Resolve(h.ctx, admin, 1, nil)
	assert.ErrorIs(t, err, domain.ErrResolutionDelayActive)

	h.clock.Set(ep.ResolutionTimestamp)
	_, err = h.eng.Resolve(h.ctx, admin, 1, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientOracleSources)
	assert.True(t, domain.IsRetryable(err))

	require.NoError(t, h.eng.AddOraclePrice(h.ctx, admin, 1, domain.OraclePrice{Price: 1010, Timestamp: ep.EndTimestamp, Source: "b"}))
	s, err := h.eng.Resolve(h.ctx, admin, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNeutral, s.Outcome)

	_, err = h.eng.Resolve(h.ctx, admin, 1, nil)
	assert.ErrorIs(t, err, domain.ErrEpochAlreadyResolved)
}

func TestCircuitBreaker(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 100)
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)

	require.NoError(t, h.eng.TriggerCircuitBreaker(h.ctx, admin, 1, "oracle outage"))
	h.clock.Set(t0 + 60)
	_, err = h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "alice", Side: domain.SideUp, Amount: 10})
	assert.ErrorIs(t, err, domain.ErrCircuitBreakerTriggered)

	require.NoError(t, h.eng.ClearCircuitBreaker(h.ctx, admin, 1))
	h.deposit("alice", domain.SideUp, 10, t0+61)
	assert.Contains(t, h.pub.kinds(), domain.EventCircuitBreakerCleared)
}

// --- Cooldowns ---

func TestDeposit_CooldownGate(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 100)

	h.clock.Set(t0 - 6*hour)
	_, err := h.eng.StartCooldown(h.ctx, "alice")
	require.NoError(t, err)
	_, err = h.eng.StartCooldown(h.ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrCooldownActive)

	h.clock.Set(t0)
	_, err = h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	h.clock.Set(t0 + 60)
	_, err = h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "alice", Side: domain.SideUp, Amount: 10})
	assert.ErrorIs(t, err, domain.ErrCooldownActive)

	_, err = h.eng.CompleteCooldown(h.ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrCooldownNotComplete)

	h.deposit("alice", domain.SideUp, 10, t0+2*hour)
	kinds := h.pub.kinds()
	assert.Contains(t, kinds, domain.EventCooldownCompleted, "expired cooldown completes at the next deposit")

	streak, err := h.eng.Streak(h.ctx, "alice")
	require.NoError(t, err)
	assert.False(t, streak.CooldownActive)
	assert.Equal(t, uint32(1), streak.CooldownsTaken)
}

func suggestCooldown(t *testing.T, h *harness, wallet string) {
	t.Helper()
	require.NoError(t, h.db.Tx(h.ctx, func(tx ports.Tx) error {
		s := domain.NewWinStreak(wallet)
		s.ConsecutiveWins = 2
		s.CooldownSuggested = true
		s.LastActivityEpoch = 1
		return tx.SaveStreak(h.ctx, market, s)
	}))
}

func TestDeposit_BypassFee(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 1050)
	suggestCooldown(t, h, "alice")
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)

	h.clock.Set(t0 + 60)
	res, err := h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "alice", Side: domain.SideUp, Amount: 1000, BypassCooldown: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(50), res.BypassFee)
	assert.Equal(t, uint64(50), res.Position.BypassCooldownFeePaid)
	assert.Zero(t, h.balance(domain.UserAccount("alice")))
	assert.Equal(t, uint64(50), h.balance(domain.DefaultTreasury(market)))
	assert.Contains(t, h.pub.kinds(), domain.EventCooldownBypassFeePaid)
}

func TestDeposit_BypassBlockedForHighRisk(t *testing.T) {
	h := newHarness(t)
	h.fund("bot", 1000)
	require.NoError(t, h.eng.InitializeSybilDetection(h.ctx, admin, domain.DefaultSybilConfig()))
	suggestCooldown(t, h, "bot")
	require.NoError(t, h.db.Tx(h.ctx, func(tx ports.Tx) error {
		w := domain.NewWalletAnalysis("bot", t0)
		w.RiskScore = 9000
		return tx.SaveWallet(h.ctx, market, w)
	}))
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)

	h.clock.Set(t0 + 60)
	_, err = h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "bot", Side: domain.SideUp, Amount: 100, BypassCooldown: true})
	assert.ErrorIs(t, err, domain.ErrCooldownBypassBlocked)

	blocked, err := h.eng.Events(h.ctx, ports.EventFilter{Kind: domain.EventCooldownBypassBlocked})
	require.NoError(t, err)
	require.Len(t, blocked, 1, "rejection is kept as an audit event")
	assert.Equal(t, "high risk score", blocked[0].Attrs["reason"])

	assert.Equal(t, uint64(1000), h.balance(domain.UserAccount("bot")))
	_, err = h.eng.Position(h.ctx, 1, "bot")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	w, _, err := h.eng.Wallet(h.ctx, "bot")
	require.NoError(t, err)
	assert.Zero(t, w.TotalDeposits)
}

func TestDeposit_SuggestedCooldownGatesRiskyWalletWithoutBypass(t *testing.T) {
	h := newHarness(t)
	h.fund("bot", 1000)
	require.NoError(t, h.eng.InitializeSybilDetection(h.ctx, admin, domain.DefaultSybilConfig()))
	suggestCooldown(t, h, "bot")
	require.NoError(t, h.db.Tx(h.ctx, func(tx ports.Tx) error {
		w := domain.NewWalletAnalysis("bot", t0)
		w.RiskScore = 9000
		return tx.SaveWallet(h.ctx, market, w)
	}))
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)

	h.clock.Set(t0 + 60)
	_, err = h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "bot", Side: domain.SideUp, Amount: 100})
	assert.ErrorIs(t, err, domain.ErrCooldownBypassBlocked)
	assert.Equal(t, uint64(1000), h.balance(domain.UserAccount("bot")))
}

func TestDeposit_AutoReset(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 100)
	require.NoError(t, h.db.Tx(h.ctx, func(tx ports.Tx) error {
		s := domain.NewWinStreak("alice")
		s.ConsecutiveWins = 3
		s.LastActivityEpoch = 1
		return tx.SaveStreak(h.ctx, market, s)
	}))
	for i := 0; i < 3; i++ {
		h.clock.Set(t0 + int64(i))
		_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
		require.NoError(t, err)
	}

	h.deposit("alice", domain.SideUp, 10, t0+60)
	streak, err := h.eng.Streak(h.ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, streak.ConsecutiveWins)
	assert.Equal(t, uint64(3), streak.LastActivityEpoch)
	assert.Contains(t, h.pub.kinds(), domain.EventAutoResetTriggered)
}

// --- Sybil ---

func TestSybil_DisabledByDefault(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.RecordFunding(h.ctx, admin, "a", "faucet", 10)
	assert.ErrorIs(t, err, domain.ErrSybilDetectionDisabled)
	_, err = h.eng.DetectClusters(h.ctx, admin)
	assert.ErrorIs(t, err, domain.ErrSybilDetectionDisabled)
}

func TestSybil_ClusterGatesDeposits(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.InitializeSybilDetection(h.ctx, admin, domain.DefaultSybilConfig()))
	for _, w := range []string{"a", "b", "c"} {
		h.fund(w, 1000)
		_, err := h.eng.RecordFunding(h.ctx, admin, w, "faucet", 1000)
		require.NoError(t, err)
	}
	_, err := h.eng.RecordFunding(h.ctx, admin, "loner", "cex", 500)
	require.NoError(t, err)

	clusters, err := h.eng.DetectClusters(h.ctx, admin)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, uint64(1), c.ID)
	assert.Equal(t, []string{"a", "b", "c"}, c.Members)
	assert.Equal(t, "faucet", c.SharedFundingSource)
	assert.False(t, c.IsRestricted, "low risk clusters are not auto restricted")

	w, found, err := h.eng.Wallet(h.ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, w.ClusterID)
	assert.Equal(t, uint64(1), *w.ClusterID)

	again, err := h.eng.DetectClusters(h.ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, again, "clustered wallets are skipped")

	_, err = h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)
	res := h.deposit("a", domain.SideUp, 100, t0+60)
	assert.Equal(t, uint64(domain.DefaultMaxPositionSize/2), res.MaxPosition)

	require.NoError(t, h.eng.RestrictCluster(h.ctx, admin, 1, "shared faucet"))
	h.clock.Set(t0 + 61)
	_, err = h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "b", Side: domain.SideUp, Amount: 100})
	assert.ErrorIs(t, err, domain.ErrWalletRestricted)

	require.NoError(t, h.eng.LiftClusterRestriction(h.ctx, admin, 1))
	h.deposit("b", domain.SideUp, 100, t0+62)

	started, err := h.eng.StartClusterCooldown(h.ctx, admin, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, started)
	streak, err := h.eng.Streak(h.ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, t0+62+2*domain.ManualCooldownDuration, streak.CooldownEndTimestamp)

	_, err = h.eng.StartClusterCooldown(h.ctx, admin, 99)
	assert.ErrorIs(t, err, domain.ErrClusterNotFound)
}

func TestSybil_FlagAndVerify(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.InitializeSybilDetection(h.ctx, admin, domain.DefaultSybilConfig()))
	h.fund("eve", 100)
	_, err := h.eng.StartEpoch(h.ctx, admin, 1000)
	require.NoError(t, err)

	require.NoError(t, h.eng.FlagWallet(h.ctx, admin, "eve", domain.FlagManual, true))
	require.NoError(t, h.db.Tx(h.ctx, func(tx ports.Tx) error {
		w, _, err := tx.LoadWallet(h.ctx, market, "eve")
		if err != nil {
			return err
		}
		w.RiskScore = domain.HighRiskThreshold
		return tx.SaveWallet(h.ctx, market, w)
	}))
	h.clock.Set(t0 + 60)
	_, err = h.eng.Deposit(h.ctx, engine.DepositRequest{Wallet: "eve", Side: domain.SideUp, Amount: 10})
	assert.ErrorIs(t, err, domain.ErrWalletRestricted)

	require.NoError(t, h.eng.VerifyWallet(h.ctx, admin, "eve"))
	h.deposit("eve", domain.SideUp, 10, t0+61)
	w, _, err := h.eng.Wallet(h.ctx, "eve")
	require.NoError(t, err)
	assert.True(t, w.IsVerifiedHuman)
	assert.Zero(t, w.RiskScore)
}

func TestSybil_FundingBurstFlagsSource(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.InitializeSybilDetection(h.ctx, admin, domain.DefaultSybilConfig()))
	for i := 0; i < domain.BurstDistributionThreshold; i++ {
		h.clock.Set(t0 + int64(i))
		_, err := h.eng.RecordFunding(h.ctx, admin, fmt.Sprintf("w%d", i), "faucet", 10)
		require.NoError(t, err)
	}
	flagged, err := h.eng.Events(h.ctx, ports.EventFilter{Kind: domain.EventFundingSourceFlagged})
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "faucet", flagged[0].Attrs["source"])
}

func TestRescoreWallets(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.InitializeSybilDetection(h.ctx, admin, domain.DefaultSybilConfig()))

	peers := make([]string, domain.MaxConnectedWallets)
	for i := range peers {
		peers[i] = fmt.Sprintf("peer-%d", i)
	}
	require.NoError(t, h.db.Tx(h.ctx, func(tx ports.Tx) error {
		for i := 0; i < 8; i++ {
			w := domain.NewWalletAnalysis(fmt.Sprintf("w%d", i), t0)
			w.RecordFunding("faucet", 100)
			if i == 5 {
				for j := 0; j < 3; j++ {
					w.RecordDeposit(100, t0+int64(j))
				}
				w.ApplySignals(domain.WalletSignals{TimingPredictability: u16(10_000), CooldownAvoidance: u16(10_000), ConnectedWallets: peers})
			}
			if err := tx.SaveWallet(h.ctx, market, w); err != nil {
				return err
			}
		}
		return nil
	}))

	sum, err := h.eng.RescoreWallets(h.ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Wallets)
	assert.Equal(t, 8, sum.Changed)
	assert.Equal(t, []string{"w5"}, sum.Flagged)

	w, _, err := h.eng.Wallet(h.ctx, "w5")
	require.NoError(t, err)
	assert.True(t, w.IsFlagged)
	assert.Equal(t, uint16(domain.BpsDenominator), w.RiskScore)
}

func boolp(v bool) *bool  { return &v }
func i64(v int64) *int64 { return &v }
