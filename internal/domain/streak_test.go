package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressiveFeeBps_Table(t *testing.T) {
	const base = 500
	want := []uint16{base, base, base, 1000, 2000, 3000, 4000, 5000, 5000}
	for wins, bps := range want {
		assert.Equal(t, bps, ProgressiveFeeBps(uint32(wins), base), "wins=%d", wins)
	}
}

func TestWinStreak_FeeBps(t *testing.T) {
	cfg := testMarket(t)
	s := NewWinStreak("a")
	s.ConsecutiveWins = 5
	assert.Equal(t, uint16(3000), s.FeeBps(cfg))

	cfg.MaxProgressiveFeeBps = 2500
	assert.Equal(t, uint16(2500), s.FeeBps(cfg))

	cfg.EnableProgressiveFees = false
	assert.Equal(t, cfg.BaseTreasuryFeeBps, s.FeeBps(cfg))
}

func TestWinStreak_WinsAndLosses(t *testing.T) {
	cfg := testMarket(t)
	s := NewWinStreak("a")

	s.RecordWin(cfg, 1)
	assert.False(t, s.CooldownSuggested)
	s.RecordWin(cfg, 2)
	assert.True(t, s.CooldownSuggested)
	assert.Equal(t, uint32(2), s.ConsecutiveWins)
	assert.Equal(t, uint64(2), s.LastWinEpoch)

	s.AutoResetEligible = true
	s.RecordLoss(3)
	assert.Zero(t, s.ConsecutiveWins)
	assert.False(t, s.CooldownSuggested)
	assert.False(t, s.AutoResetEligible)
	assert.Equal(t, uint32(2), s.TotalWins)
	assert.Equal(t, uint32(1), s.TotalLosses)
	assert.Equal(t, uint64(3), s.LastActivityEpoch)
}

func TestWinStreak_RecordFeePaid(t *testing.T) {
	s := NewWinStreak("a")
	s.RecordFeePaid(PayoutFlat, 10)
	s.RecordFeePaid(PayoutProgressive, 30)
	assert.Equal(t, uint64(40), s.TotalFeesPaid)
	assert.Equal(t, uint64(30), s.ProgressiveFeesPaid)
}

func TestWinStreak_ApplyOutcome(t *testing.T) {
	cfg := testMarket(t, func(p *InitParams) { p.PayoutMode = PayoutProgressive })
	resolved := func(id, closePrice uint64) Epoch {
		e := NewEpoch(id, cfg, 1000, t0)
		_, err := e.Resolve(cfg, closePrice, e.ResolutionTimestamp)
		require.NoError(t, err)
		return e
	}

	s := NewWinStreak("a")
	s.ConsecutiveWins = 3

	win := UserPosition{Wallet: "a", EpochID: 1, Side: SideUp, Amount: 10}
	require.True(t, s.ApplyOutcome(cfg, resolved(1, 1100), &win))
	assert.True(t, win.StreakApplied)
	assert.Equal(t, uint16(1000), win.StreakFeeBps, "the tier held before the win")
	assert.Equal(t, uint32(4), s.ConsecutiveWins)

	assert.False(t, s.ApplyOutcome(cfg, resolved(1, 1100), &win), "applied once")
	assert.Equal(t, uint32(4), s.ConsecutiveWins)

	flat := UserPosition{Wallet: "a", EpochID: 2, Side: SideUp, Amount: 10}
	assert.False(t, s.ApplyOutcome(cfg, resolved(2, 1000), &flat))
	assert.True(t, flat.StreakApplied)
	assert.Equal(t, uint32(4), s.ConsecutiveWins)
	assert.Equal(t, uint64(2), s.LastActivityEpoch)

	loss := UserPosition{Wallet: "a", EpochID: 3, Side: SideUp, Amount: 10}
	require.True(t, s.ApplyOutcome(cfg, resolved(3, 900), &loss))
	assert.Zero(t, loss.StreakFeeBps)
	assert.Zero(t, s.ConsecutiveWins)
	assert.Equal(t, uint32(1), s.TotalLosses)

	next := UserPosition{Wallet: "a", EpochID: 4, Side: SideDown, Amount: 10}
	require.True(t, s.ApplyOutcome(cfg, resolved(4, 900), &next))
	assert.Equal(t, cfg.BaseTreasuryFeeBps, next.StreakFeeBps)
}

// --- Cooldown ---

func TestWinStreak_CooldownLifecycle(t *testing.T) {
	s := NewWinStreak("a")
	s.ConsecutiveWins = 4
	s.CooldownSuggested = true

	require.NoError(t, s.StartCooldown(t0, ManualCooldownDuration))
	assert.True(t, s.IsCoolingDown(t0+1))
	assert.Zero(t, s.ConsecutiveWins)
	assert.False(t, s.CooldownSuggested)
	assert.Equal(t, uint32(1), s.CooldownsTaken)

	assert.ErrorIs(t, s.StartCooldown(t0+10, ManualCooldownDuration), ErrCooldownActive)
	assert.ErrorIs(t, s.CompleteCooldown(t0+ManualCooldownDuration-1), ErrCooldownNotComplete)

	require.NoError(t, s.CompleteCooldown(t0+ManualCooldownDuration))
	assert.False(t, s.CooldownActive)
	assert.ErrorIs(t, s.CompleteCooldown(t0+ManualCooldownDuration), ErrCooldownNotComplete)
}

func TestWinStreak_ExpiredCooldownCanRestart(t *testing.T) {
	s := NewWinStreak("a")
	require.NoError(t, s.StartCooldown(t0, 60))
	assert.False(t, s.IsCoolingDown(t0+60))
	assert.NoError(t, s.StartCooldown(t0+60, 60))
	assert.Equal(t, uint32(2), s.CooldownsTaken)
}

func TestWinStreak_AutoReset(t *testing.T) {
	s := NewWinStreak("a")
	s.ConsecutiveWins = 3
	s.LastActivityEpoch = 3

	assert.False(t, s.CheckAutoReset(4))
	assert.Equal(t, uint32(3), s.ConsecutiveWins)

	assert.True(t, s.CheckAutoReset(5))
	assert.Zero(t, s.ConsecutiveWins)
	assert.True(t, s.AutoResetEligible)

	assert.False(t, s.CheckAutoReset(9), "nothing left to reset")
}

func TestBypassFee(t *testing.T) {
	cfg := testMarket(t)
	assert.Equal(t, uint64(50), BypassFee(cfg, 1000))
}
