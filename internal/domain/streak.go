package domain

import "fmt"

const (
	// ManualCooldownDuration is the window a user-initiated cooldown lasts.
	ManualCooldownDuration = 8 * 3600
	autoResetEpochs        = 2
)

// progressiveFeeTable maps consecutive wins to a fee in bps. Entries below
// the first threshold use the market's base fee.
var progressiveFeeTable = []struct {
	wins uint32
	bps  uint16
}{
	{7, 5000},
	{6, 4000},
	{5, 3000},
	{4, 2000},
	{3, 1000},
}

// ProgressiveFeeBps looks up the fee for a streak of consecutiveWins.
func ProgressiveFeeBps(consecutiveWins uint32, base uint16) uint16 {
	for _, row := range progressiveFeeTable {
		if consecutiveWins >= row.wins {
			return row.bps
		}
	}
	return base
}

// UserWinStreak is a user's cross-epoch streak and cooldown record.
type UserWinStreak struct {
	Wallet              string `json:"wallet"`
	ConsecutiveWins     uint32 `json:"consecutive_wins"`
	TotalWins           uint32 `json:"total_wins"`
	TotalLosses         uint32 `json:"total_losses"`
	LastWinEpoch        uint64 `json:"last_win_epoch"`
	LastActivityEpoch   uint64 `json:"last_activity_epoch"`
	CurrentFeeLevel     uint16 `json:"current_fee_level"`
	TotalFeesPaid       uint64 `json:"total_fees_paid"`
	ProgressiveFeesPaid uint64 `json:"progressive_fees_paid"`
	BypassFeesPaid      uint64 `json:"bypass_fees_paid"`

	CooldownActive         bool   `json:"cooldown_active"`
	CooldownStartTimestamp int64  `json:"cooldown_start_timestamp"`
	CooldownEndTimestamp   int64  `json:"cooldown_end_timestamp"`
	CooldownsTaken         uint32 `json:"cooldowns_taken"`
	CooldownSuggested      bool   `json:"cooldown_suggested"`
	AutoResetEligible      bool   `json:"auto_reset_eligible"`
}

// NewWinStreak returns an empty record for wallet.
func NewWinStreak(wallet string) UserWinStreak {
	return UserWinStreak{Wallet: wallet}
}

// FeeBps is the fee the user pays on their next winning share.
func (s UserWinStreak) FeeBps(cfg MarketConfig) uint16 {
	if !cfg.EnableProgressiveFees {
		return cfg.BaseTreasuryFeeBps
	}
	return min(ProgressiveFeeBps(s.ConsecutiveWins, cfg.BaseTreasuryFeeBps), cfg.MaxProgressiveFeeBps)
}

// RecordWin extends the streak with a win in epochID.
func (s *UserWinStreak) RecordWin(cfg MarketConfig, epochID uint64) {
	s.ConsecutiveWins++
	s.TotalWins++
	s.LastWinEpoch = epochID
	s.LastActivityEpoch = max(s.LastActivityEpoch, epochID)
	s.CurrentFeeLevel = s.FeeBps(cfg)
	s.CooldownSuggested = s.ConsecutiveWins >= cfg.CooldownSuggestionThreshold
	s.AutoResetEligible = false
}

// RecordLoss ends the streak.
func (s *UserWinStreak) RecordLoss(epochID uint64) {
	s.ConsecutiveWins = 0
	s.TotalLosses++
	s.CurrentFeeLevel = 0
	s.CooldownSuggested = false
	s.AutoResetEligible = false
	s.LastActivityEpoch = max(s.LastActivityEpoch, epochID)
}

// RecordFeePaid adds a claimed fee to the running totals.
func (s *UserWinStreak) RecordFeePaid(mode PayoutMode, fee uint64) {
	s.TotalFeesPaid = SatAdd(s.TotalFeesPaid, fee)
	if mode == PayoutProgressive {
		s.ProgressiveFeesPaid = SatAdd(s.ProgressiveFeesPaid, fee)
	}
}

// ApplyOutcome folds the result of pos in the resolved epoch e into the
// streak and marks pos as applied. Outcomes must be applied in epoch order.
// A win locks the fee tier held before it on pos. It reports whether the
// outcome was decisive.
func (s *UserWinStreak) ApplyOutcome(cfg MarketConfig, e Epoch, pos *UserPosition) bool {
	if pos.StreakApplied {
		return false
	}
	pos.StreakApplied = true
	outcome, ok := e.Outcome()
	if !ok {
		return false
	}
	side, decisive := outcome.WinningSide()
	switch {
	case !decisive:
		s.RecordActivity(e.ID)
	case pos.Side == side:
		pos.StreakFeeBps = s.FeeBps(cfg)
		s.RecordWin(cfg, e.ID)
	default:
		s.RecordLoss(e.ID)
	}
	return decisive
}

// RecordActivity notes participation in epochID.
func (s *UserWinStreak) RecordActivity(epochID uint64) {
	s.LastActivityEpoch = max(s.LastActivityEpoch, epochID)
}

func (s *UserWinStreak) resetStreak() {
	s.ConsecutiveWins = 0
	s.CurrentFeeLevel = 0
	s.CooldownSuggested = false
}

// StartCooldown opens a cooldown of duration seconds and resets the streak.
func (s *UserWinStreak) StartCooldown(now, duration int64) error {
	if s.IsCoolingDown(now) {
		return fmt.Errorf("%w: until %d", ErrCooldownActive, s.CooldownEndTimestamp)
	}
	s.CooldownActive = true
	s.CooldownStartTimestamp = now
	s.CooldownEndTimestamp = now + duration
	s.CooldownsTaken++
	s.resetStreak()
	return nil
}

// IsCoolingDown reports an active cooldown that has not yet expired.
func (s UserWinStreak) IsCoolingDown(now int64) bool {
	return s.CooldownActive && now < s.CooldownEndTimestamp
}

// CompleteCooldown closes an expired cooldown.
func (s *UserWinStreak) CompleteCooldown(now int64) error {
	if !s.CooldownActive {
		return fmt.Errorf("%w: no cooldown in progress", ErrCooldownNotComplete)
	}
	if now < s.CooldownEndTimestamp {
		return fmt.Errorf("%w: ends at %d", ErrCooldownNotComplete, s.CooldownEndTimestamp)
	}
	s.CooldownActive = false
	return nil
}

// CheckAutoReset resets the streak after autoResetEpochs of inactivity.
// It returns true when a non-zero streak was cleared.
func (s *UserWinStreak) CheckAutoReset(currentEpoch uint64) bool {
	if currentEpoch < s.LastActivityEpoch || currentEpoch-s.LastActivityEpoch < autoResetEpochs {
		return false
	}
	s.AutoResetEligible = true
	if s.ConsecutiveWins == 0 {
		return false
	}
	s.resetStreak()
	return true
}

// BypassFee is what a deposit of amount pays to ignore a suggested cooldown.
func BypassFee(cfg MarketConfig, amount uint64) uint64 {
	return ApplyBps(amount, cfg.CooldownBypassFeeBps)
}
