package domain

// Settlement is the epoch-level split of the losing vault. For a non-neutral
// epoch Burn + Fee + Distributed + Remainder() == LosingTotal at all times.
type Settlement struct {
	Outcome       Outcome    `json:"outcome"`
	Mode          PayoutMode `json:"mode"`
	WinningTotal  uint64     `json:"winning_total"`
	LosingTotal   uint64     `json:"losing_total"`
	Burn          uint64     `json:"burn"`
	Fee           uint64     `json:"fee"`
	TreasuryShare uint64     `json:"treasury_share"`
	BondingShare  uint64     `json:"bonding_share"`
	PrizePool     uint64     `json:"prize_pool"`

	// Claim bookkeeping
	Distributed     uint64 `json:"distributed"`      // gross winner shares paid out of the prize pool
	ProgressiveFees uint64 `json:"progressive_fees"` // part of Distributed kept as fees
	Claims          uint32 `json:"claims"`
}

// Remainder is the part of the prize pool not yet claimed, including
// rounding dust.
func (s Settlement) Remainder() uint64 {
	return SatSub(s.PrizePool, s.Distributed)
}

// FeeSplit divides a fee between the treasury (80%) and the bonding vault.
func FeeSplit(fee uint64) (treasury, bonding uint64) {
	treasury = MulDiv(fee, treasurySharePct, 100)
	return treasury, fee - treasury
}

// ComputeSettlement applies the burn and, in flat mode, the protocol fee to
// the whole losing vault. Neutral outcomes settle nothing.
func ComputeSettlement(cfg MarketConfig, e Epoch, outcome Outcome) Settlement {
	s := Settlement{Outcome: outcome, Mode: cfg.PayoutMode}
	side, ok := outcome.WinningSide()
	if !ok {
		return s
	}
	s.WinningTotal = e.VaultTotal(side)
	s.LosingTotal = e.VaultTotal(side.Opposite())
	if s.LosingTotal == 0 {
		return s
	}

	s.Burn = MulDiv(s.LosingTotal, burnBps, BpsDenominator)
	afterBurn := s.LosingTotal - s.Burn
	if cfg.PayoutMode == PayoutFlat {
		s.Fee = ApplyBps(afterBurn, cfg.FeeBps)
		s.TreasuryShare, s.BondingShare = FeeSplit(s.Fee)
	}
	s.PrizePool = afterBurn - s.Fee
	return s
}

// ClaimBreakdown is the payout of one position.
type ClaimBreakdown struct {
	Outcome Outcome
	Won     bool

	Stake      uint64
	GrossShare uint64 // pool * amount / winning_total
	FeeBps     uint16 // per-user fee in progressive mode
	Fee        uint64
	Winnings   uint64 // GrossShare - Fee

	Bonus   uint64 // minted on top
	Penalty uint64 // withheld, sent to treasury

	// FromCustody is what custody pays the user; Total adds the minted bonus.
	FromCustody uint64
	Total       uint64
}

// ComputeClaim returns what pos receives from a resolved epoch. In
// progressive mode the fee is the tier ApplyOutcome locked on pos.
func ComputeClaim(e Epoch, pos UserPosition) ClaimBreakdown {
	outcome, ok := e.Outcome()
	if !ok {
		return ClaimBreakdown{}
	}
	b := ClaimBreakdown{Outcome: outcome}

	side, decisive := outcome.WinningSide()
	if !decisive {
		b.Stake = pos.Amount
		b.FromCustody = pos.Amount
		b.Total = pos.Amount
		return b
	}
	if pos.Side != side {
		return b
	}

	b.Won = true
	b.Stake = pos.Amount
	s := e.Settlement
	b.GrossShare = MulDiv(s.PrizePool, pos.Amount, s.WinningTotal)
	if s.Mode == PayoutProgressive {
		b.FeeBps = pos.StreakFeeBps
		b.Fee = ApplyBps(b.GrossShare, b.FeeBps)
	}
	b.Winnings = b.GrossShare - b.Fee

	base := SatAdd(b.Stake, b.Winnings)
	b.Bonus = pos.TemporalBonus
	b.Penalty = min(pos.TemporalPenalty, base)
	b.FromCustody = base - b.Penalty
	b.Total = SatAdd(b.FromCustody, b.Bonus)
	return b
}

// RecordClaim adds a claim to the settlement bookkeeping.
func (s *Settlement) RecordClaim(b ClaimBreakdown) {
	s.Claims++
	s.Distributed += b.GrossShare
	s.ProgressiveFees += b.Fee
}

// CheckClaim reports why pos cannot be claimed at now, if so.
func CheckClaim(cfg MarketConfig, e Epoch, pos UserPosition, now int64) error {
	switch {
	case !e.IsResolved:
		return ErrEpochNotResolved
	case pos.IsEmpty():
		return ErrPositionNotFound
	case pos.HasClaimed:
		return ErrAlreadyClaimed
	case cfg.CommitmentPeriodHours > 0 && !pos.CommitmentElapsed(now):
		return ErrCommitmentPeriodActive
	}
	return nil
}

// MarkClaimed flips the one-shot claim flag.
func (p *UserPosition) MarkClaimed(now int64, total uint64) {
	p.HasClaimed = true
	p.ClaimedAt = now
	p.ClaimedAmount = total
}
