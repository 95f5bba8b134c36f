package domain

import "fmt"

const (
	// MaxOracleReports bounds the report list kept on an epoch.
	MaxOracleReports = 10

	burnBps              = 800 // 8% of the losing vault, destroyed
	treasurySharePct     = 80  // remaining fee goes to the bonding vault
	singlePositionMaxPct = 50
	suspiciousDominance  = 9500 // bps
	suspiciousLatePct    = 40
	minGamingSample      = 5
)

// EpochPhase is the lifecycle position of an epoch at a given instant.
type EpochPhase int

const (
	PhaseOpen EpochPhase = iota
	PhaseDepositsClosed
	PhaseEnded
	PhaseResolved
)

func (p EpochPhase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseDepositsClosed:
		return "deposits_closed"
	case PhaseEnded:
		return "ended"
	case PhaseResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Epoch is one fixed-duration round. Timestamps are unix seconds and are fixed
// at creation.
type Epoch struct {
	ID                     uint64 `json:"id"`
	StartTimestamp         int64  `json:"start_timestamp"`
	EndTimestamp           int64  `json:"end_timestamp"`
	ResolutionTimestamp    int64  `json:"resolution_timestamp"`
	DepositCutoffTimestamp int64  `json:"deposit_cutoff_timestamp"`

	StartPrice uint64 `json:"start_price"`
	ClosePrice uint64 `json:"close_price"`

	UpVaultTotal   uint64 `json:"up_vault_total"`
	DownVaultTotal uint64 `json:"down_vault_total"`
	TotalAmount    uint64 `json:"total_amount"`

	IsResolved      bool     `json:"is_resolved"`
	WinningPosition *Outcome `json:"winning_position,omitempty"`
	ResolvedAt      int64    `json:"resolved_at"`

	OracleReports []OraclePrice `json:"oracle_reports"`

	IsCircuitBreakerTriggered  bool   `json:"is_circuit_breaker_triggered"`
	CircuitBreakerReason       string `json:"circuit_breaker_reason,omitempty"`
	SuspiciousActivityDetected bool   `json:"suspicious_activity_detected"`
	SuspiciousReason           string `json:"suspicious_reason,omitempty"`

	EarlyDepositCount     uint32 `json:"early_deposit_count"`
	NormalDepositCount    uint32 `json:"normal_deposit_count"`
	LateDepositCount      uint32 `json:"late_deposit_count"`
	TotalEarlyBirdBonuses uint64 `json:"total_early_bird_bonuses"`
	TotalLatePenalties    uint64 `json:"total_late_penalties"`

	Settlement Settlement `json:"settlement"`
}

// NewEpoch opens epoch id at now. Derived timestamps come from cfg once.
func NewEpoch(id uint64, cfg MarketConfig, startPrice uint64, now int64) Epoch {
	end := now + cfg.EpochDuration
	return Epoch{
		ID:                     id,
		StartTimestamp:         now,
		EndTimestamp:           end,
		ResolutionTimestamp:    end + cfg.PriceResolutionDelay,
		DepositCutoffTimestamp: end - cfg.DepositCutoffHours*3600,
		StartPrice:             startPrice,
		OracleReports:          []OraclePrice{},
	}
}

// IsActive: start <= t < end.
func (e Epoch) IsActive(t int64) bool {
	return t >= e.StartTimestamp && t < e.EndTimestamp
}

// CanAcceptDeposits: start <= t < cutoff and breaker off.
func (e Epoch) CanAcceptDeposits(t int64) bool {
	return t >= e.StartTimestamp && t < e.DepositCutoffTimestamp && !e.IsCircuitBreakerTriggered
}

// CanBeResolved: not resolved, past the resolution delay and breaker off.
func (e Epoch) CanBeResolved(t int64) bool {
	return !e.IsResolved && t >= e.ResolutionTimestamp && !e.IsCircuitBreakerTriggered
}

// Phase returns the lifecycle phase at t.
func (e Epoch) Phase(t int64) EpochPhase {
	switch {
	case e.IsResolved:
		return PhaseResolved
	case t >= e.EndTimestamp:
		return PhaseEnded
	case t >= e.DepositCutoffTimestamp:
		return PhaseDepositsClosed
	default:
		return PhaseOpen
	}
}

// VaultTotal returns the stake on side.
func (e Epoch) VaultTotal(side Side) uint64 {
	if side == SideUp {
		return e.UpVaultTotal
	}
	return e.DownVaultTotal
}

// DepositCount is the number of accepted deposits.
func (e Epoch) DepositCount() uint32 {
	return e.EarlyDepositCount + e.NormalDepositCount + e.LateDepositCount
}

// Outcome returns the resolved outcome, if any.
func (e Epoch) Outcome() (Outcome, bool) {
	if !e.IsResolved || e.WinningPosition == nil {
		return 0, false
	}
	return *e.WinningPosition, true
}

// TriggerCircuitBreaker halts admission and resolution.
func (e *Epoch) TriggerCircuitBreaker(reason string) error {
	if e.IsResolved {
		return ErrEpochAlreadyResolved
	}
	e.IsCircuitBreakerTriggered = true
	e.CircuitBreakerReason = reason
	return nil
}

// ClearHalt lifts the circuit breaker and the suspicious-activity flag.
func (e *Epoch) ClearHalt() error {
	if e.IsResolved {
		return ErrEpochAlreadyResolved
	}
	e.IsCircuitBreakerTriggered = false
	e.CircuitBreakerReason = ""
	e.SuspiciousActivityDetected = false
	e.SuspiciousReason = ""
	return nil
}

// --- Deposits ---

// DepositTiming is the bucket a deposit falls in within the epoch.
type DepositTiming int

const (
	TimingEarlyBird DepositTiming = iota
	TimingNormal
	TimingLate
)

func (t DepositTiming) String() string {
	switch t {
	case TimingEarlyBird:
		return "early_bird"
	case TimingNormal:
		return "normal"
	case TimingLate:
		return "late"
	default:
		return "unknown"
	}
}

// ClassifyDeposit buckets a deposit at t. The first quarter of the epoch is
// EarlyBird; the last quarter of the deposit window before cutoff is Late.
func ClassifyDeposit(t, start, end, cutoff int64) DepositTiming {
	if t <= start+(end-start)/4 {
		return TimingEarlyBird
	}
	if t < cutoff && t >= cutoff-(cutoff-start)/4 {
		return TimingLate
	}
	return TimingNormal
}

// TemporalAdjustment returns the bonus and penalty for a deposit of amount.
func TemporalAdjustment(cfg MarketConfig, timing DepositTiming, amount uint64) (bonus, penalty uint64) {
	if !cfg.EnableTemporalBonuses {
		return 0, 0
	}
	switch timing {
	case TimingEarlyBird:
		return ApplyBps(amount, cfg.EarlyBirdBonusBps), 0
	case TimingLate:
		return 0, ApplyBps(amount, cfg.LateDepositPenaltyBps)
	default:
		return 0, 0
	}
}

// Deposit is an admission request.
type Deposit struct {
	Wallet string
	Side   Side
	Amount uint64
	Now    int64
}

// DepositReceipt describes what an accepted deposit did.
type DepositReceipt struct {
	Timing           DepositTiming
	Bonus            uint64
	Penalty          uint64
	FlaggedNow       bool
	SuspiciousReason string
}

// CheckDeposit runs every admission rule without mutating anything.
// maxPosition is the effective size cap for this wallet.
func (e Epoch) CheckDeposit(cfg MarketConfig, pos UserPosition, d Deposit, maxPosition uint64) error {
	switch {
	case !cfg.IsActive:
		return ErrMarketInactive
	case e.IsResolved:
		return ErrEpochAlreadyResolved
	case !e.IsActive(d.Now):
		return ErrEpochNotActive
	case e.IsCircuitBreakerTriggered:
		return ErrCircuitBreakerTriggered
	case e.SuspiciousActivityDetected:
		return ErrSuspiciousActivityDetected
	case d.Now >= e.DepositCutoffTimestamp:
		return ErrDepositCutoffPassed
	}

	if d.Amount < cfg.MinPositionSize {
		return fmt.Errorf("%w: %d < %d", ErrPositionTooSmall, d.Amount, cfg.MinPositionSize)
	}
	if d.Amount > maxPosition || SatAdd(pos.Amount, d.Amount) > maxPosition {
		return fmt.Errorf("%w: %d exceeds %d", ErrPositionTooLarge, SatAdd(pos.Amount, d.Amount), maxPosition)
	}
	if !pos.IsEmpty() && pos.Side != d.Side {
		return fmt.Errorf("%w: holding %s, deposit %s", ErrPositionMismatch, pos.Side, d.Side)
	}

	up, down := e.UpVaultTotal, e.DownVaultTotal
	if d.Side == SideUp {
		up = SatAdd(up, d.Amount)
	} else {
		down = SatAdd(down, d.Amount)
	}
	total := SatAdd(up, down)
	if total < cfg.BalanceCheckMinTotal {
		return nil
	}

	side := up
	if d.Side == SideDown {
		side = down
	}
	if imb := ImbalanceBps(up, down); imb > uint64(cfg.MaxVaultImbalanceBps) && side*2 > total {
		return fmt.Errorf("%w: %d bps > %d", ErrVaultImbalanceExceeded, imb, cfg.MaxVaultImbalanceBps)
	}
	if own := SatAdd(pos.Amount, d.Amount); MulDiv(own, 100, singlePositionMaxPct) > side {
		return fmt.Errorf("%w: %d of %d", ErrSinglePositionTooLarge, own, side)
	}
	return nil
}

// ApplyDeposit admits d into the epoch and the position. On error neither
// value is modified.
func (e *Epoch) ApplyDeposit(cfg MarketConfig, pos *UserPosition, d Deposit, maxPosition uint64) (DepositReceipt, error) {
	if err := e.CheckDeposit(cfg, *pos, d, maxPosition); err != nil {
		return DepositReceipt{}, err
	}

	timing := ClassifyDeposit(d.Now, e.StartTimestamp, e.EndTimestamp, e.DepositCutoffTimestamp)
	bonus, penalty := TemporalAdjustment(cfg, timing, d.Amount)

	if d.Side == SideUp {
		e.UpVaultTotal += d.Amount
	} else {
		e.DownVaultTotal += d.Amount
	}
	e.TotalAmount = e.UpVaultTotal + e.DownVaultTotal

	switch timing {
	case TimingEarlyBird:
		e.EarlyDepositCount++
		e.TotalEarlyBirdBonuses += bonus
		pos.IsEarlyBird = true
	case TimingLate:
		e.LateDepositCount++
		e.TotalLatePenalties += penalty
		pos.IsLateDeposit = true
	default:
		e.NormalDepositCount++
	}

	if pos.IsEmpty() {
		pos.Wallet = d.Wallet
		pos.EpochID = e.ID
		pos.Side = d.Side
		pos.FirstDepositAt = d.Now
	}
	pos.Amount += d.Amount
	pos.DepositCount++
	pos.LastDepositAt = d.Now
	pos.TemporalBonus += bonus
	pos.TemporalPenalty += penalty
	pos.CommitmentEndTime = d.Now + cfg.CommitmentPeriodHours*3600

	receipt := DepositReceipt{Timing: timing, Bonus: bonus, Penalty: penalty}
	if reason, flagged := e.detectSuspicious(cfg); flagged {
		e.SuspiciousActivityDetected = true
		e.SuspiciousReason = reason
		receipt.FlaggedNow = true
		receipt.SuspiciousReason = reason
	}
	return receipt, nil
}

// detectSuspicious looks for extreme dominance of one vault or a late-heavy
// deposit mix.
func (e Epoch) detectSuspicious(cfg MarketConfig) (string, bool) {
	if e.TotalAmount >= cfg.BalanceCheckMinTotal && ImbalanceBps(e.UpVaultTotal, e.DownVaultTotal) > suspiciousDominance {
		return "extreme vault imbalance", true
	}
	if n := e.DepositCount(); n >= minGamingSample && uint64(e.LateDepositCount)*100 > uint64(n)*suspiciousLatePct {
		return "late deposit concentration", true
	}
	return "", false
}

// --- Resolution ---

// CheckResolvable reports why the epoch cannot be resolved at now, if so.
func (e Epoch) CheckResolvable(cfg MarketConfig, now int64) error {
	switch {
	case !cfg.IsActive:
		return ErrMarketInactive
	case e.IsResolved:
		return ErrEpochAlreadyResolved
	case now < e.EndTimestamp:
		return ErrEpochNotEnded
	case e.IsCircuitBreakerTriggered:
		return ErrCircuitBreakerTriggered
	case now < e.ResolutionTimestamp:
		return ErrResolutionDelayActive
	case !e.CanBeResolved(now):
		return ErrCannotResolve
	}
	return nil
}

// DetermineOutcome compares close against start with a dead-zone of
// start*bufferBps/10000 on each side.
func DetermineOutcome(start, close uint64, bufferBps uint16) Outcome {
	buffer := ApplyBps(start, bufferBps)
	switch {
	case close > SatAdd(start, buffer):
		return OutcomeUp
	case close < SatSub(start, buffer):
		return OutcomeDown
	default:
		return OutcomeNeutral
	}
}

// Resolve fixes the close price and outcome and computes the settlement.
func (e *Epoch) Resolve(cfg MarketConfig, closePrice uint64, now int64) (Settlement, error) {
	if err := e.CheckResolvable(cfg, now); err != nil {
		return Settlement{}, err
	}
	if closePrice == 0 {
		return Settlement{}, fmt.Errorf("%w: zero close price", ErrInvalidAmount)
	}
	outcome := DetermineOutcome(e.StartPrice, closePrice, cfg.PriceBufferBps)
	s := ComputeSettlement(cfg, *e, outcome)

	e.ClosePrice = closePrice
	e.IsResolved = true
	e.WinningPosition = &outcome
	e.ResolvedAt = now
	e.Settlement = s
	return s, nil
}
