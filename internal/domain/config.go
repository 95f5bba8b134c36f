package domain

import "fmt"

// Protocol constants.
const (
	MinPositionSize = 1_000_000 // 0.001 tokens at 9 decimals

	DefaultMaxPositionSize      = 1_000_000_000_000
	DefaultMaxVaultImbalanceBps = 8000
	DefaultEpochDuration        = 8 * 3600
	DefaultResolutionDelay      = 300
	DefaultMinOracleSources     = 2
	DefaultMaxOracleDeviation   = 1000
	DefaultDepositCutoffHours   = 4
	DefaultEarlyBirdBonusBps    = 150
	DefaultLatePenaltyBps       = 300
	DefaultCommitmentHours      = 4
	DefaultBaseTreasuryFeeBps   = 500
	DefaultMaxProgressiveFeeBps = 5000
	DefaultCooldownBypassFeeBps = 500
	DefaultBalanceCheckMinTotal = 100 * MinPositionSize

	MaxFeeBps          = 1000
	MaxPriceBufferBps  = 500
	MaxEpochDuration   = 7 * 24 * 3600
	MinDepositCutoffHr = 2
	MaxDepositCutoffHr = 6
	MinImbalanceCapBps = 5000

	ConsecutiveWinThreshold     = 3
	CooldownSuggestionThreshold = 2
)

// PayoutMode selects the single fee formula a market settles with.
type PayoutMode string

const (
	// PayoutFlat takes fee_bps from the post-burn losing vault at resolution.
	PayoutFlat PayoutMode = "flat"
	// PayoutProgressive charges each winner a streak-based fee on their share at claim.
	PayoutProgressive PayoutMode = "progressive"
)

// Valid reports whether m is a known payout mode.
func (m PayoutMode) Valid() bool {
	return m == PayoutFlat || m == PayoutProgressive
}

// MarketConfig is the process-wide configuration of one market. It is loaded
// once at initialization and changed only by authority-gated admin operations.
type MarketConfig struct {
	MarketID     string `json:"market_id"`
	Authority    string `json:"authority"`
	Treasury     string `json:"treasury"`
	BondingVault string `json:"bonding_vault"`
	CurrentEpoch uint64 `json:"current_epoch"`
	IsActive     bool   `json:"is_active"`

	EpochDuration  int64      `json:"epoch_duration"`
	FeeBps         uint16     `json:"fee_bps"`
	PriceBufferBps uint16     `json:"price_buffer_bps"`
	PayoutMode     PayoutMode `json:"payout_mode"`

	// Anti-manipulation
	MinPositionSize        uint64 `json:"min_position_size"`
	MaxPositionSize        uint64 `json:"max_position_size"`
	MaxVaultImbalanceBps   uint16 `json:"max_vault_imbalance_bps"`
	BalanceCheckMinTotal   uint64 `json:"balance_check_min_total"`
	PriceResolutionDelay   int64  `json:"price_resolution_delay"`
	RequireMultipleOracles bool   `json:"require_multiple_oracles"`
	MinOracleSources       uint8  `json:"min_oracle_sources"`
	MaxOracleDeviationBps  uint16 `json:"max_oracle_deviation_bps"`

	// Temporal gaming
	DepositCutoffHours    int64  `json:"deposit_cutoff_hours"`
	EarlyBirdBonusBps     uint16 `json:"early_bird_bonus_bps"`
	LateDepositPenaltyBps uint16 `json:"late_deposit_penalty_bps"`
	CommitmentPeriodHours int64  `json:"commitment_period_hours"`
	EnableTemporalBonuses bool   `json:"enable_temporal_bonuses"`

	// Progressive fees
	BaseTreasuryFeeBps          uint16 `json:"base_treasury_fee_bps"`
	MaxProgressiveFeeBps        uint16 `json:"max_progressive_fee_bps"`
	ConsecutiveWinThreshold     uint32 `json:"consecutive_win_threshold"`
	CooldownSuggestionThreshold uint32 `json:"cooldown_suggestion_threshold"`
	CooldownBypassFeeBps        uint16 `json:"cooldown_bypass_fee_bps"`
	EnableProgressiveFees       bool   `json:"enable_progressive_fees"`
}

// InitParams carries the initialization request. Nil pointers take defaults.
type InitParams struct {
	MarketID       string
	Treasury       string
	BondingVault   string
	EpochDuration  int64
	FeeBps         uint16
	PriceBufferBps uint16
	PayoutMode     PayoutMode

	MinPositionSize        *uint64
	MaxPositionSize        *uint64
	MaxVaultImbalanceBps   *uint16
	BalanceCheckMinTotal   *uint64
	PriceResolutionDelay   *int64
	RequireMultipleOracles *bool
	MinOracleSources       *uint8
	MaxOracleDeviationBps  *uint16
	DepositCutoffHours     *int64
	EarlyBirdBonusBps      *uint16
	LateDepositPenaltyBps  *uint16
	CommitmentPeriodHours  *int64
	EnableTemporalBonuses  *bool
	BaseTreasuryFeeBps     *uint16
	CooldownBypassFeeBps   *uint16
	EnableProgressiveFees  *bool
}

// NewMarketConfig validates params and builds the initial config.
func NewMarketConfig(authority string, p InitParams) (MarketConfig, error) {
	cfg := MarketConfig{
		MarketID:                    p.MarketID,
		Authority:                   authority,
		Treasury:                    p.Treasury,
		BondingVault:                p.BondingVault,
		IsActive:                    true,
		EpochDuration:               p.EpochDuration,
		FeeBps:                      p.FeeBps,
		PriceBufferBps:              p.PriceBufferBps,
		PayoutMode:                  p.PayoutMode,
		MinPositionSize:             deref(p.MinPositionSize, MinPositionSize),
		MaxPositionSize:             deref(p.MaxPositionSize, DefaultMaxPositionSize),
		MaxVaultImbalanceBps:        deref(p.MaxVaultImbalanceBps, DefaultMaxVaultImbalanceBps),
		BalanceCheckMinTotal:        deref(p.BalanceCheckMinTotal, DefaultBalanceCheckMinTotal),
		PriceResolutionDelay:        deref(p.PriceResolutionDelay, DefaultResolutionDelay),
		RequireMultipleOracles:      deref(p.RequireMultipleOracles, true),
		MinOracleSources:            deref(p.MinOracleSources, DefaultMinOracleSources),
		MaxOracleDeviationBps:       deref(p.MaxOracleDeviationBps, DefaultMaxOracleDeviation),
		DepositCutoffHours:          deref(p.DepositCutoffHours, DefaultDepositCutoffHours),
		EarlyBirdBonusBps:           deref(p.EarlyBirdBonusBps, DefaultEarlyBirdBonusBps),
		LateDepositPenaltyBps:       deref(p.LateDepositPenaltyBps, DefaultLatePenaltyBps),
		CommitmentPeriodHours:       deref(p.CommitmentPeriodHours, DefaultCommitmentHours),
		EnableTemporalBonuses:       deref(p.EnableTemporalBonuses, true),
		BaseTreasuryFeeBps:          deref(p.BaseTreasuryFeeBps, DefaultBaseTreasuryFeeBps),
		MaxProgressiveFeeBps:        DefaultMaxProgressiveFeeBps,
		ConsecutiveWinThreshold:     ConsecutiveWinThreshold,
		CooldownSuggestionThreshold: CooldownSuggestionThreshold,
		CooldownBypassFeeBps:        deref(p.CooldownBypassFeeBps, DefaultCooldownBypassFeeBps),
		EnableProgressiveFees:       deref(p.EnableProgressiveFees, true),
	}
	if cfg.PayoutMode == "" {
		cfg.PayoutMode = PayoutFlat
	}
	if cfg.EpochDuration == 0 {
		cfg.EpochDuration = DefaultEpochDuration
	}
	if err := cfg.Validate(); err != nil {
		return MarketConfig{}, err
	}
	return cfg, nil
}

// Validate enforces the admin-boundary limits. All bps fields must be <= 10000.
func (c MarketConfig) Validate() error {
	if c.FeeBps > MaxFeeBps {
		return fmt.Errorf("%w: fee_bps %d > %d", ErrInvalidFee, c.FeeBps, MaxFeeBps)
	}
	if c.PriceBufferBps > MaxPriceBufferBps {
		return fmt.Errorf("%w: price_buffer_bps %d > %d", ErrInvalidPriceBuffer, c.PriceBufferBps, MaxPriceBufferBps)
	}
	if c.EpochDuration <= 0 || c.EpochDuration > MaxEpochDuration {
		return fmt.Errorf("%w: %ds", ErrInvalidEpochDuration, c.EpochDuration)
	}
	if c.DepositCutoffHours < MinDepositCutoffHr || c.DepositCutoffHours > MaxDepositCutoffHr {
		return fmt.Errorf("%w: %dh not in [%d,%d]", ErrInvalidDepositCutoff, c.DepositCutoffHours, MinDepositCutoffHr, MaxDepositCutoffHr)
	}
	if c.DepositCutoffHours*3600 >= c.EpochDuration {
		return fmt.Errorf("%w: cutoff %dh leaves no deposit window in a %ds epoch", ErrInvalidDepositCutoff, c.DepositCutoffHours, c.EpochDuration)
	}
	if c.MaxVaultImbalanceBps < MinImbalanceCapBps || c.MaxVaultImbalanceBps > BpsDenominator {
		return fmt.Errorf("%w: max_vault_imbalance_bps %d", ErrInvalidBps, c.MaxVaultImbalanceBps)
	}
	for name, v := range map[string]uint16{
		"max_oracle_deviation_bps": c.MaxOracleDeviationBps,
		"early_bird_bonus_bps":     c.EarlyBirdBonusBps,
		"late_deposit_penalty_bps": c.LateDepositPenaltyBps,
		"base_treasury_fee_bps":    c.BaseTreasuryFeeBps,
		"max_progressive_fee_bps":  c.MaxProgressiveFeeBps,
		"cooldown_bypass_fee_bps":  c.CooldownBypassFeeBps,
	} {
		if v > BpsDenominator {
			return fmt.Errorf("%w: %s %d", ErrInvalidBps, name, v)
		}
	}
	if c.MinPositionSize == 0 || c.MinPositionSize > c.MaxPositionSize {
		return fmt.Errorf("%w: position size range [%d,%d]", ErrInvalidPositionLimits, c.MinPositionSize, c.MaxPositionSize)
	}
	if c.MinOracleSources == 0 || c.MinOracleSources > MaxOracleReports {
		return fmt.Errorf("%w: min_oracle_sources %d", ErrInvalidOracleConfig, c.MinOracleSources)
	}
	if c.PriceResolutionDelay < 0 || c.CommitmentPeriodHours < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidEpochDuration)
	}
	if !c.PayoutMode.Valid() {
		return fmt.Errorf("%w: payout_mode %q", ErrInvalidPayoutMode, c.PayoutMode)
	}
	return nil
}

// FeeUpdate is a partial admin update of fee parameters.
type FeeUpdate struct {
	FeeBps                *uint16
	BaseTreasuryFeeBps    *uint16
	CooldownBypassFeeBps  *uint16
	EnableProgressiveFees *bool
}

// ApplyFeeUpdate returns the config with u applied, rejecting invalid values.
func (c MarketConfig) ApplyFeeUpdate(u FeeUpdate) (MarketConfig, error) {
	next := c
	if u.FeeBps != nil {
		next.FeeBps = *u.FeeBps
	}
	if u.BaseTreasuryFeeBps != nil {
		if *u.BaseTreasuryFeeBps > MaxFeeBps {
			return c, fmt.Errorf("%w: base_treasury_fee_bps %d > %d", ErrInvalidFee, *u.BaseTreasuryFeeBps, MaxFeeBps)
		}
		next.BaseTreasuryFeeBps = *u.BaseTreasuryFeeBps
	}
	if u.CooldownBypassFeeBps != nil {
		next.CooldownBypassFeeBps = *u.CooldownBypassFeeBps
	}
	if u.EnableProgressiveFees != nil {
		next.EnableProgressiveFees = *u.EnableProgressiveFees
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

// IsAuthority reports whether caller holds the market authority.
func (c MarketConfig) IsAuthority(caller string) bool {
	return caller != "" && caller == c.Authority
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
