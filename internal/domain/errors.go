package domain

import "errors"

// ErrorKind groups rejections by how the caller is expected to react.
type ErrorKind int

const (
	KindConfig        ErrorKind = iota // bad admin parameters, fix and resubmit
	KindState                          // wrong phase or already done
	KindPolicy                         // adjust amount or timing
	KindAuthorization                  // caller lacks the required authority
	KindOracle                         // retry once the feed stabilizes
	KindHalted                         // epoch-wide halt, needs the authority
	KindNotFound
	KindFunds
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindState:
		return "state"
	case KindPolicy:
		return "policy"
	case KindAuthorization:
		return "authorization"
	case KindOracle:
		return "oracle"
	case KindHalted:
		return "halted"
	case KindNotFound:
		return "not_found"
	case KindFunds:
		return "funds"
	default:
		return "unknown"
	}
}

// Error is a rejection surfaced to the caller. Sentinels below are compared
// with errors.Is; callers may wrap them with detail.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

// CodeOf returns the stable code of the first *Error in err's chain.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether retrying the same operation later may succeed
// without any other intervention.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindOracle
}

// Configuration
var (
	ErrInvalidFee            = newError(KindConfig, "invalid_fee", "invalid fee percentage")
	ErrInvalidEpochDuration  = newError(KindConfig, "invalid_epoch_duration", "invalid epoch duration")
	ErrInvalidPriceBuffer    = newError(KindConfig, "invalid_price_buffer", "invalid price buffer")
	ErrInvalidDepositCutoff  = newError(KindConfig, "invalid_deposit_cutoff", "invalid deposit cutoff hours")
	ErrInvalidBps            = newError(KindConfig, "invalid_bps", "basis points out of range")
	ErrAlreadyInitialized    = newError(KindConfig, "already_initialized", "market already initialized")
	ErrInvalidPositionLimits = newError(KindConfig, "invalid_position_limits", "invalid position size limits")
	ErrInvalidOracleConfig   = newError(KindConfig, "invalid_oracle_config", "invalid oracle configuration")
	ErrInvalidPayoutMode     = newError(KindConfig, "invalid_payout_mode", "unknown payout mode")
)

// State
var (
	ErrMarketInactive         = newError(KindState, "market_inactive", "market is not active")
	ErrEpochClosed            = newError(KindState, "epoch_closed", "epoch is closed")
	ErrEpochNotActive         = newError(KindState, "epoch_not_active", "epoch is not active")
	ErrDepositCutoffPassed    = newError(KindState, "deposit_cutoff_passed", "deposit cutoff has passed")
	ErrEpochAlreadyResolved   = newError(KindState, "epoch_already_resolved", "epoch already resolved")
	ErrEpochNotEnded          = newError(KindState, "epoch_not_ended", "epoch has not ended")
	ErrEpochNotResolved       = newError(KindState, "epoch_not_resolved", "epoch not resolved")
	ErrCannotResolve          = newError(KindState, "cannot_resolve", "cannot resolve epoch")
	ErrResolutionDelayActive  = newError(KindState, "resolution_delay_active", "resolution delay still active")
	ErrAlreadyClaimed         = newError(KindState, "already_claimed", "rewards already claimed")
	ErrCommitmentPeriodActive = newError(KindState, "commitment_period_active", "commitment period still active")
	ErrCooldownActive         = newError(KindState, "cooldown_active", "cooldown is active")
	ErrCooldownNotComplete    = newError(KindState, "cooldown_not_complete", "cooldown has not ended")
	ErrSybilDetectionDisabled = newError(KindState, "sybil_detection_disabled", "sybil detection is not active")
)

// Policy
var (
	ErrInvalidAmount          = newError(KindPolicy, "invalid_amount", "invalid amount")
	ErrPositionMismatch       = newError(KindPolicy, "position_mismatch", "position does not match existing side")
	ErrPositionTooSmall       = newError(KindPolicy, "position_too_small", "position size below minimum")
	ErrPositionTooLarge       = newError(KindPolicy, "position_too_large", "position size exceeds maximum")
	ErrVaultImbalanceExceeded = newError(KindPolicy, "vault_imbalance_exceeded", "vault imbalance exceeds maximum")
	ErrSinglePositionTooLarge = newError(KindPolicy, "single_position_too_large", "single position exceeds side share limit")
	ErrCooldownBypassBlocked  = newError(KindPolicy, "cooldown_bypass_blocked", "cooldown bypass blocked for high-risk wallet")
	ErrWalletRestricted       = newError(KindPolicy, "wallet_restricted", "wallet is restricted")
	ErrMissingClosePrice      = newError(KindPolicy, "missing_close_price", "manual close price required")
)

// Authorization
var (
	ErrUnauthorized = newError(KindAuthorization, "unauthorized", "unauthorized")
)

// Oracle
var (
	ErrInsufficientOracleSources = newError(KindOracle, "insufficient_oracle_sources", "insufficient oracle sources")
	ErrOraclePriceDeviationHigh  = newError(KindOracle, "oracle_price_deviation_high", "oracle price deviation too high")
	ErrOraclePriceStale          = newError(KindOracle, "oracle_price_stale", "oracle price is stale")
	ErrTooManyOracleReports      = newError(KindOracle, "too_many_oracle_reports", "oracle report list is full")
	ErrDuplicateOracleSource     = newError(KindOracle, "duplicate_oracle_source", "source already reported")
)

// Halted
var (
	ErrCircuitBreakerTriggered    = newError(KindHalted, "circuit_breaker_triggered", "circuit breaker triggered")
	ErrSuspiciousActivityDetected = newError(KindHalted, "suspicious_activity_detected", "suspicious activity detected")
)

// Lookup and funds
var (
	ErrEpochNotFound     = newError(KindNotFound, "epoch_not_found", "epoch not found")
	ErrPositionNotFound  = newError(KindNotFound, "position_not_found", "position not found")
	ErrClusterNotFound   = newError(KindNotFound, "cluster_not_found", "cluster not found")
	ErrNotInitialized    = newError(KindNotFound, "not_initialized", "market not initialized")
	ErrInsufficientFunds = newError(KindFunds, "insufficient_funds", "insufficient funds")
)
