package domain

import "strconv"

// EventKind names an emitted event.
type EventKind string

const (
	EventMarketInitialized         EventKind = "MarketInitialized"
	EventMarketStatusChanged       EventKind = "MarketStatusChanged"
	EventFeesUpdated               EventKind = "FeesUpdated"
	EventEpochStarted              EventKind = "EpochStarted"
	EventForecastDeposit           EventKind = "ForecastDeposit"
	EventCircuitBreakerTriggered   EventKind = "CircuitBreakerTriggered"
	EventCircuitBreakerCleared     EventKind = "CircuitBreakerCleared"
	EventSuspiciousActivity        EventKind = "SuspiciousActivityDetected"
	EventOraclePriceAdded          EventKind = "OraclePriceAdded"
	EventEpochResolved             EventKind = "EpochResolved"
	EventTreasuryFee               EventKind = "TreasuryFee"
	EventBondingFee                EventKind = "BondingFee"
	EventRewardsClaimed            EventKind = "RewardsClaimed"
	EventProgressiveFeeApplied     EventKind = "ProgressiveFeeApplied"
	EventVoluntaryCooldownTaken    EventKind = "VoluntaryCooldownTaken"
	EventManualCooldownStarted     EventKind = "ManualCooldownStarted"
	EventCooldownCompleted         EventKind = "CooldownCompleted"
	EventCooldownBypassFeePaid     EventKind = "CooldownBypassFeePaid"
	EventAutoResetTriggered        EventKind = "AutoResetTriggered"
	EventSybilClusterDetected      EventKind = "SybilClusterDetected"
	EventWalletFlagged             EventKind = "WalletFlagged"
	EventFundingSourceFlagged      EventKind = "FundingSourceFlagged"
	EventClusterRestrictionApplied EventKind = "ClusterRestrictionApplied"
	EventCooldownBypassBlocked     EventKind = "CooldownBypassBlocked"
)

// Event is an audit record. It carries the entity ids and amount involved;
// kind-specific details go in Attrs.
type Event struct {
	ID        string            `json:"id"`
	Kind      EventKind         `json:"kind"`
	EpochID   uint64            `json:"epoch_id,omitempty"`
	Wallet    string            `json:"wallet,omitempty"`
	Amount    uint64            `json:"amount,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// NewEvent builds an event without an id.
func NewEvent(kind EventKind, now int64) Event {
	return Event{Kind: kind, Timestamp: now}
}

// ForEpoch sets the epoch id.
func (e Event) ForEpoch(id uint64) Event {
	e.EpochID = id
	return e
}

// ForWallet sets the wallet.
func (e Event) ForWallet(w string) Event {
	e.Wallet = w
	return e
}

// WithAmount sets the amount.
func (e Event) WithAmount(a uint64) Event {
	e.Amount = a
	return e
}

// With adds an attribute. Values of unsigned, signed and bool types are
// formatted in decimal.
func (e Event) With(key string, value any) Event {
	attrs := make(map[string]string, len(e.Attrs)+1)
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	attrs[key] = formatAttr(value)
	e.Attrs = attrs
	return e
}

func formatAttr(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case uint64:
		return strconv.FormatUint(x, 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case interface{ String() string }:
		return x.String()
	default:
		return ""
	}
}
