package domain

import (
	"fmt"
	"strings"
)

// Side is the direction a user stakes on.
type Side int

const (
	SideUp Side = iota
	SideDown
)

func (s Side) String() string {
	switch s {
	case SideUp:
		return "up"
	case SideDown:
		return "down"
	default:
		return "unknown"
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide accepts "up" or "down" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "up":
		return SideUp, nil
	case "down":
		return SideDown, nil
	default:
		return 0, fmt.Errorf("domain.ParseSide: unknown side %q", v)
	}
}

// Outcome is the resolved result of an epoch.
type Outcome int

const (
	OutcomeUp Outcome = iota
	OutcomeDown
	OutcomeNeutral
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUp:
		return "up"
	case OutcomeDown:
		return "down"
	case OutcomeNeutral:
		return "neutral"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "up":
		*o = OutcomeUp
	case "down":
		*o = OutcomeDown
	case "neutral":
		*o = OutcomeNeutral
	default:
		return fmt.Errorf("domain.Outcome: unknown outcome %q", string(b))
	}
	return nil
}

// WinningSide maps Up/Down outcomes to the side that won. Neutral has none.
func (o Outcome) WinningSide() (Side, bool) {
	switch o {
	case OutcomeUp:
		return SideUp, true
	case OutcomeDown:
		return SideDown, true
	default:
		return 0, false
	}
}

// UserPosition is one user's stake in one epoch. It names its epoch by id.
type UserPosition struct {
	Wallet                string `json:"wallet"`
	EpochID               uint64 `json:"epoch_id"`
	Side                  Side   `json:"side"`
	Amount                uint64 `json:"amount"`
	DepositCount          uint32 `json:"deposit_count"`
	FirstDepositAt        int64  `json:"first_deposit_at"`
	LastDepositAt         int64  `json:"last_deposit_at"`
	HasClaimed            bool   `json:"has_claimed"`
	ClaimedAt             int64  `json:"claimed_at"`
	ClaimedAmount         uint64 `json:"claimed_amount"`
	IsEarlyBird           bool   `json:"is_early_bird"`
	IsLateDeposit         bool   `json:"is_late_deposit"`
	TemporalBonus         uint64 `json:"temporal_bonus"`
	TemporalPenalty       uint64 `json:"temporal_penalty"`
	CommitmentEndTime     int64  `json:"commitment_end_time"`
	BypassCooldownFeePaid uint64 `json:"bypass_cooldown_fee_paid"`

	// StreakApplied is set once the epoch's outcome has been folded into
	// the wallet's streak. StreakFeeBps is the fee tier locked for a win.
	StreakApplied bool   `json:"streak_applied"`
	StreakFeeBps  uint16 `json:"streak_fee_bps"`
}

// IsEmpty reports whether nothing has been deposited yet.
func (p UserPosition) IsEmpty() bool { return p.Amount == 0 }

// CommitmentElapsed reports whether the position may be claimed at now.
func (p UserPosition) CommitmentElapsed(now int64) bool {
	return now >= p.CommitmentEndTime
}
