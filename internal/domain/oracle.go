package domain

import "fmt"

// OraclePrice is one already-fetched price report.
type OraclePrice struct {
	Price      uint64 `json:"price"`
	Timestamp  int64  `json:"timestamp"`
	Source     string `json:"source"`
	Confidence uint16 `json:"confidence"` // bps
}

// AddOracleReport appends r to the epoch's bounded report list. Reports are
// only accepted once the epoch has ended and before it is resolved.
func (e *Epoch) AddOracleReport(r OraclePrice, now int64) error {
	switch {
	case e.IsResolved:
		return ErrEpochAlreadyResolved
	case now < e.EndTimestamp:
		return ErrEpochNotEnded
	case r.Price == 0:
		return fmt.Errorf("%w: zero oracle price", ErrInvalidAmount)
	case r.Confidence > BpsDenominator:
		return fmt.Errorf("%w: confidence %d", ErrInvalidBps, r.Confidence)
	case r.Timestamp < e.EndTimestamp:
		return fmt.Errorf("%w: reported at %d, epoch ended at %d", ErrOraclePriceStale, r.Timestamp, e.EndTimestamp)
	case len(e.OracleReports) >= MaxOracleReports:
		return ErrTooManyOracleReports
	}
	for _, existing := range e.OracleReports {
		if existing.Source == r.Source {
			return fmt.Errorf("%w: %s", ErrDuplicateOracleSource, r.Source)
		}
	}
	e.OracleReports = append(e.OracleReports, r)
	return nil
}

// Consensus returns the median of reports, rejecting the set when there are
// fewer than minSources or any report deviates from the median by more than
// maxDeviationBps.
func Consensus(reports []OraclePrice, minSources uint8, maxDeviationBps uint16) (uint64, error) {
	if len(reports) < int(minSources) || len(reports) == 0 {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientOracleSources, len(reports), minSources)
	}
	prices := make([]uint64, len(reports))
	for i, r := range reports {
		prices[i] = r.Price
	}
	median, _ := MedianLower(prices)
	for _, r := range reports {
		if dev := DeviationBps(r.Price, median); dev > uint64(maxDeviationBps) {
			return 0, fmt.Errorf("%w: %s at %d deviates %d bps from median %d",
				ErrOraclePriceDeviationHigh, r.Source, r.Price, dev, median)
		}
	}
	return median, nil
}

// SettlementPrice picks the close price for resolution. With multiple
// oracles required the consensus is authoritative; otherwise manual is used.
func SettlementPrice(cfg MarketConfig, e Epoch, manual *uint64) (uint64, error) {
	if cfg.RequireMultipleOracles {
		return Consensus(e.OracleReports, cfg.MinOracleSources, cfg.MaxOracleDeviationBps)
	}
	if manual == nil || *manual == 0 {
		return 0, ErrMissingClosePrice
	}
	return *manual, nil
}
