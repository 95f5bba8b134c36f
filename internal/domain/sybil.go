package domain

// sybil.go: wallet, funding-source and cluster risk model.
//
// Scoring is advisory. The model only gates two decisions: whether a wallet
// may deposit, and whether it may bypass a suggested cooldown.

import (
	"fmt"
	"math"
	"sort"
)

const (
	HighRiskThreshold             = 7000
	AutoFlagThreshold             = 8000
	CriticalRiskThreshold         = 9000
	ClusterConfidenceThreshold    = 7500
	MinWalletsForCluster          = 3
	MaxClusterSize                = 50
	TimingSimilarityThreshold     = 8000
	PositionSizeSimilarity        = 9000
	FundingConcentrationThreshold = 8500
	WinRateSimilarityThreshold    = 500
	BurstDistributionThreshold    = 10
	ClusterStakeLimitMultiplier   = 5000
	ClusterCooldownMultiplier     = 2
	HighRiskBypassBlockThreshold  = 8000

	MaxConnectedWallets   = 20
	MaxSharedFunding      = 10
	MaxFundedWallets      = 100
	burstWindowSeconds    = 3600
	mediumRiskLevelCutoff = 4000
)

// SybilFlag is why a wallet was flagged.
type SybilFlag int

const (
	FlagHighRiskScore SybilFlag = iota
	FlagSuspiciousFunding
	FlagCoordinatedTiming
	FlagSimilarPositionSizes
	FlagSharedFundingSources
	FlagCooldownAvoidance
	FlagClusterBehavior
	FlagManual
)

func (f SybilFlag) String() string {
	switch f {
	case FlagHighRiskScore:
		return "high_risk_score"
	case FlagSuspiciousFunding:
		return "suspicious_funding"
	case FlagCoordinatedTiming:
		return "coordinated_timing"
	case FlagSimilarPositionSizes:
		return "similar_position_sizes"
	case FlagSharedFundingSources:
		return "shared_funding_sources"
	case FlagCooldownAvoidance:
		return "cooldown_avoidance"
	case FlagClusterBehavior:
		return "cluster_behavior"
	case FlagManual:
		return "manual_flag"
	default:
		return "unknown"
	}
}

// ParseSybilFlag is the inverse of SybilFlag.String.
func ParseSybilFlag(v string) (SybilFlag, error) {
	for f := FlagHighRiskScore; f <= FlagManual; f++ {
		if f.String() == v {
			return f, nil
		}
	}
	return 0, fmt.Errorf("domain.ParseSybilFlag: unknown flag %q", v)
}

// ClusterRiskLevel grades a cluster.
type ClusterRiskLevel int

const (
	RiskLow ClusterRiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (l ClusterRiskLevel) String() string {
	switch l {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RiskLevelFor maps a score in bps to a level.
func RiskLevelFor(score uint16) ClusterRiskLevel {
	switch {
	case score >= CriticalRiskThreshold:
		return RiskCritical
	case score >= HighRiskThreshold:
		return RiskHigh
	case score >= mediumRiskLevelCutoff:
		return RiskMedium
	default:
		return RiskLow
	}
}

// SybilDetectionConfig tunes detection and enforcement.
type SybilDetectionConfig struct {
	IsActive bool `json:"is_active"`

	HighRiskThreshold          uint16 `json:"high_risk_threshold"`
	AutoFlagThreshold          uint16 `json:"auto_flag_threshold"`
	ClusterConfidenceThreshold uint16 `json:"cluster_confidence_threshold"`
	MinWalletsForCluster       int    `json:"min_wallets_for_cluster"`
	MaxClusterSize             int    `json:"max_cluster_size"`

	TimingSimilarityThreshold       uint16 `json:"timing_similarity_threshold"`
	PositionSizeSimilarityThreshold uint16 `json:"position_size_similarity_threshold"`
	FundingConcentrationThreshold   uint16 `json:"funding_concentration_threshold"`
	WinRateSimilarityThreshold      uint16 `json:"win_rate_similarity_threshold"`
	BurstDistributionThreshold      uint32 `json:"burst_distribution_threshold"`

	EnableAutoRestrictions        bool   `json:"enable_auto_restrictions"`
	RequireManualReviewHighRisk   bool   `json:"require_manual_review_high_risk"`
	EnableProgressiveRestrictions bool   `json:"enable_progressive_restrictions"`
	ClusterStakeLimitMultiplier   uint16 `json:"cluster_stake_limit_multiplier"`

	RestrictHighRiskBypass       bool   `json:"restrict_high_risk_bypass"`
	HighRiskBypassBlockThreshold uint16 `json:"high_risk_bypass_block_threshold"`
	RequireClusterCooldown       bool   `json:"require_cluster_cooldown"`
	ClusterCooldownMultiplier    uint16 `json:"cluster_cooldown_multiplier"`
}

// DefaultSybilConfig returns the stock thresholds with detection on.
func DefaultSybilConfig() SybilDetectionConfig {
	return SybilDetectionConfig{
		IsActive:                        true,
		HighRiskThreshold:               HighRiskThreshold,
		AutoFlagThreshold:               AutoFlagThreshold,
		ClusterConfidenceThreshold:      ClusterConfidenceThreshold,
		MinWalletsForCluster:            MinWalletsForCluster,
		MaxClusterSize:                  MaxClusterSize,
		TimingSimilarityThreshold:       TimingSimilarityThreshold,
		PositionSizeSimilarityThreshold: PositionSizeSimilarity,
		FundingConcentrationThreshold:   FundingConcentrationThreshold,
		WinRateSimilarityThreshold:      WinRateSimilarityThreshold,
		BurstDistributionThreshold:      BurstDistributionThreshold,
		EnableAutoRestrictions:          true,
		RequireManualReviewHighRisk:     true,
		EnableProgressiveRestrictions:   true,
		ClusterStakeLimitMultiplier:     ClusterStakeLimitMultiplier,
		RestrictHighRiskBypass:          true,
		HighRiskBypassBlockThreshold:    HighRiskBypassBlockThreshold,
		RequireClusterCooldown:          true,
		ClusterCooldownMultiplier:       ClusterCooldownMultiplier,
	}
}

// Validate checks ranges.
func (c SybilDetectionConfig) Validate() error {
	for name, v := range map[string]uint16{
		"high_risk_threshold":                c.HighRiskThreshold,
		"auto_flag_threshold":                c.AutoFlagThreshold,
		"cluster_confidence_threshold":       c.ClusterConfidenceThreshold,
		"timing_similarity_threshold":        c.TimingSimilarityThreshold,
		"position_size_similarity_threshold": c.PositionSizeSimilarityThreshold,
		"funding_concentration_threshold":    c.FundingConcentrationThreshold,
		"win_rate_similarity_threshold":      c.WinRateSimilarityThreshold,
		"cluster_stake_limit_multiplier":     c.ClusterStakeLimitMultiplier,
		"high_risk_bypass_block_threshold":   c.HighRiskBypassBlockThreshold,
	} {
		if v > BpsDenominator {
			return fmt.Errorf("%w: %s %d", ErrInvalidBps, name, v)
		}
	}
	if c.MinWalletsForCluster < MinWalletsForCluster || c.MaxClusterSize > MaxClusterSize || c.MinWalletsForCluster > c.MaxClusterSize {
		return fmt.Errorf("%w: cluster size range [%d,%d]", ErrInvalidBps, c.MinWalletsForCluster, c.MaxClusterSize)
	}
	return nil
}

// FundingShare is how much a wallet received from one source.
type FundingShare struct {
	Source string `json:"source"`
	Amount uint64 `json:"amount"`
}

// WalletSignals are behavioural scores computed off-line and fed in by the
// authority.
type WalletSignals struct {
	TimingPredictability *uint16
	CooldownAvoidance    *uint16
	ConnectedWallets     []string
	MostActiveHour       *uint8
}

// WalletClusterAnalysis is the risk view over one wallet.
type WalletClusterAnalysis struct {
	Wallet     string  `json:"wallet"`
	ClusterID  *uint64 `json:"cluster_id,omitempty"`
	RiskScore  uint16  `json:"risk_score"`
	CreatedAt  int64   `json:"created_at"`
	AnalyzedAt int64   `json:"analyzed_at"`

	TotalDeposits        uint32 `json:"total_deposits"`
	AveragePositionSize  uint64 `json:"average_position_size"`
	PositionSizeVariance uint64 `json:"position_size_variance"`
	WinRate              uint16 `json:"win_rate"`
	LastActivity         int64  `json:"last_activity"`

	FundingSources       []FundingShare `json:"funding_sources"`
	PrimaryFundingSource string         `json:"primary_funding_source,omitempty"`
	FundingSourceEntropy uint16         `json:"funding_source_entropy"`
	TotalFundedAmount    uint64         `json:"total_funded_amount"`

	ConnectedWallets []string `json:"connected_wallets"`

	MostActiveHour              uint8  `json:"most_active_hour"`
	DepositTimingPredictability uint16 `json:"deposit_timing_predictability"`
	CooldownAvoidanceScore      uint16 `json:"cooldown_avoidance_score"`

	IsFlagged            bool       `json:"is_flagged"`
	IsVerifiedHuman      bool       `json:"is_verified_human"`
	AutoFlaggedReason    *SybilFlag `json:"auto_flagged_reason,omitempty"`
	RequiresManualReview bool       `json:"requires_manual_review"`
	LastManualReview     int64      `json:"last_manual_review"`
}

// NewWalletAnalysis starts an empty record.
func NewWalletAnalysis(wallet string, now int64) WalletClusterAnalysis {
	return WalletClusterAnalysis{
		Wallet:           wallet,
		CreatedAt:        now,
		FundingSources:   []FundingShare{},
		ConnectedWallets: []string{},
	}
}

// RecordDeposit folds a deposit size into the running mean and population
// variance.
func (w *WalletClusterAnalysis) RecordDeposit(amount uint64, now int64) {
	n := float64(w.TotalDeposits) + 1
	x := float64(amount)
	oldMean := float64(w.AveragePositionSize)
	newMean := oldMean + (x-oldMean)/n
	variance := ((n-1)*float64(w.PositionSizeVariance) + (x-oldMean)*(x-newMean)) / n

	w.TotalDeposits++
	w.AveragePositionSize = toUint64(newMean)
	w.PositionSizeVariance = toUint64(variance)
	w.LastActivity = now
}

// RecordFunding notes amount received from source. At most MaxSharedFunding
// distinct sources are tracked; further sources only add to the total.
func (w *WalletClusterAnalysis) RecordFunding(source string, amount uint64) {
	w.TotalFundedAmount = SatAdd(w.TotalFundedAmount, amount)
	found := false
	for i := range w.FundingSources {
		if w.FundingSources[i].Source == source {
			w.FundingSources[i].Amount = SatAdd(w.FundingSources[i].Amount, amount)
			found = true
			break
		}
	}
	if !found && len(w.FundingSources) < MaxSharedFunding {
		w.FundingSources = append(w.FundingSources, FundingShare{Source: source, Amount: amount})
	}

	var top FundingShare
	for _, fs := range w.FundingSources {
		if fs.Amount > top.Amount {
			top = fs
		}
	}
	w.PrimaryFundingSource = top.Source
	w.FundingSourceEntropy = fundingEntropy(w.FundingSources)
}

// ApplySignals merges externally computed behaviour scores.
func (w *WalletClusterAnalysis) ApplySignals(s WalletSignals) {
	if s.TimingPredictability != nil {
		w.DepositTimingPredictability = min(*s.TimingPredictability, BpsDenominator)
	}
	if s.CooldownAvoidance != nil {
		w.CooldownAvoidanceScore = min(*s.CooldownAvoidance, BpsDenominator)
	}
	if s.MostActiveHour != nil && *s.MostActiveHour < 24 {
		w.MostActiveHour = *s.MostActiveHour
	}
	for _, peer := range s.ConnectedWallets {
		if peer == w.Wallet || len(w.ConnectedWallets) >= MaxConnectedWallets || containsString(w.ConnectedWallets, peer) {
			continue
		}
		w.ConnectedWallets = append(w.ConnectedWallets, peer)
	}
}

// UpdateWinRate recomputes the win rate from streak totals.
func (w *WalletClusterAnalysis) UpdateWinRate(wins, losses uint32) {
	w.WinRate = uint16(RatioBps(uint64(wins), uint64(wins)+uint64(losses)))
}

// SizeUniformity is high when deposits are nearly identical in size.
func (w WalletClusterAnalysis) SizeUniformity() uint16 {
	if w.TotalDeposits < 2 || w.AveragePositionSize == 0 {
		return 0
	}
	mean := float64(w.AveragePositionSize)
	cv2 := float64(w.PositionSizeVariance) / (mean * mean)
	return uint16(math.Round(BpsDenominator * (1 - math.Min(1, cv2))))
}

// FundingConcentration is the primary source's share of tracked funding.
func (w WalletClusterAnalysis) FundingConcentration() uint16 {
	var total, top uint64
	for _, fs := range w.FundingSources {
		total = SatAdd(total, fs.Amount)
		top = max(top, fs.Amount)
	}
	return uint16(RatioBps(top, total))
}

// ComputeRiskScore weighs the behavioural components into 0..10000 bps.
func (w WalletClusterAnalysis) ComputeRiskScore() uint16 {
	if w.IsVerifiedHuman {
		return 0
	}
	funding := uint64(0)
	if len(w.FundingSources) > 0 {
		funding = BpsDenominator - uint64(w.FundingSourceEntropy)
	}
	connectivity := min(RatioBps(uint64(len(w.ConnectedWallets)), MaxConnectedWallets), BpsDenominator)

	score := (20*uint64(w.SizeUniformity()) +
		25*uint64(w.DepositTimingPredictability) +
		25*funding +
		15*connectivity +
		15*uint64(w.CooldownAvoidanceScore)) / 100
	return uint16(min(score, BpsDenominator))
}

// Rescore updates RiskScore and auto-flags the wallet when it crosses the
// configured threshold. It returns true if the wallet was flagged now.
func (w *WalletClusterAnalysis) Rescore(cfg SybilDetectionConfig, now int64) bool {
	w.RiskScore = w.ComputeRiskScore()
	w.AnalyzedAt = now
	if w.IsFlagged || w.IsVerifiedHuman || w.RiskScore < cfg.AutoFlagThreshold {
		return false
	}
	w.Flag(autoFlagReason(*w), cfg.RequireManualReviewHighRisk)
	return true
}

// Flag marks the wallet.
func (w *WalletClusterAnalysis) Flag(reason SybilFlag, review bool) {
	w.IsFlagged = true
	r := reason
	w.AutoFlaggedReason = &r
	w.RequiresManualReview = review
}

// Verify clears flags after a manual review.
func (w *WalletClusterAnalysis) Verify(now int64) {
	w.IsVerifiedHuman = true
	w.IsFlagged = false
	w.AutoFlaggedReason = nil
	w.RequiresManualReview = false
	w.LastManualReview = now
	w.RiskScore = 0
}

// autoFlagReason names the dominant component behind a high score.
func autoFlagReason(w WalletClusterAnalysis) SybilFlag {
	switch {
	case w.CooldownAvoidanceScore >= CriticalRiskThreshold:
		return FlagCooldownAvoidance
	case len(w.FundingSources) > 0 && w.FundingConcentration() >= FundingConcentrationThreshold && w.FundingSourceEntropy < 1000:
		return FlagSuspiciousFunding
	default:
		return FlagHighRiskScore
	}
}

// fundingEntropy is the normalized Shannon entropy of the funding amounts in
// bps. A single source has no diversity.
func fundingEntropy(shares []FundingShare) uint16 {
	if len(shares) < 2 {
		return 0
	}
	var total float64
	for _, s := range shares {
		total += float64(s.Amount)
	}
	if total == 0 {
		return 0
	}
	var h float64
	for _, s := range shares {
		if s.Amount == 0 {
			continue
		}
		p := float64(s.Amount) / total
		h -= p * math.Log(p)
	}
	return uint16(math.Round(BpsDenominator * h / math.Log(float64(len(shares)))))
}

// --- Funding sources ---

// FundingSourceAnalysis tracks one funding source across wallets.
type FundingSourceAnalysis struct {
	Source            string   `json:"source"`
	FundedWallets     []string `json:"funded_wallets"`
	TotalDistributed  uint64   `json:"total_distributed"`
	DistributionCount uint32   `json:"distribution_count"`
	BurstWindowStart  int64    `json:"burst_window_start"`
	BurstCount        uint32   `json:"burst_count"`
	LastBurstAt       int64    `json:"last_burst_at"`
	RiskScore         uint16   `json:"risk_score"`
	IsFlagged         bool     `json:"is_flagged"`
	IsWhitelisted     bool     `json:"is_whitelisted"`
	FirstSeen         int64    `json:"first_seen"`
	LastSeen          int64    `json:"last_seen"`
}

// NewFundingSource starts an empty record.
func NewFundingSource(source string, now int64) FundingSourceAnalysis {
	return FundingSourceAnalysis{Source: source, FundedWallets: []string{}, FirstSeen: now, BurstWindowStart: now}
}

// RecordDistribution notes a transfer to wallet. It returns true when the
// source becomes flagged by this distribution.
func (f *FundingSourceAnalysis) RecordDistribution(cfg SybilDetectionConfig, wallet string, amount uint64, now int64) bool {
	f.TotalDistributed = SatAdd(f.TotalDistributed, amount)
	f.DistributionCount++
	f.LastSeen = now
	if !containsString(f.FundedWallets, wallet) && len(f.FundedWallets) < MaxFundedWallets {
		f.FundedWallets = append(f.FundedWallets, wallet)
	}

	if now-f.BurstWindowStart > burstWindowSeconds {
		f.BurstWindowStart = now
		f.BurstCount = 0
	}
	f.BurstCount++
	if f.BurstCount >= cfg.BurstDistributionThreshold {
		f.LastBurstAt = now
	}

	f.RiskScore = uint16(min(
		RatioBps(uint64(f.BurstCount), uint64(cfg.BurstDistributionThreshold))/2+
			RatioBps(uint64(len(f.FundedWallets)), MaxFundedWallets)/2,
		BpsDenominator))
	if f.IsFlagged || f.IsWhitelisted {
		return false
	}
	if f.BurstCount >= cfg.BurstDistributionThreshold || f.RiskScore >= cfg.HighRiskThreshold {
		f.IsFlagged = true
		return true
	}
	return false
}

// --- Clusters ---

// SybilCluster is a group of wallets suspected to share an operator. Members
// are referenced by wallet id.
type SybilCluster struct {
	ID                  uint64           `json:"id"`
	Members             []string         `json:"members"`
	ConfidenceScore     uint16           `json:"confidence_score"`
	RiskLevel           ClusterRiskLevel `json:"risk_level"`
	AverageRiskScore    uint16           `json:"average_risk_score"`
	SharedFundingSource string           `json:"shared_funding_source,omitempty"`
	SimilarTiming       bool             `json:"similar_timing"`
	SimilarSizes        bool             `json:"similar_sizes"`
	TotalClusterStake   uint64           `json:"total_cluster_stake"`
	DetectedAt          int64            `json:"detected_at"`
	UpdatedAt           int64            `json:"updated_at"`
	IsRestricted        bool             `json:"is_restricted"`
	RestrictionReason   string           `json:"restriction_reason,omitempty"`
	RestrictedAt        int64            `json:"restricted_at"`
}

// Restrict applies an enforced restriction.
func (c *SybilCluster) Restrict(reason string, now int64) {
	c.IsRestricted = true
	c.RestrictionReason = reason
	c.RestrictedAt = now
	c.UpdatedAt = now
}

// Lift removes the restriction.
func (c *SybilCluster) Lift(now int64) {
	c.IsRestricted = false
	c.RestrictionReason = ""
	c.UpdatedAt = now
}

// similarity is a symmetric closeness in bps: min/max of two values.
func similarity(a, b uint64) uint16 {
	if a == 0 && b == 0 {
		return BpsDenominator
	}
	return uint16(RatioBps(min(a, b), max(a, b)))
}

func sharesFunding(cfg SybilDetectionConfig, a, b WalletClusterAnalysis) bool {
	return a.PrimaryFundingSource != "" &&
		a.PrimaryFundingSource == b.PrimaryFundingSource &&
		a.FundingConcentration() >= cfg.FundingConcentrationThreshold &&
		b.FundingConcentration() >= cfg.FundingConcentrationThreshold
}

func behavesAlike(cfg SybilDetectionConfig, a, b WalletClusterAnalysis) (timing, sizes bool) {
	if a.TotalDeposits == 0 || b.TotalDeposits == 0 {
		return false, false
	}
	timing = similarity(uint64(a.DepositTimingPredictability), uint64(b.DepositTimingPredictability)) >= cfg.TimingSimilarityThreshold &&
		a.DepositTimingPredictability >= cfg.TimingSimilarityThreshold && b.DepositTimingPredictability >= cfg.TimingSimilarityThreshold
	sizes = similarity(a.AveragePositionSize, b.AveragePositionSize) >= cfg.PositionSizeSimilarityThreshold
	winRateClose := absDiff(uint64(a.WinRate), uint64(b.WinRate)) <= uint64(cfg.WinRateSimilarityThreshold)
	return timing && winRateClose, sizes && winRateClose
}

// DetectClusters groups unclustered wallets into new clusters. Wallets are
// linked when they share a concentrated primary funding source, or when both
// their timing and sizing are similar. Connected groups within the size
// bounds whose confidence reaches the threshold become clusters with ids
// starting at nextID. Input order does not affect the result.
func DetectClusters(cfg SybilDetectionConfig, wallets []WalletClusterAnalysis, nextID uint64, now int64) []SybilCluster {
	candidates := make([]WalletClusterAnalysis, 0, len(wallets))
	for _, w := range wallets {
		if w.ClusterID == nil && !w.IsVerifiedHuman {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Wallet < candidates[j].Wallet })

	n := len(candidates)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	type linkStats struct{ funding, timing, sizes, total int }
	edges := make(map[[2]int]linkStats)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var ls linkStats
			if sharesFunding(cfg, candidates[i], candidates[j]) {
				ls.funding = 1
			}
			timing, sizes := behavesAlike(cfg, candidates[i], candidates[j])
			if timing && sizes {
				ls.timing, ls.sizes = 1, 1
			}
			if ls.funding == 0 && ls.timing == 0 {
				continue
			}
			ls.total = 1
			edges[[2]int{i, j}] = ls
			if ri, rj := find(i), find(j); ri != rj {
				parent[rj] = ri
			}
		}
	}

	groups := make(map[int][]int)
	for i := 0; i < n; i++ {
		r := find(i)
		groups[r] = append(groups[r], i)
	}
	roots := make([]int, 0, len(groups))
	for r := range groups {
		roots = append(roots, r)
	}
	sort.Ints(roots)

	var clusters []SybilCluster
	for _, r := range roots {
		members := groups[r]
		if len(members) < cfg.MinWalletsForCluster {
			continue
		}
		if len(members) > cfg.MaxClusterSize {
			members = members[:cfg.MaxClusterSize]
		}

		var agg linkStats
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				if ls, ok := edges[[2]int{members[a], members[b]}]; ok {
					agg.funding += ls.funding
					agg.timing += ls.timing
					agg.sizes += ls.sizes
					agg.total++
				}
			}
		}
		if agg.total == 0 {
			continue
		}
		pairs := len(members) * (len(members) - 1) / 2
		density := uint64(agg.total) * BpsDenominator / uint64(pairs)
		fundingShare := uint64(agg.funding) * BpsDenominator / uint64(agg.total)
		behaviourShare := uint64(agg.timing) * BpsDenominator / uint64(agg.total)
		confidence := uint16(min((4*density+3*fundingShare+3*behaviourShare)/10+2500, BpsDenominator))
		if confidence < cfg.ClusterConfidenceThreshold {
			continue
		}

		c := SybilCluster{
			ID:              nextID,
			ConfidenceScore: confidence,
			SimilarTiming:   agg.timing > 0,
			SimilarSizes:    agg.sizes > 0,
			DetectedAt:      now,
			UpdatedAt:       now,
		}
		var riskSum uint64
		for _, idx := range members {
			w := candidates[idx]
			c.Members = append(c.Members, w.Wallet)
			riskSum += uint64(w.RiskScore)
			c.TotalClusterStake = SatAdd(c.TotalClusterStake, MulDiv(w.AveragePositionSize, uint64(w.TotalDeposits), 1))
		}
		if agg.funding > 0 {
			c.SharedFundingSource = candidates[members[0]].PrimaryFundingSource
		}
		c.AverageRiskScore = uint16(riskSum / uint64(len(members)))
		c.RiskLevel = RiskLevelFor(c.AverageRiskScore)
		clusters = append(clusters, c)
		nextID++
	}
	return clusters
}

// --- Gates ---

// DepositGate decides whether a wallet may deposit and its size cap.
// cluster may be nil.
func DepositGate(cfg SybilDetectionConfig, w WalletClusterAnalysis, cluster *SybilCluster, maxPosition uint64) (uint64, error) {
	if !cfg.IsActive {
		return maxPosition, nil
	}
	if cfg.EnableAutoRestrictions {
		if cluster != nil && cluster.IsRestricted {
			return 0, fmt.Errorf("%w: cluster %d: %s", ErrWalletRestricted, cluster.ID, cluster.RestrictionReason)
		}
		if w.IsFlagged && !w.IsVerifiedHuman && w.RiskScore >= cfg.HighRiskThreshold {
			return 0, fmt.Errorf("%w: flagged with risk %d", ErrWalletRestricted, w.RiskScore)
		}
	}
	if cluster != nil && cfg.EnableProgressiveRestrictions {
		return ApplyBps(maxPosition, cfg.ClusterStakeLimitMultiplier), nil
	}
	return maxPosition, nil
}

// BypassBlocked reports whether the wallet is denied a cooldown bypass and why.
func BypassBlocked(cfg SybilDetectionConfig, w WalletClusterAnalysis, cluster *SybilCluster) (bool, string) {
	if !cfg.IsActive || !cfg.RestrictHighRiskBypass || w.IsVerifiedHuman {
		return false, ""
	}
	if w.RiskScore >= cfg.HighRiskBypassBlockThreshold {
		return true, "high risk score"
	}
	if cluster != nil && cluster.IsRestricted {
		return true, "restricted cluster"
	}
	return false, ""
}

// ClusterCooldownDuration is how long a cluster-wide cooldown lasts.
func ClusterCooldownDuration(cfg SybilDetectionConfig) int64 {
	mult := int64(cfg.ClusterCooldownMultiplier)
	if mult == 0 {
		mult = 1
	}
	return ManualCooldownDuration * mult
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func toUint64(f float64) uint64 {
	switch {
	case f <= 0 || math.IsNaN(f):
		return 0
	case f >= math.MaxUint64:
		return math.MaxUint64
	default:
		return uint64(math.Round(f))
	}
}
