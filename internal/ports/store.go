package ports

import (
	"context"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// Store abre unidades de trabajo atómicas sobre el estado de los mercados.
type Store interface {
	// Tx runs fn in a single transaction. Any error from fn rolls back every
	// write, including ledger movements and appended events.
	Tx(ctx context.Context, fn func(Tx) error) error

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}

// Tx is the view of the store inside one transaction.
type Tx interface {
	MarketRepository
	EpochRepository
	PositionRepository
	StreakRepository
	SybilRepository
	EventLog

	Ledger() Ledger
}

// MarketRepository persists the market configuration.
type MarketRepository interface {
	// LoadConfig returns domain.ErrNotInitialized for an unknown market.
	LoadConfig(ctx context.Context, marketID string) (domain.MarketConfig, error)
	SaveConfig(ctx context.Context, cfg domain.MarketConfig) error
}

// EpochRepository persists epochs keyed by (market, id).
type EpochRepository interface {
	// LoadEpoch returns domain.ErrEpochNotFound when the epoch does not exist.
	LoadEpoch(ctx context.Context, marketID string, id uint64) (domain.Epoch, error)
	SaveEpoch(ctx context.Context, marketID string, e domain.Epoch) error
	// ListEpochs devuelve las épocas del mercado, la más reciente primero.
	ListEpochs(ctx context.Context, marketID string, limit int) ([]domain.Epoch, error)
}

// PositionRepository persists one position per (market, epoch, wallet).
type PositionRepository interface {
	// LoadPosition returns an empty position and false when none exists.
	LoadPosition(ctx context.Context, marketID string, epochID uint64, wallet string) (domain.UserPosition, bool, error)
	SavePosition(ctx context.Context, marketID string, p domain.UserPosition) error
	ListPositions(ctx context.Context, marketID string, epochID uint64) ([]domain.UserPosition, error)
	// ListWalletPositions returns every position of wallet, oldest epoch first.
	ListWalletPositions(ctx context.Context, marketID, wallet string) ([]domain.UserPosition, error)
}

// StreakRepository persists win streaks per (market, wallet).
type StreakRepository interface {
	// LoadStreak returns a fresh record for wallets never seen before.
	LoadStreak(ctx context.Context, marketID, wallet string) (domain.UserWinStreak, error)
	SaveStreak(ctx context.Context, marketID string, s domain.UserWinStreak) error
}

// SybilRepository persists the risk model.
type SybilRepository interface {
	// LoadSybilConfig returns false when detection was never initialized.
	LoadSybilConfig(ctx context.Context, marketID string) (domain.SybilDetectionConfig, bool, error)
	SaveSybilConfig(ctx context.Context, marketID string, cfg domain.SybilDetectionConfig) error

	LoadWallet(ctx context.Context, marketID, wallet string) (domain.WalletClusterAnalysis, bool, error)
	SaveWallet(ctx context.Context, marketID string, w domain.WalletClusterAnalysis) error
	ListWallets(ctx context.Context, marketID string) ([]domain.WalletClusterAnalysis, error)

	LoadFundingSource(ctx context.Context, marketID, source string) (domain.FundingSourceAnalysis, bool, error)
	SaveFundingSource(ctx context.Context, marketID string, f domain.FundingSourceAnalysis) error

	// LoadCluster returns domain.ErrClusterNotFound for an unknown id.
	LoadCluster(ctx context.Context, marketID string, id uint64) (domain.SybilCluster, error)
	SaveCluster(ctx context.Context, marketID string, c domain.SybilCluster) error
	ListClusters(ctx context.Context, marketID string) ([]domain.SybilCluster, error)
	NextClusterID(ctx context.Context, marketID string) (uint64, error)
}

// EventFilter narrows an event query. Zero values match everything.
type EventFilter struct {
	Kind    domain.EventKind
	EpochID uint64
	Wallet  string
	Limit   int
}

// EventLog is the durable audit trail.
type EventLog interface {
	AppendEvent(ctx context.Context, marketID string, ev domain.Event) error
	ListEvents(ctx context.Context, marketID string, f EventFilter) ([]domain.Event, error)
}
