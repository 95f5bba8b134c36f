package storage

// sybil.go: persistencia del modelo de riesgo: config, wallets, fuentes de
// fondos y clusters. risk_score se duplica en columna para ordenar sin decodificar.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alejandrodnm/forecast/internal/domain"
)

func (t *sqlTx) LoadSybilConfig(ctx context.Context, marketID string) (domain.SybilDetectionConfig, bool, error) {
	var cfg domain.SybilDetectionConfig
	found, err := t.getJSON(ctx, &cfg, `SELECT data FROM sybil_config WHERE market_id = ?`, marketID)
	if err != nil {
		return cfg, false, fmt.Errorf("storage.LoadSybilConfig: %w", err)
	}
	return cfg, found, nil
}

func (t *sqlTx) SaveSybilConfig(ctx context.Context, marketID string, cfg domain.SybilDetectionConfig) error {
	if err := t.putJSON(ctx, cfg, `
		INSERT INTO sybil_config (market_id, data) VALUES (?, ?)
		ON CONFLICT(market_id) DO UPDATE SET data = excluded.data`, marketID); err != nil {
		return fmt.Errorf("storage.SaveSybilConfig: %w", err)
	}
	return nil
}

func (t *sqlTx) LoadWallet(ctx context.Context, marketID, wallet string) (domain.WalletClusterAnalysis, bool, error) {
	var w domain.WalletClusterAnalysis
	found, err := t.getJSON(ctx, &w, `SELECT data FROM wallets WHERE market_id = ? AND wallet = ?`, marketID, wallet)
	if err != nil {
		return w, false, fmt.Errorf("storage.LoadWallet: %w", err)
	}
	return w, found, nil
}

func (t *sqlTx) SaveWallet(ctx context.Context, marketID string, w domain.WalletClusterAnalysis) error {
	if err := t.putJSON(ctx, w, `
		INSERT INTO wallets (market_id, wallet, risk_score, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(market_id, wallet) DO UPDATE SET
			risk_score = excluded.risk_score,
			data       = excluded.data`, marketID, w.Wallet, int64(w.RiskScore)); err != nil {
		return fmt.Errorf("storage.SaveWallet: %w", err)
	}
	return nil
}

// ListWallets devuelve las wallets analizadas, las de mayor riesgo primero.
func (t *sqlTx) ListWallets(ctx context.Context, marketID string) ([]domain.WalletClusterAnalysis, error) {
	var out []domain.WalletClusterAnalysis
	err := t.listJSON(ctx, func(raw []byte) error {
		var w domain.WalletClusterAnalysis
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		out = append(out, w)
		return nil
	}, `SELECT data FROM wallets WHERE market_id = ? ORDER BY risk_score DESC, wallet`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListWallets: %w", err)
	}
	return out, nil
}

func (t *sqlTx) LoadFundingSource(ctx context.Context, marketID, source string) (domain.FundingSourceAnalysis, bool, error) {
	var f domain.FundingSourceAnalysis
	found, err := t.getJSON(ctx, &f, `SELECT data FROM funding_sources WHERE market_id = ? AND source = ?`, marketID, source)
	if err != nil {
		return f, false, fmt.Errorf("storage.LoadFundingSource: %w", err)
	}
	return f, found, nil
}

func (t *sqlTx) SaveFundingSource(ctx context.Context, marketID string, f domain.FundingSourceAnalysis) error {
	if err := t.putJSON(ctx, f, `
		INSERT INTO funding_sources (market_id, source, data) VALUES (?, ?, ?)
		ON CONFLICT(market_id, source) DO UPDATE SET data = excluded.data`, marketID, f.Source); err != nil {
		return fmt.Errorf("storage.SaveFundingSource: %w", err)
	}
	return nil
}

func (t *sqlTx) LoadCluster(ctx context.Context, marketID string, id uint64) (domain.SybilCluster, error) {
	var c domain.SybilCluster
	found, err := t.getJSON(ctx, &c, `SELECT data FROM clusters WHERE market_id = ? AND cluster_id = ?`, marketID, int64(id))
	if err != nil {
		return c, fmt.Errorf("storage.LoadCluster: %w", err)
	}
	if !found {
		return c, fmt.Errorf("storage.LoadCluster: cluster %d: %w", id, domain.ErrClusterNotFound)
	}
	return c, nil
}

func (t *sqlTx) SaveCluster(ctx context.Context, marketID string, c domain.SybilCluster) error {
	if err := t.putJSON(ctx, c, `
		INSERT INTO clusters (market_id, cluster_id, data) VALUES (?, ?, ?)
		ON CONFLICT(market_id, cluster_id) DO UPDATE SET data = excluded.data`, marketID, int64(c.ID)); err != nil {
		return fmt.Errorf("storage.SaveCluster: %w", err)
	}
	return nil
}

func (t *sqlTx) ListClusters(ctx context.Context, marketID string) ([]domain.SybilCluster, error) {
	var out []domain.SybilCluster
	err := t.listJSON(ctx, func(raw []byte) error {
		var c domain.SybilCluster
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	}, `SELECT data FROM clusters WHERE market_id = ? ORDER BY cluster_id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListClusters: %w", err)
	}
	return out, nil
}

// NextClusterID is one past the highest stored cluster id, starting at 1.
func (t *sqlTx) NextClusterID(ctx context.Context, marketID string) (uint64, error) {
	var maxID sql.NullInt64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT MAX(cluster_id) FROM clusters WHERE market_id = ?`, marketID,
	).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("storage.NextClusterID: %w", err)
	}
	if !maxID.Valid {
		return 1, nil
	}
	return uint64(maxID.Int64) + 1, nil
}
