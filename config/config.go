package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/alejandrodnm/forecast/internal/adapters/pricefeed"
	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del proceso.
type Config struct {
	Market  MarketConfig  `yaml:"market" toml:"market"`
	Sybil   SybilConfig   `yaml:"sybil" toml:"sybil"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Oracle  OracleConfig  `yaml:"oracle" toml:"oracle"`
	Redis   RedisConfig   `yaml:"redis" toml:"redis"`
	Keeper  KeeperConfig  `yaml:"keeper" toml:"keeper"`
}

// MarketConfig son los parámetros de InitializeMarket. Los punteros nil toman
// el valor por defecto del dominio.
type MarketConfig struct {
	ID                   string            `yaml:"id" toml:"id" validate:"required"`
	Authority            string            `yaml:"authority" toml:"authority" validate:"required"`
	Treasury             string            `yaml:"treasury" toml:"treasury"`
	BondingVault         string            `yaml:"bonding_vault" toml:"bonding_vault"`
	EpochDurationSeconds int64             `yaml:"epoch_duration_seconds" toml:"epoch_duration_seconds" validate:"gt=0,lte=604800"`
	FeeBps               uint16            `yaml:"fee_bps" toml:"fee_bps" validate:"lte=1000"`
	PriceBufferBps       uint16            `yaml:"price_buffer_bps" toml:"price_buffer_bps" validate:"lte=500"`
	PayoutMode           domain.PayoutMode `yaml:"payout_mode" toml:"payout_mode" validate:"oneof=flat progressive"`
	TokenDecimals        int32             `yaml:"token_decimals" toml:"token_decimals" validate:"gte=0,lte=18"`

	MinPositionSize        *uint64 `yaml:"min_position_size" toml:"min_position_size" validate:"omitempty,gt=0"`
	MaxPositionSize        *uint64 `yaml:"max_position_size" toml:"max_position_size" validate:"omitempty,gt=0"`
	MaxVaultImbalanceBps   *uint16 `yaml:"max_vault_imbalance_bps" toml:"max_vault_imbalance_bps" validate:"omitempty,gte=5000,lte=10000"`
	BalanceCheckMinTotal   *uint64 `yaml:"balance_check_min_total" toml:"balance_check_min_total"`
	PriceResolutionDelay   *int64  `yaml:"price_resolution_delay_seconds" toml:"price_resolution_delay_seconds" validate:"omitempty,gte=0"`
	RequireMultipleOracles *bool   `yaml:"require_multiple_oracles" toml:"require_multiple_oracles"`
	MinOracleSources       *uint8  `yaml:"min_oracle_sources" toml:"min_oracle_sources" validate:"omitempty,gte=1,lte=10"`
	MaxOracleDeviationBps  *uint16 `yaml:"max_oracle_deviation_bps" toml:"max_oracle_deviation_bps" validate:"omitempty,lte=10000"`
	DepositCutoffHours     *int64  `yaml:"deposit_cutoff_hours" toml:"deposit_cutoff_hours" validate:"omitempty,gte=2,lte=6"`
	EarlyBirdBonusBps      *uint16 `yaml:"early_bird_bonus_bps" toml:"early_bird_bonus_bps" validate:"omitempty,lte=10000"`
	LateDepositPenaltyBps  *uint16 `yaml:"late_deposit_penalty_bps" toml:"late_deposit_penalty_bps" validate:"omitempty,lte=10000"`
	CommitmentPeriodHours  *int64  `yaml:"commitment_period_hours" toml:"commitment_period_hours" validate:"omitempty,gte=0"`
	EnableTemporalBonuses  *bool   `yaml:"enable_temporal_bonuses" toml:"enable_temporal_bonuses"`
	BaseTreasuryFeeBps     *uint16 `yaml:"base_treasury_fee_bps" toml:"base_treasury_fee_bps" validate:"omitempty,lte=10000"`
	CooldownBypassFeeBps   *uint16 `yaml:"cooldown_bypass_fee_bps" toml:"cooldown_bypass_fee_bps" validate:"omitempty,lte=10000"`
	EnableProgressiveFees  *bool   `yaml:"enable_progressive_fees" toml:"enable_progressive_fees"`
}

// SybilConfig activa la detección y sobreescribe umbrales puntuales.
type SybilConfig struct {
	Enabled                bool    `yaml:"enabled" toml:"enabled"`
	HighRiskThreshold      *uint16 `yaml:"high_risk_threshold" toml:"high_risk_threshold" validate:"omitempty,lte=10000"`
	AutoFlagThreshold      *uint16 `yaml:"auto_flag_threshold" toml:"auto_flag_threshold" validate:"omitempty,lte=10000"`
	ClusterConfidence      *uint16 `yaml:"cluster_confidence_threshold" toml:"cluster_confidence_threshold" validate:"omitempty,lte=10000"`
	MinWalletsForCluster   *int    `yaml:"min_wallets_for_cluster" toml:"min_wallets_for_cluster" validate:"omitempty,gte=3"`
	MaxClusterSize         *int    `yaml:"max_cluster_size" toml:"max_cluster_size" validate:"omitempty,gte=2"`
	AutoRestrictions       *bool   `yaml:"enable_auto_restrictions" toml:"enable_auto_restrictions"`
	ProgressiveRestriction *bool   `yaml:"enable_progressive_restrictions" toml:"enable_progressive_restrictions"`
	RestrictHighRiskBypass *bool   `yaml:"restrict_high_risk_bypass" toml:"restrict_high_risk_bypass"`
	RequireClusterCooldown *bool   `yaml:"require_cluster_cooldown" toml:"require_cluster_cooldown"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn" toml:"dsn" validate:"required"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// OracleConfig lista las fuentes de precio de la keeper.
type OracleConfig struct {
	Sources           []pricefeed.Source `yaml:"sources" toml:"sources" validate:"dive"`
	RequestsPerSecond float64            `yaml:"requests_per_second" toml:"requests_per_second" validate:"gt=0"`
	TimeoutSeconds    int                `yaml:"timeout_seconds" toml:"timeout_seconds" validate:"gt=0"`
}

// RedisConfig controla la publicación de eventos en Redis.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Addr     string `yaml:"addr" toml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db" validate:"gte=0"`
	Stream   string `yaml:"stream" toml:"stream"`
	Channel  string `yaml:"channel" toml:"channel"`
}

// KeeperConfig controla el loop de resolución.
type KeeperConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds" toml:"interval_seconds" validate:"gt=0"`
	AutoStart       bool `yaml:"auto_start" toml:"auto_start"`
}

// Load carga la configuración desde un archivo YAML o TOML (según extensión)
// y el archivo .env si existe. Las variables de entorno sobreescriben el
// archivo; después se aplican los defaults y se valida.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Parse decodifica data como TOML si ext es ".toml" y como YAML en otro caso.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate aplica las reglas de los tags validate.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// KeeperInterval devuelve el intervalo de la keeper como time.Duration.
func (c *Config) KeeperInterval() time.Duration {
	return time.Duration(c.Keeper.IntervalSeconds) * time.Second
}

// InitParams convierte la sección market en parámetros de dominio.
func (c *Config) InitParams() domain.InitParams {
	m := c.Market
	return domain.InitParams{
		MarketID:               m.ID,
		Treasury:               m.Treasury,
		BondingVault:           m.BondingVault,
		EpochDuration:          m.EpochDurationSeconds,
		FeeBps:                 m.FeeBps,
		PriceBufferBps:         m.PriceBufferBps,
		PayoutMode:             m.PayoutMode,
		MinPositionSize:        m.MinPositionSize,
		MaxPositionSize:        m.MaxPositionSize,
		MaxVaultImbalanceBps:   m.MaxVaultImbalanceBps,
		BalanceCheckMinTotal:   m.BalanceCheckMinTotal,
		PriceResolutionDelay:   m.PriceResolutionDelay,
		RequireMultipleOracles: m.RequireMultipleOracles,
		MinOracleSources:       m.MinOracleSources,
		MaxOracleDeviationBps:  m.MaxOracleDeviationBps,
		DepositCutoffHours:     m.DepositCutoffHours,
		EarlyBirdBonusBps:      m.EarlyBirdBonusBps,
		LateDepositPenaltyBps:  m.LateDepositPenaltyBps,
		CommitmentPeriodHours:  m.CommitmentPeriodHours,
		EnableTemporalBonuses:  m.EnableTemporalBonuses,
		BaseTreasuryFeeBps:     m.BaseTreasuryFeeBps,
		CooldownBypassFeeBps:   m.CooldownBypassFeeBps,
		EnableProgressiveFees:  m.EnableProgressiveFees,
	}
}

// SybilDetection devuelve los umbrales por defecto con los overrides del archivo.
func (c *Config) SybilDetection() domain.SybilDetectionConfig {
	s := c.Sybil
	out := domain.DefaultSybilConfig()
	out.IsActive = s.Enabled
	setIf(&out.HighRiskThreshold, s.HighRiskThreshold)
	setIf(&out.AutoFlagThreshold, s.AutoFlagThreshold)
	setIf(&out.ClusterConfidenceThreshold, s.ClusterConfidence)
	setIf(&out.MinWalletsForCluster, s.MinWalletsForCluster)
	setIf(&out.MaxClusterSize, s.MaxClusterSize)
	setIf(&out.EnableAutoRestrictions, s.AutoRestrictions)
	setIf(&out.EnableProgressiveRestrictions, s.ProgressiveRestriction)
	setIf(&out.RestrictHighRiskBypass, s.RestrictHighRiskBypass)
	setIf(&out.RequireClusterCooldown, s.RequireClusterCooldown)
	return out
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.Format, "LOG_FORMAT")
	setStr(&cfg.Storage.DSN, "FORECAST_DSN")
	setStr(&cfg.Market.Authority, "FORECAST_AUTHORITY")
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	if v, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.Redis.DB = v
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Market.ID == "" {
		cfg.Market.ID = "default"
	}
	if cfg.Market.EpochDurationSeconds == 0 {
		cfg.Market.EpochDurationSeconds = int64(8 * time.Hour / time.Second)
	}
	if cfg.Market.PayoutMode == "" {
		cfg.Market.PayoutMode = domain.PayoutFlat
	}
	if cfg.Market.TokenDecimals == 0 {
		cfg.Market.TokenDecimals = 9
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "forecast.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Oracle.RequestsPerSecond <= 0 {
		cfg.Oracle.RequestsPerSecond = 5
	}
	if cfg.Oracle.TimeoutSeconds <= 0 {
		cfg.Oracle.TimeoutSeconds = 10
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "forecast:events"
	}
	if cfg.Keeper.IntervalSeconds <= 0 {
		cfg.Keeper.IntervalSeconds = 30
	}
}
