package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/flowcore/internal/bandit"
	"github.com/Rajchodisetti/flowcore/internal/cohort"
	"github.com/Rajchodisetti/flowcore/internal/gate"
	"github.com/Rajchodisetti/flowcore/internal/persist"
	"github.com/Rajchodisetti/flowcore/internal/risk"
)

type Log struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
}

type Cohort struct {
	Mode     string        `yaml:"mode" default:"normalized" validate:"oneof=raw normalized"`
	Window   int           `yaml:"window" default:"200" validate:"gt=0"`
	HalfLife time.Duration `yaml:"half_life" default:"10m" validate:"gt=0"`
}

type Gate struct {
	Mode string `yaml:"mode" default:"bandit" validate:"oneof=bandit consensus"`

	SMin        float64 `yaml:"s_min" default:"0.12" validate:"gte=0"`
	MMin        float64 `yaml:"m_min" default:"0.12" validate:"gte=0"`
	ConfMin     float64 `yaml:"conf_min" default:"0.60" validate:"gte=0,lte=1"`
	AlphaMin    float64 `yaml:"alpha_min" default:"0.10" validate:"gte=0,lte=1"`
	PNNMin      float64 `yaml:"pnn_min" default:"0.30" validate:"gte=0,lte=1"`
	ConfDirMin  float64 `yaml:"conf_dir_min" default:"0.60" validate:"gte=0,lte=1"`
	StrengthMin float64 `yaml:"strength_min" default:"0.10" validate:"gte=0,lte=1"`

	FlipMood       bool `yaml:"flip_mood"`
	FlipModel      bool `yaml:"flip_model"`
	AllowModelOnly bool `yaml:"allow_model_only" default:"true"`

	ExitStrengthMin         float64 `yaml:"exit_strength_min" default:"0.02" validate:"gte=0"`
	MaxPositionDurationBars int     `yaml:"max_position_duration_bars" default:"48" validate:"gte=0"`
}

type Bandit struct {
	DrawdownThreshold float64            `yaml:"drawdown_threshold" default:"0.10" validate:"gt=0,lt=1"`
	RecoveryThreshold float64            `yaml:"recovery_threshold" default:"0.08" validate:"gt=0,lt=1"`
	Epsilon           float64            `yaml:"epsilon" validate:"gte=0,lte=1"`
	Optimism          map[string]float64 `yaml:"optimism"`
	HistoryMax        int                `yaml:"history_max" default:"1000" validate:"gt=0"`
	MinHistoryForClip int                `yaml:"min_history_for_clip" default:"10" validate:"gt=0"`
	ClipSigma         float64            `yaml:"clip_sigma" default:"3" validate:"gt=0"`
	Seed              uint64             `yaml:"seed" default:"1"`
}

type Volatility struct {
	Lookback            int     `yaml:"lookback" default:"48" validate:"gte=2"`
	AnnualizationFactor float64 `yaml:"annualization_factor" default:"8760" validate:"gt=0"`
	MinObservations     int     `yaml:"min_observations" default:"2" validate:"gte=2"`
	EwmaLambda          float64 `yaml:"ewma_lambda" default:"0.94" validate:"gt=0,lt=1"`
}

type Sizer struct {
	PosMax           float64    `yaml:"pos_max" default:"1.0" validate:"gt=0"`
	SigmaTarget      float64    `yaml:"sigma_target" default:"0.20" validate:"gt=0"`
	MaxVolScale      float64    `yaml:"max_vol_scale" default:"2.0" validate:"gt=0"`
	CooldownBars     int        `yaml:"cooldown_bars" default:"3" validate:"gte=0"`
	BaseNotional     float64    `yaml:"base_notional" default:"1000" validate:"gt=0"`
	ImpactK          float64    `yaml:"impact_k" default:"0.001" validate:"gte=0"`
	MaxImpactBpsHard float64    `yaml:"max_impact_bps_hard" default:"25" validate:"gt=0"`
	DDStop           float64    `yaml:"dd_stop" default:"0.20" validate:"gt=0,lt=1"`
	Volatility       Volatility `yaml:"volatility"`
}

type Breaker struct {
	MaxDrawdown          float64       `yaml:"max_drawdown" default:"-0.10" validate:"lt=0"`
	DrawdownResume       float64       `yaml:"drawdown_resume" default:"-0.05" validate:"lte=0"`
	SharpeFloor          float64       `yaml:"sharpe_floor" default:"-1.0"`
	SharpeResume         float64       `yaml:"sharpe_resume" default:"0"`
	ICDriftFloor         float64       `yaml:"ic_drift_floor" default:"-0.10"`
	ICDriftResume        float64       `yaml:"ic_drift_resume" default:"-0.02"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses" default:"5" validate:"gt=0"`
	VolSpikeMultiplier   float64       `yaml:"vol_spike_multiplier" default:"3.0" validate:"gt=1"`
	MinPauseDuration     time.Duration `yaml:"min_pause_duration" default:"30m" validate:"gte=0"`
	CheckInterval        time.Duration `yaml:"check_interval" default:"1m" validate:"gt=0"`
	EventLog             string        `yaml:"event_log" default:"breaker_events.jsonl"`
	MaxEvents            int           `yaml:"max_events" default:"1000" validate:"gt=0"`
}

type Health struct {
	BarsPerDay int `yaml:"bars_per_day" default:"24" validate:"gt=1"`
	ICWindow   int `yaml:"ic_window" default:"48" validate:"gt=2"`
	ICBaseline int `yaml:"ic_baseline" default:"480" validate:"gtfield=ICWindow"`
}

type Engine struct {
	Symbol             string        `yaml:"symbol" default:"BTC-USD" validate:"required"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" default:"1m" validate:"gte=0"`
	MetricsAddr        string        `yaml:"metrics_addr"`
}

type Root struct {
	Log     Log            `yaml:"log"`
	Engine  Engine         `yaml:"engine"`
	Cohort  Cohort         `yaml:"cohort"`
	Gate    Gate           `yaml:"gate"`
	Bandit  Bandit         `yaml:"bandit"`
	Sizer   Sizer          `yaml:"sizer"`
	Breaker Breaker        `yaml:"breaker"`
	Health  Health         `yaml:"health"`
	Persist persist.Config `yaml:"persist"`
}

var validate = validator.New()

// Default returns the configuration with every default applied
func Default() (Root, error) {
	var c Root
	if err := defaults.Set(&c); err != nil {
		return c, fmt.Errorf("config defaults: %w", err)
	}
	return c, nil
}

// Load reads path (empty means defaults only), applies .env and environment overrides,
// then validates once. Downstream code never re-checks these values.
func Load(path string) (Root, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Root{}, fmt.Errorf("config.Load: read .env: %w", err)
	}

	c, err := Default()
	if err != nil {
		return c, err
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&c)

	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config.Load: %w", err)
	}
	return c, nil
}

func applyEnvOverrides(c *Root) {
	if v := os.Getenv("FLOWCORE_STATE_DIR"); v != "" {
		c.Persist.Dir = v
		c.Persist.SQLitePath = filepath.Join(v, filepath.Base(c.Persist.SQLitePath))
	}
	if v := os.Getenv("FLOWCORE_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("FLOWCORE_GATE_MODE"); v != "" {
		c.Gate.Mode = strings.ToLower(v)
	}
}

// Validate runs the struct tag rules plus the cross-field hysteresis checks
func (c Root) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	if c.Bandit.RecoveryThreshold >= c.Bandit.DrawdownThreshold {
		return fmt.Errorf("bandit recovery_threshold %.4f must be below drawdown_threshold %.4f",
			c.Bandit.RecoveryThreshold, c.Bandit.DrawdownThreshold)
	}
	for name := range c.Bandit.Optimism {
		if _, err := bandit.ParseArm(name); err != nil {
			return fmt.Errorf("bandit optimism: %w", err)
		}
	}
	if c.Sizer.Volatility.MinObservations > c.Sizer.Volatility.Lookback {
		return fmt.Errorf("sizer volatility min_observations %d exceeds lookback %d",
			c.Sizer.Volatility.MinObservations, c.Sizer.Volatility.Lookback)
	}
	if err := c.ToBreaker().Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	return nil
}

// GateMode is the configured gating strategy
func (c Root) GateMode() gate.Mode { return gate.Mode(c.Gate.Mode) }

func (c Root) ToCohort() cohort.Config {
	return cohort.Config{
		Mode:     cohort.Mode(c.Cohort.Mode),
		Window:   c.Cohort.Window,
		HalfLife: c.Cohort.HalfLife,
	}
}

func (c Root) ToThresholds() gate.Thresholds {
	g := c.Gate
	return gate.Thresholds{
		SMin:                    g.SMin,
		MMin:                    g.MMin,
		ConfMin:                 g.ConfMin,
		AlphaMin:                g.AlphaMin,
		PNNMin:                  g.PNNMin,
		ConfDirMin:              g.ConfDirMin,
		StrengthMin:             g.StrengthMin,
		FlipMood:                g.FlipMood,
		FlipModel:               g.FlipModel,
		AllowModelOnly:          g.AllowModelOnly,
		ExitStrengthMin:         g.ExitStrengthMin,
		MaxPositionDurationBars: g.MaxPositionDurationBars,
	}
}

// ToBandit converts arm names in the optimism map; Validate has already rejected unknown names.
func (c Root) ToBandit() bandit.Config {
	b := c.Bandit
	var optimism map[bandit.Arm]float64
	if len(b.Optimism) > 0 {
		optimism = make(map[bandit.Arm]float64, len(b.Optimism))
		for name, bump := range b.Optimism {
			if arm, err := bandit.ParseArm(name); err == nil {
				optimism[arm] = bump
			}
		}
	}
	return bandit.Config{
		DrawdownThreshold: b.DrawdownThreshold,
		RecoveryThreshold: b.RecoveryThreshold,
		Epsilon:           b.Epsilon,
		Optimism:          optimism,
		HistoryMax:        b.HistoryMax,
		MinHistoryForClip: b.MinHistoryForClip,
		ClipSigma:         b.ClipSigma,
	}
}

func (c Root) ToSizer() risk.SizerConfig {
	s := c.Sizer
	return risk.SizerConfig{
		PosMax:           s.PosMax,
		SigmaTarget:      s.SigmaTarget,
		MaxVolScale:      s.MaxVolScale,
		CooldownBars:     s.CooldownBars,
		BaseNotional:     s.BaseNotional,
		ImpactK:          s.ImpactK,
		MaxImpactBpsHard: s.MaxImpactBpsHard,
		DDStop:           s.DDStop,
		Volatility: risk.VolatilityConfig{
			Lookback:            s.Volatility.Lookback,
			AnnualizationFactor: s.Volatility.AnnualizationFactor,
			MinObservations:     s.Volatility.MinObservations,
			EwmaLambda:          s.Volatility.EwmaLambda,
		},
	}
}

// ToBreaker places a relative event log under the state directory
func (c Root) ToBreaker() risk.BreakerConfig {
	b := c.Breaker
	logPath := b.EventLog
	if logPath != "" && !filepath.IsAbs(logPath) {
		logPath = filepath.Join(c.Persist.Dir, logPath)
	}
	return risk.BreakerConfig{
		MaxDrawdown:          b.MaxDrawdown,
		DrawdownResume:       b.DrawdownResume,
		SharpeFloor:          b.SharpeFloor,
		SharpeResume:         b.SharpeResume,
		ICDriftFloor:         b.ICDriftFloor,
		ICDriftResume:        b.ICDriftResume,
		MaxConsecutiveLosses: b.MaxConsecutiveLosses,
		VolSpikeMultiplier:   b.VolSpikeMultiplier,
		MinPauseDuration:     b.MinPauseDuration,
		EventLogPath:         logPath,
		MaxEvents:            b.MaxEvents,
	}
}

func (c Root) ToHealth() risk.HealthConfig {
	return risk.HealthConfig{
		BarsPerDay: c.Health.BarsPerDay,
		ICWindow:   c.Health.ICWindow,
		ICBaseline: c.Health.ICBaseline,
	}
}
