package decision

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/flowcore/internal/bandit"
	"github.com/Rajchodisetti/flowcore/internal/cohort"
	"github.com/Rajchodisetti/flowcore/internal/config"
	"github.com/Rajchodisetti/flowcore/internal/gate"
	"github.com/Rajchodisetti/flowcore/internal/observ"
	"github.com/Rajchodisetti/flowcore/internal/persist"
	"github.com/Rajchodisetti/flowcore/internal/risk"
)

const btcPrice = 50000.0

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Symbol:     "BTC-USD",
		Mode:       gate.ModeBandit,
		Thresholds: gate.DefaultThresholds(),
		Cohort:     cohort.Config{Mode: cohort.ModeRaw, Window: 50},
		Bandit:     bandit.DefaultConfig(),
		Sizer:      risk.DefaultSizerConfig(),
		Breaker:    risk.DefaultBreakerConfig(),
		Seed:       7,
	}
}

// bullish is a bar where only the model arms are eligible, long with ConfModel 0.7
func bullish(i int) Bar {
	return Bar{
		Index:     i,
		Timestamp: t0.Add(time.Duration(i) * time.Hour),
		Model:     gate.ModelOutput{PUp: 0.7, PDown: 0.1, PNeutral: 0.2, SModel: 0.5},
		Price:     btcPrice,
	}
}

func TestOnBarBanditModeTrades(t *testing.T) {
	e := New(testConfig(), nil)

	intent := e.OnBar(context.Background(), bullish(0))

	assert.NotEmpty(t, intent.DecisionID)
	assert.Contains(t, []string{"model_meta", "model_bma"}, intent.ChosenArm)
	assert.Equal(t, 1, intent.Direction)
	assert.InDelta(t, 0.7, intent.Alpha, 1e-9)
	assert.Equal(t, risk.VetoNone, intent.VetoReason)
	assert.InDelta(t, 0.7, intent.Position, 1e-9)
	assert.InDelta(t, 0.098, intent.ImpactBps, 1e-6)
	assert.Equal(t, risk.StateRunning, intent.Breaker)
	assert.Contains(t, intent.GatesPassed, "sizer")

	next := e.OnBar(context.Background(), bullish(1))
	assert.NotEqual(t, intent.DecisionID, next.DecisionID)
}

func TestOnBarRecordsLatencyInSeconds(t *testing.T) {
	New(testConfig(), nil).OnBar(context.Background(), bullish(0))

	families, err := observ.Gatherer().Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "flowcore_decision_latency_seconds")
	assert.NotContains(t, names, "flowcore_decision_latency_ms_seconds")
}

func TestOnBarConsensusMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = gate.ModeConsensus
	e := New(cfg, nil)

	bar := bullish(0)
	bar.Fills = []WeightedFill{{
		Fill:    cohort.Fill{Timestamp: t0, Address: "0xabc", Side: cohort.Buy, Size: 1, Price: btcPrice},
		Weights: cohort.Weights{Mood: 1},
	}}
	intent := e.OnBar(context.Background(), bar)

	assert.Empty(t, intent.ChosenArm)
	assert.Equal(t, 1, intent.Direction)
	assert.InDelta(t, 0.75, intent.Alpha, 1e-9)
	assert.Equal(t, "consensus", intent.Details["path"])
}

func TestOnBarNormalizedCohortArm(t *testing.T) {
	cfg := testConfig()
	cfg.Cohort = cohort.Config{Mode: cohort.ModeNormalized, HalfLife: 10 * time.Minute}
	e := New(cfg, nil)

	bar := bullish(0)
	bar.Model = gate.Neutral()
	bar.ADV20 = 100
	bar.Fills = []WeightedFill{{
		Fill:    cohort.Fill{Timestamp: bar.Timestamp, Address: "0xpro", Side: cohort.Buy, Size: 20, Price: btcPrice},
		Weights: cohort.Weights{Pros: 1},
	}}
	intent := e.OnBar(context.Background(), bar)

	assert.Equal(t, "pros", intent.ChosenArm)
	assert.Equal(t, 1, intent.Direction)
	assert.InDelta(t, 0.2, intent.Alpha, 1e-9)
	assert.InDelta(t, 0.2, intent.Position, 1e-9)
}

func TestOnBarDegradedModelDoesNotTrade(t *testing.T) {
	e := New(testConfig(), nil)
	bar := bullish(0)
	bar.Model = gate.ModelOutput{PUp: math.NaN(), PDown: 0.1, PNeutral: 0.2}

	intent := e.OnBar(context.Background(), bar)
	assert.Zero(t, intent.Direction)
	assert.Zero(t, intent.Position)
	assert.Equal(t, "non_finite_model_output", intent.Details["degraded"])
}

func TestCircuitBreakerPauseFlattensUntilAllResumeConditionsHold(t *testing.T) {
	now := t0
	e := New(testConfig(), nil, risk.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	healthy := risk.HealthMetrics{MaxDDToDate: -0.01, SharpeRoll1d: 0.5, ICDrift: 0}

	intent := e.OnBar(ctx, bullish(0))
	require.InDelta(t, 0.7, intent.Position, 1e-9)

	steps := []struct {
		name    string
		advance time.Duration
		health  risk.HealthMetrics
		paused  bool
	}{
		{name: "drawdown_breach_pauses", health: risk.HealthMetrics{MaxDDToDate: -0.15, SharpeRoll1d: 0.5}, paused: true},
		{name: "recovered_but_too_soon", advance: 10 * time.Minute, health: healthy, paused: true},
		{name: "min_pause_elapsed_but_sharpe_weak", advance: 25 * time.Minute, health: risk.HealthMetrics{MaxDDToDate: -0.01, SharpeRoll1d: -0.5}, paused: true},
		{name: "all_conditions_hold", advance: time.Minute, health: healthy, paused: false},
	}
	for i, step := range steps {
		now = now.Add(step.advance)
		bar := bullish(i + 4)
		h := step.health
		bar.Health = &h

		intent := e.OnBar(ctx, bar)
		if step.paused {
			assert.Equal(t, risk.StatePaused, intent.Breaker, step.name)
			assert.Equal(t, risk.VetoCircuitBreaker, intent.VetoReason, step.name)
			assert.Zero(t, intent.Direction, step.name)
			assert.Zero(t, intent.Position, step.name)
			assert.Zero(t, e.Sizer().Position(), step.name)
		} else {
			assert.Equal(t, risk.StateRunning, intent.Breaker, step.name)
			assert.Equal(t, 1, intent.Direction, step.name)
			assert.Equal(t, risk.VetoNone, intent.VetoReason, step.name)
		}
	}
}

func TestManualPauseHoldsFlat(t *testing.T) {
	e := New(testConfig(), nil)
	e.Breaker().ForcePause("operator")

	for i := 0; i < 3; i++ {
		bar := bullish(i)
		bar.Health = &risk.HealthMetrics{MaxDDToDate: -0.01, SharpeRoll1d: 2}
		intent := e.OnBar(context.Background(), bar)
		assert.Equal(t, risk.VetoCircuitBreaker, intent.VetoReason)
	}

	e.Breaker().ForceResume()
	intent := e.OnBar(context.Background(), bullish(3))
	assert.Equal(t, risk.VetoNone, intent.VetoReason)
}

func TestSettleUpdatesChosenArmOnce(t *testing.T) {
	e := New(testConfig(), nil)
	intent := e.OnBar(context.Background(), bullish(0))
	arm, err := bandit.ParseArm(intent.ChosenArm)
	require.NoError(t, err)

	e.Settle(0.01)
	e.Settle(0.01)
	assert.Equal(t, 1, e.Bandit().Arm(arm).Count)

	e.Settle(math.NaN())
	assert.Equal(t, 1, e.Bandit().HistoryLen())
}

func TestSettleSkipsIneligibleFallback(t *testing.T) {
	e := New(testConfig(), nil)
	bar := bullish(0)
	bar.Model = gate.Neutral()

	intent := e.OnBar(context.Background(), bar)
	assert.Equal(t, "pros", intent.ChosenArm)
	e.Settle(0.05)
	assert.Zero(t, e.Bandit().HistoryLen())
}

func TestSettleLossStreakPauses(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.MaxConsecutiveLosses = 3
	e := New(cfg, nil)

	for i := 0; i < 3; i++ {
		require.False(t, e.Breaker().Paused(), "bar %d", i)
		e.OnBar(context.Background(), bullish(i))
		e.Settle(-0.01)
	}
	require.True(t, e.Breaker().Paused())

	intent := e.OnBar(context.Background(), bullish(3))
	assert.Equal(t, risk.VetoCircuitBreaker, intent.VetoReason)
	assert.InDelta(t, 0.7, intent.Details["flattened_from"], 1e-9)
}

func TestSettleCountsOneLossPerDecision(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.MaxConsecutiveLosses = 2
	e := New(cfg, nil)

	e.Settle(-0.01)
	e.OnBar(context.Background(), bullish(0))
	e.Settle(-0.01)
	e.Settle(-0.01)

	assert.Equal(t, 1, e.Bandit().HistoryLen())
	assert.False(t, e.Breaker().Paused())
}

func TestVetoedDecisionEarnsNoReward(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Config)
		setup     func(*Engine)
		veto      risk.VetoReason
	}{
		{
			name:  "breaker_pause",
			setup: func(e *Engine) { e.Breaker().ForcePause("operator") },
			veto:  risk.VetoCircuitBreaker,
		},
		{
			name:      "impact_veto",
			configure: func(c *Config) { c.Sizer.MaxImpactBpsHard = 0.05 },
			veto:      risk.VetoImpact,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.configure != nil {
				tt.configure(&cfg)
			}
			e := New(cfg, nil)
			if tt.setup != nil {
				tt.setup(e)
			}

			intent := e.OnBar(context.Background(), bullish(0))
			require.Equal(t, tt.veto, intent.VetoReason)
			e.Settle(0)
			assert.Zero(t, e.Bandit().HistoryLen())
		})
	}
}

func TestSizerVetoPublishesHeldPosition(t *testing.T) {
	t.Run("impact_veto_on_entry", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sizer.MaxImpactBpsHard = 0.05
		e := New(cfg, nil)

		intent := e.OnBar(context.Background(), bullish(0))
		assert.Equal(t, risk.VetoImpact, intent.VetoReason)
		assert.Zero(t, intent.Direction)
		assert.Zero(t, intent.Alpha)
		assert.Zero(t, intent.TargetPosition)
		assert.Zero(t, intent.Position)
		assert.InDelta(t, 0.7, intent.Details["sized_target"], 1e-9)
		assert.Contains(t, intent.GatesBlocked, string(risk.VetoImpact))
	})

	t.Run("drawdown_stop_with_bullish_model", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sizer.DDStop = 0.05
		e := New(cfg, nil)
		ctx := context.Background()
		require.InDelta(t, 0.7, e.OnBar(ctx, bullish(0)).Position, 1e-9)

		bar := bullish(1)
		bar.Return = -0.10
		intent := e.OnBar(ctx, bar)
		assert.Equal(t, risk.VetoDrawdownStop, intent.VetoReason)
		assert.Zero(t, intent.Direction)
		assert.Zero(t, intent.TargetPosition)
		assert.Zero(t, intent.Position)
		assert.Zero(t, e.Sizer().Position())
	})
}

func TestDrawdownStopOverridesExitStrengthHold(t *testing.T) {
	cfg := testConfig()
	cfg.Sizer.DDStop = 0.05
	e := New(cfg, nil)
	ctx := context.Background()
	require.InDelta(t, 0.7, e.OnBar(ctx, bullish(0)).Position, 1e-9)

	// the same weak long lean that would otherwise hold the position
	bar := bullish(1)
	bar.Return = -0.10
	bar.Model = gate.ModelOutput{PUp: 0.35, PDown: 0.30, PNeutral: 0.35}
	intent := e.OnBar(ctx, bar)

	require.True(t, e.Sizer().DrawdownStopped())
	assert.NotContains(t, intent.GatesPassed, "exit_strength_hold")
	assert.Equal(t, risk.VetoDrawdownStop, intent.VetoReason)
	assert.Zero(t, intent.TargetPosition)
	assert.Zero(t, e.Sizer().Position())
	assert.InDelta(t, 0.7, intent.Details["flattened_from"], 1e-9)
}

func TestMaxDurationExit(t *testing.T) {
	cfg := testConfig()
	cfg.Thresholds.MaxPositionDurationBars = 2
	e := New(cfg, nil)
	ctx := context.Background()

	require.InDelta(t, 0.7, e.OnBar(ctx, bullish(0)).Position, 1e-9)
	assert.InDelta(t, 0.7, e.OnBar(ctx, bullish(1)).Position, 1e-9)

	intent := e.OnBar(ctx, bullish(2))
	assert.Equal(t, risk.VetoMaxDuration, intent.VetoReason)
	assert.Zero(t, intent.Position)
}

func TestExitStrengthHold(t *testing.T) {
	e := New(testConfig(), nil)
	ctx := context.Background()
	require.InDelta(t, 0.7, e.OnBar(ctx, bullish(0)).Position, 1e-9)

	// ineligible everywhere, but the model still leans long by 0.05
	weak := bullish(1)
	weak.Model = gate.ModelOutput{PUp: 0.35, PDown: 0.30, PNeutral: 0.35}
	intent := e.OnBar(ctx, weak)
	assert.Contains(t, intent.GatesPassed, "exit_strength_hold")
	assert.InDelta(t, 0.7, intent.Position, 1e-9)

	faded := bullish(2)
	faded.Model = gate.ModelOutput{PUp: 0.33, PDown: 0.32, PNeutral: 0.35}
	intent = e.OnBar(ctx, faded)
	assert.NotContains(t, intent.GatesPassed, "exit_strength_hold")
	assert.Zero(t, intent.Position)
}

type countingStore struct {
	persist.Store
	mu    sync.Mutex
	saves int
}

func (c *countingStore) Save(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.Store.Save(ctx, key, data)
}

func TestCheckpointIsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointInterval = time.Hour
	store := &countingStore{Store: persist.NewMemoryStore()}
	e := New(cfg, store)

	for i := 0; i < 5; i++ {
		e.OnBar(context.Background(), bullish(i))
	}
	assert.Equal(t, 4, store.saves, "one checkpoint of four components")

	require.NoError(t, e.Flush(context.Background()))
	assert.Equal(t, 8, store.saves)
}

func TestCheckpointRestore(t *testing.T) {
	store := persist.NewMemoryStore()
	ctx := context.Background()

	e := New(testConfig(), store)
	intent := e.OnBar(ctx, bullish(0))
	e.Settle(0.02)
	e.OnBar(ctx, bullish(1))
	e.Breaker().ForcePause("maintenance")
	require.NoError(t, e.Flush(ctx))

	restored := New(testConfig(), store)
	got := restored.Restore(ctx)
	assert.ElementsMatch(t, []string{"bandit", "sizer", "breaker", "engine"}, got)

	arm, err := bandit.ParseArm(intent.ChosenArm)
	require.NoError(t, err)
	assert.Equal(t, e.Bandit().Arm(arm), restored.Bandit().Arm(arm))
	assert.InDelta(t, e.Sizer().Position(), restored.Sizer().Position(), 1e-12)
	assert.True(t, restored.Breaker().Paused())
	assert.True(t, restored.Breaker().Status().Manual)
}

func TestRestoreFallsBackOnCorruptSnapshot(t *testing.T) {
	store := persist.NewMemoryStore()
	ctx := context.Background()

	e := New(testConfig(), store)
	e.OnBar(ctx, bullish(0))
	require.NoError(t, e.Flush(ctx))
	require.NoError(t, store.Save(ctx, "BTC-USD.bandit", []byte("{not json")))
	require.NoError(t, store.Save(ctx, "BTC-USD.breaker", []byte(`{"state":"melting"}`)))

	restored := New(testConfig(), store)
	got := restored.Restore(ctx)
	assert.ElementsMatch(t, []string{"sizer", "engine"}, got)
	assert.Zero(t, restored.Bandit().HistoryLen())
	assert.False(t, restored.Breaker().Paused())
}

func TestRestoreEmptyStore(t *testing.T) {
	e := New(testConfig(), persist.NewMemoryStore())
	assert.Empty(t, e.Restore(context.Background()))
	assert.Nil(t, New(testConfig(), nil).Restore(context.Background()))
}

func TestFromRootDefaults(t *testing.T) {
	root, err := config.Default()
	require.NoError(t, err)
	root.Breaker.EventLog = ""

	cfg := FromRoot(root)
	assert.Equal(t, gate.ModeBandit, cfg.Mode)
	assert.Equal(t, "BTC-USD", cfg.Symbol)

	e := New(cfg, nil)
	intent := e.OnBar(context.Background(), bullish(0))
	assert.Equal(t, 1, intent.Direction)
}
