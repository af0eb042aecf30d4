// Package decision threads one bar through the cohort accumulator, the eligibility gate,
// the bandit, the risk sizer and the circuit breaker, and emits a TradeIntent.
package decision

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/flowcore/internal/bandit"
	"github.com/Rajchodisetti/flowcore/internal/cohort"
	"github.com/Rajchodisetti/flowcore/internal/config"
	"github.com/Rajchodisetti/flowcore/internal/gate"
	"github.com/Rajchodisetti/flowcore/internal/observ"
	"github.com/Rajchodisetti/flowcore/internal/persist"
	"github.com/Rajchodisetti/flowcore/internal/risk"
)

type Config struct {
	Symbol             string
	Mode               gate.Mode
	Thresholds         gate.Thresholds
	Cohort             cohort.Config
	Bandit             bandit.Config
	Sizer              risk.SizerConfig
	Breaker            risk.BreakerConfig
	Health             risk.HealthConfig
	Seed               uint64
	CheckpointInterval time.Duration
}

// FromRoot builds the engine configuration from the loaded file config
func FromRoot(c config.Root) Config {
	return Config{
		Symbol:             c.Engine.Symbol,
		Mode:               c.GateMode(),
		Thresholds:         c.ToThresholds(),
		Cohort:             c.ToCohort(),
		Bandit:             c.ToBandit(),
		Sizer:              c.ToSizer(),
		Breaker:            c.ToBreaker(),
		Health:             c.ToHealth(),
		Seed:               c.Bandit.Seed,
		CheckpointInterval: c.Engine.CheckpointInterval,
	}
}

// WeightedFill is a fill tagged with the cohort membership of its address
type WeightedFill struct {
	cohort.Fill
	Weights cohort.Weights `json:"weights"`
}

// Bar is everything the engine sees at one bar close.
type Bar struct {
	Index     int              `json:"index"`
	Timestamp time.Time        `json:"ts"`
	Fills     []WeightedFill   `json:"fills"`
	ADV20     float64          `json:"adv20"` // 0 keeps the previous value
	Model     gate.ModelOutput `json:"model"`
	Price     float64          `json:"price"`
	Return    float64          `json:"return"` // asset return over the bar that just closed

	// Health carries externally computed metrics; nil uses the engine's own tracker
	Health *risk.HealthMetrics `json:"health,omitempty"`
}

// TradeIntent is the engine's decision for one bar.
type TradeIntent struct {
	DecisionID     string            `json:"decision_id"`
	Symbol         string            `json:"symbol"`
	BarIndex       int               `json:"bar_index"`
	Timestamp      time.Time         `json:"ts"`
	Direction      int               `json:"direction"`
	Alpha          float64           `json:"alpha"`
	ChosenArm      string            `json:"chosen_arm,omitempty"`
	VetoReason     risk.VetoReason   `json:"veto_reason"`
	TargetPosition float64           `json:"target_position"`
	Position       float64           `json:"position"`
	ImpactBps      float64           `json:"impact_bps"`
	Breaker        risk.BreakerState `json:"breaker"`
	GatesPassed    []string          `json:"gates_passed"`
	GatesBlocked   []string          `json:"gates_blocked"`
	Details        map[string]any    `json:"details"`
}

// Engine owns the per-bar state of one timeframe-bot instance. OnBar, Settle and
// Checkpoint must be called from a single goroutine; the circuit breaker may be driven
// concurrently through Run.
type Engine struct {
	cfg Config

	flow    *cohort.Accumulator
	bandit  *bandit.Bandit
	sizer   *risk.Sizer
	breaker *risk.CircuitBreaker
	health  *risk.HealthTracker

	store   persist.Store
	limiter *rate.Limiter

	lastArm    bandit.Arm
	armPending bool
	settled    bool
	lastPred   float64
	havePred   bool
	entryBar   int
	bars       int
}

// New creates an engine with fresh state. store may be nil, which disables checkpointing.
func New(cfg Config, store persist.Store, opts ...risk.Option) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = gate.ModeBandit
	}
	limit := rate.Inf
	if cfg.CheckpointInterval > 0 {
		limit = rate.Every(cfg.CheckpointInterval)
	}
	return &Engine{
		cfg:     cfg,
		flow:    cohort.New(cfg.Cohort),
		bandit:  bandit.New(cfg.Bandit, newRand(cfg.Seed)),
		sizer:   risk.NewSizer(cfg.Sizer),
		breaker: risk.NewCircuitBreaker(cfg.Breaker, opts...),
		health:  risk.NewHealthTracker(cfg.Health),
		store:   store,
		limiter: rate.NewLimiter(limit, 1),
		settled: true,
	}
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// OnBar runs the decision pipeline for one bar.
func (e *Engine) OnBar(ctx context.Context, bar Bar) TradeIntent {
	start := time.Now()
	defer func() {
		observ.RecordDuration("decision_latency", time.Since(start), nil)
	}()

	e.observeBar(bar)
	e.settled = false

	if bar.ADV20 > 0 {
		e.flow.SetADV20(bar.ADV20)
	}
	for _, f := range bar.Fills {
		e.flow.UpdateFromFill(f.Fill, f.Weights)
	}
	flow := e.flow.CloseBar(bar.Timestamp)
	if e.flow.Degraded() {
		observ.SetGauge("cohort_degraded", 1, nil)
	} else {
		observ.SetGauge("cohort_degraded", 0, nil)
	}

	model, degraded := bar.Model.Sanitize()
	if degraded != "" {
		observ.Throttled("model_input_degraded", time.Minute, map[string]any{
			"symbol": e.cfg.Symbol,
			"reason": degraded,
			"bar":    bar.Index,
		})
	}
	e.lastPred, e.havePred = model.PUp-model.PDown, true

	intent := TradeIntent{
		DecisionID:   uuid.NewString(),
		Symbol:       e.cfg.Symbol,
		BarIndex:     bar.Index,
		Timestamp:    bar.Timestamp,
		VetoReason:   risk.VetoNone,
		GatesPassed:  []string{},
		GatesBlocked: []string{},
	}

	res := e.gate(flow, bar.Model, &intent)
	intent.Direction = res.Direction
	intent.Alpha = res.Alpha
	intent.Details = res.Details
	if blocked, ok := res.Details["blocked"].(string); ok {
		intent.GatesBlocked = append(intent.GatesBlocked, blocked)
	} else {
		intent.GatesPassed = append(intent.GatesPassed, string(e.cfg.Mode))
	}

	e.checkBreaker(bar)

	switch {
	case e.breaker.Paused():
		e.override(&intent, risk.VetoCircuitBreaker)
	case e.maxDurationReached(bar.Index):
		e.override(&intent, risk.VetoMaxDuration)
	case e.sizer.DrawdownStopped():
		e.override(&intent, risk.VetoDrawdownStop)
	case e.holdOnWeakExit(res, model):
		intent.Direction = signOf(e.sizer.Position())
		intent.TargetPosition = e.sizer.Position()
		intent.Position = e.sizer.Position()
		intent.GatesPassed = append(intent.GatesPassed, "exit_strength_hold")
	default:
		e.execute(&intent, bar)
	}

	intent.Breaker, _ = e.breaker.State()

	observ.IncCounter("decisions_total", map[string]string{
		"direction": directionLabel(intent.Direction),
		"veto":      string(intent.VetoReason),
	})
	observ.Log("trade_intent", map[string]any{
		"decision_id": intent.DecisionID,
		"symbol":      intent.Symbol,
		"bar":         intent.BarIndex,
		"direction":   intent.Direction,
		"alpha":       intent.Alpha,
		"arm":         intent.ChosenArm,
		"veto":        string(intent.VetoReason),
		"target":      intent.TargetPosition,
		"position":    intent.Position,
	})

	e.bars++
	if err := e.Checkpoint(ctx); err != nil {
		observ.Error("checkpoint_failed", err, map[string]any{"symbol": e.cfg.Symbol, "bar": bar.Index})
	}
	return intent
}

// observeBar compounds the held position over the bar that just closed and pairs the
// previous prediction with the realized return.
func (e *Engine) observeBar(bar Bar) {
	r := bar.Return
	if math.IsNaN(r) || math.IsInf(r, 0) || e.bars == 0 {
		return
	}
	e.health.RecordPnL(e.sizer.Position() * r)
	e.sizer.ObserveReturn(r)
	if e.havePred {
		e.health.RecordPrediction(e.lastPred, r)
	}
}

func (e *Engine) gate(flow cohort.Signal, raw gate.ModelOutput, intent *TradeIntent) gate.Result {
	if e.cfg.Mode == gate.ModeConsensus {
		model, _ := raw.Sanitize()
		e.armPending = false
		return gate.GateAndScore(flow.Mood, model.SModel, e.cfg.Thresholds)
	}

	tc := gate.ComputeSignalsAndEligibility(flow, raw, e.cfg.Thresholds)
	arm := e.bandit.Select(tc.Eligible)
	intent.ChosenArm = arm.String()

	// only eligible selections earn a reward
	e.lastArm, e.armPending = arm, tc.AnyEligible()
	if frozen, _ := e.bandit.Frozen(); frozen {
		observ.SetGauge("bandit_frozen", 1, nil)
	} else {
		observ.SetGauge("bandit_frozen", 0, nil)
	}
	return tc.Decide(arm, e.cfg.Thresholds)
}

func (e *Engine) checkBreaker(bar Bar) {
	h := e.health.Metrics()
	if bar.Health != nil {
		h = *bar.Health
	}
	e.breaker.Check(h, e.sizer.MarketVol())
}

// override forces the position flat past every sizer gate. The decision never trades, so
// its arm earns no reward.
func (e *Engine) override(intent *TradeIntent, veto risk.VetoReason) {
	prev := e.sizer.Flatten()
	e.armPending = false
	intent.Direction = 0
	intent.Alpha = 0
	intent.TargetPosition = 0
	intent.Position = 0
	intent.VetoReason = veto
	intent.GatesBlocked = append(intent.GatesBlocked, string(veto))
	if intent.Details == nil {
		intent.Details = map[string]any{}
	}
	intent.Details["flattened_from"] = prev
	if veto == risk.VetoCircuitBreaker {
		_, reason := e.breaker.State()
		intent.Details["breaker_reason"] = reason
	}
	observ.IncCounter("sizer_vetoes_total", map[string]string{"reason": string(veto)})
}

func (e *Engine) maxDurationReached(bar int) bool {
	limit := e.cfg.Thresholds.MaxPositionDurationBars
	return limit > 0 && e.sizer.Position() != 0 && bar-e.entryBar >= limit
}

// holdOnWeakExit keeps an open position when the gate goes quiet but the model still
// leans the same way with at least ExitStrengthMin conviction.
func (e *Engine) holdOnWeakExit(res gate.Result, model gate.ModelOutput) bool {
	pos := e.sizer.Position()
	if pos == 0 || res.Direction != 0 || e.cfg.Thresholds.ExitStrengthMin <= 0 {
		return false
	}
	lean := model.PUp - model.PDown
	return math.Abs(lean) >= e.cfg.Thresholds.ExitStrengthMin && signOf(lean) == signOf(pos)
}

func (e *Engine) execute(intent *TradeIntent, bar Bar) {
	prev := e.sizer.Position()
	ex := e.sizer.Execute(intent.Direction, intent.Alpha, bar.Price, bar.Index)

	intent.TargetPosition = ex.Target
	intent.Position = ex.Executed
	intent.ImpactBps = ex.ImpactBps
	intent.VetoReason = ex.Veto
	if ex.Vetoed() {
		// publish what is actually held, not the rejected size
		if intent.Details == nil {
			intent.Details = map[string]any{}
		}
		intent.Details["sized_target"] = ex.Target
		if d := signOf(ex.Executed); d != intent.Direction {
			intent.Direction = d
			intent.Alpha = 0
		}
		intent.TargetPosition = ex.Executed
		e.armPending = false
		intent.GatesBlocked = append(intent.GatesBlocked, string(ex.Veto))
		if ex.Cooldown != nil {
			intent.Details["cooldown_remaining_bars"] = ex.Cooldown.RemainingBars
		}
	} else {
		intent.GatesPassed = append(intent.GatesPassed, "sizer")
	}

	if ex.Executed != 0 && signOf(ex.Executed) != signOf(prev) {
		e.entryBar = bar.Index
	}
}

// Settle feeds the realized reward of the last decision back to the bandit and the
// breaker's loss streak. Calling it twice for the same decision is a no-op.
func (e *Engine) Settle(reward float64) {
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		observ.Warn("settle_non_finite_reward", map[string]any{"symbol": e.cfg.Symbol})
		return
	}
	if e.settled {
		return
	}
	e.settled = true
	if e.armPending {
		e.bandit.Update(e.lastArm, reward)
		e.armPending = false
	}
	if reward != 0 {
		e.breaker.UpdateTradeResult(reward > 0)
	}
}

// CheckHealth evaluates externally supplied health metrics against the circuit breaker
func (e *Engine) CheckHealth(h risk.HealthMetrics, mv *risk.MarketVol) risk.BreakerState {
	return e.breaker.Check(h, mv)
}

// Run drives the breaker's auto-resume ticker until ctx is done
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	return e.breaker.Run(ctx, interval)
}

func (e *Engine) Breaker() *risk.CircuitBreaker { return e.breaker }
func (e *Engine) Bandit() *bandit.Bandit        { return e.bandit }
func (e *Engine) Sizer() *risk.Sizer            { return e.sizer }
func (e *Engine) Health() risk.HealthMetrics    { return e.health.Metrics() }

func signOf(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func directionLabel(d int) string {
	switch {
	case d > 0:
		return "long"
	case d < 0:
		return "short"
	default:
		return "flat"
	}
}
