package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// BreakerState is the circuit breaker state
type BreakerState string

const (
	StateRunning BreakerState = "running"
	StatePaused  BreakerState = "paused"
)

// Trigger names one pause condition
type Trigger string

const (
	TriggerDrawdown          Trigger = "max_drawdown"
	TriggerConsecutiveLosses Trigger = "consecutive_losses"
	TriggerSharpe            Trigger = "sharpe_1d"
	TriggerICDrift           Trigger = "ic_drift"
	TriggerVolSpike          Trigger = "vol_spike"
	TriggerManual            Trigger = "manual"
)

// Resume condition names, reported in Status.Conditions
const (
	condMinPause = "min_pause_elapsed"
	condDrawdown = "drawdown_recovered"
	condSharpe   = "sharpe_recovered"
	condICDrift  = "ic_drift_stable"
)

// HealthMetrics are the portfolio health inputs. MaxDDToDate is signed: -0.12 is a 12%
// drawdown.
type HealthMetrics struct {
	MaxDDToDate  float64 `json:"max_dd_to_date"`
	SharpeRoll1d float64 `json:"sharpe_roll_1d"`
	ICDrift      float64 `json:"ic_drift"`
}

// MarketVol is optional market data for the volatility spike trigger
type MarketVol struct {
	CurrentVol float64 `json:"current_vol"`
	AvgVol     float64 `json:"avg_vol"`
}

// BreakerConfig holds pause floors and resume thresholds. Each resume threshold must be
// above its pause floor to leave a hysteresis band.
type BreakerConfig struct {
	MaxDrawdown    float64 `yaml:"max_drawdown"`    // pause when MaxDDToDate < this (-0.10)
	DrawdownResume float64 `yaml:"drawdown_resume"` // resume needs MaxDDToDate > this (-0.05)

	SharpeFloor  float64 `yaml:"sharpe_floor"`  // -1.0
	SharpeResume float64 `yaml:"sharpe_resume"` // 0.0

	ICDriftFloor  float64 `yaml:"ic_drift_floor"`  // -0.10
	ICDriftResume float64 `yaml:"ic_drift_resume"` // -0.02

	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"` // 5
	VolSpikeMultiplier   float64       `yaml:"vol_spike_multiplier"`   // 3.0
	MinPauseDuration     time.Duration `yaml:"min_pause_duration"`     // 30m

	EventLogPath string `yaml:"event_log_path"` // JSONL, empty disables persistence
	MaxEvents    int    `yaml:"max_events"`     // in-memory event cap (1000)
}

// DefaultBreakerConfig returns the production defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxDrawdown:          -0.10,
		DrawdownResume:       -0.05,
		SharpeFloor:          -1.0,
		SharpeResume:         0.0,
		ICDriftFloor:         -0.10,
		ICDriftResume:        -0.02,
		MaxConsecutiveLosses: 5,
		VolSpikeMultiplier:   3.0,
		MinPauseDuration:     30 * time.Minute,
		MaxEvents:            1000,
	}
}

// Validate checks the hysteresis bands
func (c BreakerConfig) Validate() error {
	if c.DrawdownResume <= c.MaxDrawdown {
		return fmt.Errorf("drawdown_resume %.4f must be above max_drawdown %.4f", c.DrawdownResume, c.MaxDrawdown)
	}
	if c.SharpeResume <= c.SharpeFloor {
		return fmt.Errorf("sharpe_resume %.4f must be above sharpe_floor %.4f", c.SharpeResume, c.SharpeFloor)
	}
	if c.ICDriftResume <= c.ICDriftFloor {
		return fmt.Errorf("ic_drift_resume %.4f must be above ic_drift_floor %.4f", c.ICDriftResume, c.ICDriftFloor)
	}
	if c.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("max_consecutive_losses must be positive")
	}
	if c.MinPauseDuration < 0 {
		return fmt.Errorf("min_pause_duration must not be negative")
	}
	return nil
}

// Option customizes a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// CircuitBreaker is the supervisory RUNNING/PAUSED layer. It pauses on ANY trigger and
// resumes only when ALL resume conditions hold. Safe for concurrent use: the per-bar loop
// and the background ticker share it.
type CircuitBreaker struct {
	mu sync.RWMutex

	cfg BreakerConfig
	now func() time.Time

	state       BreakerState
	pauseReason string
	pausedAt    time.Time
	triggers    []Trigger
	manual      bool
	conditions  map[string]bool

	consecutiveLosses   int
	lastTradeProfitable *bool
	lastHealth          *HealthMetrics

	events []Event
	log    *eventLog
}

// NewCircuitBreaker creates a running breaker. When cfg.EventLogPath is set, previously
// logged transitions are replayed so the breaker resumes in its last state.
func NewCircuitBreaker(cfg BreakerConfig, opts ...Option) *CircuitBreaker {
	d := DefaultBreakerConfig()
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = d.MaxEvents
	}
	if cfg.MaxConsecutiveLosses <= 0 {
		cfg.MaxConsecutiveLosses = d.MaxConsecutiveLosses
	}
	cb := &CircuitBreaker{
		cfg:        cfg,
		now:        time.Now,
		state:      StateRunning,
		conditions: map[string]bool{},
	}
	for _, opt := range opts {
		opt(cb)
	}

	if cfg.EventLogPath != "" {
		cb.log = &eventLog{path: cfg.EventLogPath}
		events, err := cb.log.load()
		if err != nil {
			observ.Error("circuit_breaker_event_load_failed", err, map[string]any{"path": cfg.EventLogPath})
		}
		cb.replay(events)
	}
	observ.SetGauge("circuit_breaker_paused", cb.pausedGauge(), nil)
	return cb
}

// Check evaluates health metrics. A running breaker pauses if any trigger fires; a paused
// breaker resumes if every resume condition holds. mv may be nil when no market data is
// available, which disables the volatility spike trigger.
func (cb *CircuitBreaker) Check(h HealthMetrics, mv *MarketVol) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	hc := h
	cb.lastHealth = &hc
	observ.SetGauge("health_max_dd_to_date", h.MaxDDToDate, nil)
	observ.SetGauge("health_sharpe_roll_1d", h.SharpeRoll1d, nil)
	observ.SetGauge("health_ic_drift", h.ICDrift, nil)

	switch cb.state {
	case StateRunning:
		if triggers := cb.pauseTriggers(h, mv); len(triggers) > 0 {
			cb.pause(triggers, describeTriggers(triggers, h, mv), false, &hc)
		}
	case StatePaused:
		cb.tryResume()
	}
	return cb.state
}

// Tick re-evaluates resume conditions against the last seen health metrics. The
// background ticker calls it so that the minimum pause can elapse between bars.
func (cb *CircuitBreaker) Tick() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StatePaused {
		cb.tryResume()
	}
	return cb.state
}

// Run ticks every interval until ctx is done
func (cb *CircuitBreaker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("circuit breaker tick interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cb.Tick()
		}
	}
}

// UpdateTradeResult counts consecutive losses; a win resets the streak. Reaching the
// loss limit pauses a running breaker immediately.
func (cb *CircuitBreaker) UpdateTradeResult(profitable bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	p := profitable
	cb.lastTradeProfitable = &p
	if profitable {
		cb.consecutiveLosses = 0
	} else {
		cb.consecutiveLosses++
	}
	observ.SetGauge("circuit_breaker_consecutive_losses", float64(cb.consecutiveLosses), nil)

	if cb.state == StateRunning && cb.consecutiveLosses >= cb.cfg.MaxConsecutiveLosses {
		cb.pause([]Trigger{TriggerConsecutiveLosses},
			fmt.Sprintf("%d consecutive losses (limit %d)", cb.consecutiveLosses, cb.cfg.MaxConsecutiveLosses),
			false, cb.lastHealth)
	}
}

// ForcePause pauses immediately. Manual pauses are only lifted by ForceResume.
func (cb *CircuitBreaker) ForcePause(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if reason == "" {
		reason = "manual pause"
	}
	if cb.state == StatePaused {
		cb.manual = true
		cb.pauseReason = reason
		cb.triggers = appendTrigger(cb.triggers, TriggerManual)
		cb.addEvent(Event{Type: EventForcePause, Triggers: []Trigger{TriggerManual}, Reason: reason})
		return
	}
	cb.pause([]Trigger{TriggerManual}, reason, true, cb.lastHealth)
}

// ForceResume resumes immediately regardless of resume conditions
func (cb *CircuitBreaker) ForceResume() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StatePaused {
		return
	}
	cb.resume(EventForceResume, "manual resume")
}

// Paused reports whether direction must be forced to zero
func (cb *CircuitBreaker) Paused() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StatePaused
}

// State returns the current state and pause reason
func (cb *CircuitBreaker) State() (BreakerState, string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state, cb.pauseReason
}

// Status is an inspectable view of CircuitBreakerState
type Status struct {
	State               BreakerState    `json:"state"`
	PauseReason         string          `json:"pause_reason,omitempty"`
	PausedAt            time.Time       `json:"paused_at,omitempty"`
	Triggers            []Trigger       `json:"triggers,omitempty"`
	Manual              bool            `json:"manual"`
	Conditions          map[string]bool `json:"conditions"`
	ConsecutiveLosses   int             `json:"consecutive_losses"`
	LastTradeProfitable *bool           `json:"last_trade_profitable,omitempty"`
}

// Status returns a copy of the breaker state
func (cb *CircuitBreaker) Status() Status {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	conds := make(map[string]bool, len(cb.conditions))
	for k, v := range cb.conditions {
		conds[k] = v
	}
	return Status{
		State:               cb.state,
		PauseReason:         cb.pauseReason,
		PausedAt:            cb.pausedAt,
		Triggers:            append([]Trigger(nil), cb.triggers...),
		Manual:              cb.manual,
		Conditions:          conds,
		ConsecutiveLosses:   cb.consecutiveLosses,
		LastTradeProfitable: cb.lastTradeProfitable,
	}
}

// Events returns up to n most recent events, all of them when n <= 0
func (cb *CircuitBreaker) Events(n int) []Event {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if n <= 0 || n > len(cb.events) {
		n = len(cb.events)
	}
	out := make([]Event, n)
	copy(out, cb.events[len(cb.events)-n:])
	return out
}

func (cb *CircuitBreaker) pauseTriggers(h HealthMetrics, mv *MarketVol) []Trigger {
	var triggers []Trigger
	if h.MaxDDToDate < cb.cfg.MaxDrawdown {
		triggers = append(triggers, TriggerDrawdown)
	}
	if cb.consecutiveLosses >= cb.cfg.MaxConsecutiveLosses {
		triggers = append(triggers, TriggerConsecutiveLosses)
	}
	if h.SharpeRoll1d < cb.cfg.SharpeFloor {
		triggers = append(triggers, TriggerSharpe)
	}
	if h.ICDrift < cb.cfg.ICDriftFloor {
		triggers = append(triggers, TriggerICDrift)
	}
	if mv != nil && cb.cfg.VolSpikeMultiplier > 0 && mv.AvgVol > 0 &&
		mv.CurrentVol > cb.cfg.VolSpikeMultiplier*mv.AvgVol {
		triggers = append(triggers, TriggerVolSpike)
	}
	return triggers
}

// tryResume lifts an automatic pause when every condition holds. NaN metrics never
// satisfy a condition.
func (cb *CircuitBreaker) tryResume() {
	if cb.manual {
		return
	}
	conds := map[string]bool{
		condMinPause: cb.now().Sub(cb.pausedAt) >= cb.cfg.MinPauseDuration,
	}
	if h := cb.lastHealth; h != nil {
		conds[condDrawdown] = h.MaxDDToDate > cb.cfg.DrawdownResume
		conds[condSharpe] = h.SharpeRoll1d > cb.cfg.SharpeResume
		conds[condICDrift] = h.ICDrift > cb.cfg.ICDriftResume
	} else {
		conds[condDrawdown], conds[condSharpe], conds[condICDrift] = false, false, false
	}
	cb.conditions = conds

	for _, ok := range conds {
		if !ok {
			return
		}
	}
	cb.resume(EventResume, "all resume conditions met")
}

func (cb *CircuitBreaker) pause(triggers []Trigger, reason string, manual bool, h *HealthMetrics) {
	at := cb.now()
	cb.state = StatePaused
	cb.pauseReason = reason
	cb.pausedAt = at
	cb.triggers = triggers
	cb.manual = manual
	cb.conditions = map[string]bool{}

	typ := EventPause
	if manual {
		typ = EventForcePause
	}
	ev := Event{Type: typ, Triggers: triggers, Reason: reason}
	if h != nil {
		hc := *h
		ev.Metrics = &hc
	}
	cb.addEvent(ev)

	observ.Warn("circuit_breaker_paused", map[string]any{
		"reason":   reason,
		"triggers": triggerNames(triggers),
		"manual":   manual,
	})
	for _, t := range triggers {
		observ.IncCounter("circuit_breaker_pauses_total", map[string]string{"trigger": string(t)})
	}
	observ.SetGauge("circuit_breaker_paused", 1, nil)
}

func (cb *CircuitBreaker) resume(typ, reason string) {
	paused := cb.now().Sub(cb.pausedAt)
	ev := Event{Type: typ, Triggers: cb.triggers, Reason: reason, PauseDuration: paused}
	if cb.lastHealth != nil {
		hc := *cb.lastHealth
		ev.Metrics = &hc
	}

	cb.state = StateRunning
	cb.pauseReason = ""
	cb.triggers = nil
	cb.manual = false
	// the streak that caused the pause is not held against the resumed session
	cb.consecutiveLosses = 0
	cb.addEvent(ev)

	observ.Log("circuit_breaker_resumed", map[string]any{
		"reason":         reason,
		"pause_duration": paused.String(),
	})
	observ.Observe("circuit_breaker_pause_duration_seconds", paused.Seconds(), nil)
	observ.SetGauge("circuit_breaker_paused", 0, nil)
}

func (cb *CircuitBreaker) pausedGauge() float64 {
	if cb.state == StatePaused {
		return 1
	}
	return 0
}

func describeTriggers(triggers []Trigger, h HealthMetrics, mv *MarketVol) string {
	parts := make([]string, 0, len(triggers))
	for _, t := range triggers {
		switch t {
		case TriggerDrawdown:
			parts = append(parts, fmt.Sprintf("max drawdown %.2f%%", h.MaxDDToDate*100))
		case TriggerSharpe:
			parts = append(parts, fmt.Sprintf("1d sharpe %.2f", h.SharpeRoll1d))
		case TriggerICDrift:
			parts = append(parts, fmt.Sprintf("ic drift %.3f", h.ICDrift))
		case TriggerVolSpike:
			parts = append(parts, fmt.Sprintf("vol %.4f vs avg %.4f", mv.CurrentVol, mv.AvgVol))
		default:
			parts = append(parts, string(t))
		}
	}
	return strings.Join(parts, "; ")
}

func triggerNames(triggers []Trigger) []string {
	out := make([]string, len(triggers))
	for i, t := range triggers {
		out[i] = string(t)
	}
	sort.Strings(out)
	return out
}

func appendTrigger(ts []Trigger, t Trigger) []Trigger {
	for _, x := range ts {
		if x == t {
			return ts
		}
	}
	return append(ts, t)
}

// BreakerSnapshot is the persisted CircuitBreakerState
type BreakerSnapshot struct {
	State               BreakerState   `json:"state"`
	PauseReason         string         `json:"pause_reason,omitempty"`
	PausedAt            time.Time      `json:"paused_at"`
	Triggers            []Trigger      `json:"triggers,omitempty"`
	Manual              bool           `json:"manual"`
	ConsecutiveLosses   int            `json:"consecutive_losses"`
	LastTradeProfitable *bool          `json:"last_trade_profitable,omitempty"`
	LastHealth          *HealthMetrics `json:"last_health,omitempty"`
}

// Snapshot captures the breaker state
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return BreakerSnapshot{
		State:               cb.state,
		PauseReason:         cb.pauseReason,
		PausedAt:            cb.pausedAt,
		Triggers:            append([]Trigger(nil), cb.triggers...),
		Manual:              cb.manual,
		ConsecutiveLosses:   cb.consecutiveLosses,
		LastTradeProfitable: cb.lastTradeProfitable,
		LastHealth:          cb.lastHealth,
	}
}

// Config returns the breaker configuration
func (cb *CircuitBreaker) Config() BreakerConfig { return cb.cfg }

// Restore applies a snapshot. Unknown states and negative counters are rejected and
// leave the breaker unchanged.
func (cb *CircuitBreaker) Restore(s BreakerSnapshot) error {
	if s.State != StateRunning && s.State != StatePaused {
		return fmt.Errorf("unknown circuit breaker state %q", s.State)
	}
	if s.ConsecutiveLosses < 0 {
		return fmt.Errorf("negative consecutive loss count %d", s.ConsecutiveLosses)
	}
	if h := s.LastHealth; h != nil && (math.IsInf(h.MaxDDToDate, 0) || math.IsInf(h.SharpeRoll1d, 0)) {
		s.LastHealth = nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = s.State
	cb.pauseReason = s.PauseReason
	cb.pausedAt = s.PausedAt
	cb.triggers = append([]Trigger(nil), s.Triggers...)
	cb.manual = s.Manual
	cb.consecutiveLosses = s.ConsecutiveLosses
	cb.lastTradeProfitable = s.LastTradeProfitable
	cb.lastHealth = s.LastHealth
	cb.conditions = map[string]bool{}
	observ.SetGauge("circuit_breaker_paused", cb.pausedGauge(), nil)
	return nil
}
