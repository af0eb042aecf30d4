package risk

import (
	"context"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func nan() float64 { return math.NaN() }

func newTestBreaker(c *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(DefaultBreakerConfig(), WithClock(c.Now))
}

var healthy = HealthMetrics{MaxDDToDate: -0.01, SharpeRoll1d: 1.2, ICDrift: 0.01}

func TestCircuitBreakerPauseTriggers(t *testing.T) {
	testCases := []struct {
		name    string
		health  HealthMetrics
		vol     *MarketVol
		paused  bool
		trigger Trigger
	}{
		{name: "healthy", health: healthy, paused: false},
		{name: "max_drawdown", health: HealthMetrics{MaxDDToDate: -0.15, SharpeRoll1d: 1, ICDrift: 0}, paused: true, trigger: TriggerDrawdown},
		{name: "sharpe_floor", health: HealthMetrics{MaxDDToDate: -0.01, SharpeRoll1d: -1.5, ICDrift: 0}, paused: true, trigger: TriggerSharpe},
		{name: "ic_drift", health: HealthMetrics{MaxDDToDate: -0.01, SharpeRoll1d: 1, ICDrift: -0.2}, paused: true, trigger: TriggerICDrift},
		{name: "vol_spike", health: healthy, vol: &MarketVol{CurrentVol: 4, AvgVol: 1}, paused: true, trigger: TriggerVolSpike},
		{name: "vol_elevated_below_multiplier", health: healthy, vol: &MarketVol{CurrentVol: 2.5, AvgVol: 1}, paused: false},
		{name: "nan_metrics_do_not_trip", health: HealthMetrics{MaxDDToDate: nan(), SharpeRoll1d: nan(), ICDrift: nan()}, paused: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cb := newTestBreaker(newFakeClock())
			state := cb.Check(tc.health, tc.vol)

			if got := state == StatePaused; got != tc.paused {
				t.Fatalf("paused = %v, want %v", got, tc.paused)
			}
			if !tc.paused {
				return
			}
			status := cb.Status()
			if len(status.Triggers) != 1 || status.Triggers[0] != tc.trigger {
				t.Errorf("triggers = %v, want [%s]", status.Triggers, tc.trigger)
			}
			if status.PauseReason == "" {
				t.Error("pause reason must be recorded")
			}
			events := cb.Events(0)
			if len(events) != 1 || events[0].Type != EventPause {
				t.Fatalf("expected one pause event, got %+v", events)
			}
			if events[0].ID == "" || events[0].Timestamp.IsZero() {
				t.Errorf("event missing id or timestamp: %+v", events[0])
			}
		})
	}
}

func TestCircuitBreakerMultipleTriggers(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	cb.Check(HealthMetrics{MaxDDToDate: -0.2, SharpeRoll1d: -3, ICDrift: -0.5}, nil)

	if got := len(cb.Status().Triggers); got != 3 {
		t.Errorf("expected 3 triggers, got %d", got)
	}
}

func TestCircuitBreakerConsecutiveLosses(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	for i := 0; i < 4; i++ {
		cb.UpdateTradeResult(false)
	}
	cb.UpdateTradeResult(true)
	if cb.Paused() {
		t.Fatal("a win must reset the loss streak")
	}
	if got := cb.Status().ConsecutiveLosses; got != 0 {
		t.Fatalf("consecutive losses after win = %d", got)
	}

	for i := 0; i < 5; i++ {
		cb.UpdateTradeResult(false)
	}
	if !cb.Paused() {
		t.Fatal("5 consecutive losses must pause")
	}
	if trig := cb.Status().Triggers; len(trig) != 1 || trig[0] != TriggerConsecutiveLosses {
		t.Errorf("triggers = %v", trig)
	}
}

func TestCircuitBreakerResumeRequiresAllConditions(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	cb.Check(HealthMetrics{MaxDDToDate: -0.15, SharpeRoll1d: -2, ICDrift: -0.3}, nil)
	if !cb.Paused() {
		t.Fatal("expected pause")
	}

	steps := []struct {
		name    string
		advance time.Duration
		health  HealthMetrics
		paused  bool
	}{
		{name: "all_recovered_but_too_soon", advance: 10 * time.Minute, health: healthy, paused: true},
		{name: "drawdown_not_recovered", advance: 25 * time.Minute, health: HealthMetrics{MaxDDToDate: -0.07, SharpeRoll1d: 1, ICDrift: 0}, paused: true},
		{name: "sharpe_not_recovered", health: HealthMetrics{MaxDDToDate: -0.01, SharpeRoll1d: -0.5, ICDrift: 0}, paused: true},
		{name: "ic_drift_not_stable", health: HealthMetrics{MaxDDToDate: -0.01, SharpeRoll1d: 1, ICDrift: -0.05}, paused: true},
		{name: "all_conditions_met", health: healthy, paused: false},
	}
	for _, step := range steps {
		clock.Advance(step.advance)
		cb.Check(step.health, nil)
		if got := cb.Paused(); got != step.paused {
			t.Fatalf("%s: paused = %v, want %v (conditions %v)", step.name, got, step.paused, cb.Status().Conditions)
		}
	}

	events := cb.Events(1)
	if len(events) != 1 || events[0].Type != EventResume {
		t.Fatalf("expected resume event, got %+v", events)
	}
	if events[0].PauseDuration != 35*time.Minute {
		t.Errorf("pause duration = %s, want 35m", events[0].PauseDuration)
	}
	if len(events[0].Triggers) != 3 {
		t.Errorf("resume event should carry the original triggers, got %v", events[0].Triggers)
	}
}

func TestCircuitBreakerManualOverride(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	cb.ForcePause("operator: exchange maintenance")
	if !cb.Paused() {
		t.Fatal("force pause must pause")
	}

	clock.Advance(2 * time.Hour)
	cb.Check(healthy, nil)
	cb.Tick()
	if !cb.Paused() {
		t.Fatal("manual pause must not auto-resume")
	}

	cb.ForceResume()
	if cb.Paused() {
		t.Fatal("force resume must resume")
	}

	events := cb.Events(0)
	if events[0].Type != EventForcePause || events[len(events)-1].Type != EventForceResume {
		t.Errorf("unexpected event sequence: %+v", events)
	}
}

func TestCircuitBreakerForceResumeBypassesConditions(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	cb.Check(HealthMetrics{MaxDDToDate: -0.5, SharpeRoll1d: -5, ICDrift: -1}, nil)
	cb.ForceResume()
	if cb.Paused() {
		t.Fatal("force resume must bypass resume conditions")
	}
}

func TestCircuitBreakerRunResumesInBackground(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	cb.Check(HealthMetrics{MaxDDToDate: -0.15, SharpeRoll1d: 1, ICDrift: 0}, nil)
	cb.Check(healthy, nil) // still inside the minimum pause
	if !cb.Paused() {
		t.Fatal("expected pause")
	}
	clock.Advance(31 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cb.Run(ctx, time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for cb.Paused() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v", err)
	}
	if cb.Paused() {
		t.Fatal("background ticker should have resumed the breaker")
	}
}

func TestCircuitBreakerRunRejectsBadInterval(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	if err := cb.Run(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestCircuitBreakerEventLogReplay(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultBreakerConfig()
	cfg.EventLogPath = filepath.Join(t.TempDir(), "events", "breaker.jsonl")

	cb := NewCircuitBreaker(cfg, WithClock(clock.Now))
	cb.Check(HealthMetrics{MaxDDToDate: -0.2, SharpeRoll1d: 0.5, ICDrift: 0}, nil)
	cb.ForcePause("investigating")

	restarted := NewCircuitBreaker(cfg, WithClock(clock.Now))
	if !restarted.Paused() {
		t.Fatal("replayed breaker must be paused")
	}
	status := restarted.Status()
	if !status.Manual {
		t.Error("manual flag must survive replay")
	}
	if got := len(restarted.Events(0)); got != 2 {
		t.Errorf("replayed %d events, want 2", got)
	}

	restarted.ForceResume()
	again := NewCircuitBreaker(cfg, WithClock(clock.Now))
	if again.Paused() {
		t.Fatal("resume must be replayed too")
	}
}

func TestCircuitBreakerSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	cb.UpdateTradeResult(false)
	cb.UpdateTradeResult(false)
	cb.Check(HealthMetrics{MaxDDToDate: -0.11, SharpeRoll1d: 0.2, ICDrift: 0}, nil)

	snap := cb.Snapshot()
	restored := newTestBreaker(clock)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.Paused() {
		t.Fatal("restored breaker must be paused")
	}
	if got := restored.Status().ConsecutiveLosses; got != 2 {
		t.Errorf("consecutive losses = %d, want 2", got)
	}

	if err := restored.Restore(BreakerSnapshot{State: "exploded"}); err == nil {
		t.Error("expected error for unknown state")
	}
	if !restored.Paused() {
		t.Error("failed restore must leave state unchanged")
	}
}

func TestBreakerConfigValidate(t *testing.T) {
	if err := DefaultBreakerConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	cfg := DefaultBreakerConfig()
	cfg.DrawdownResume = -0.2
	if err := cfg.Validate(); err == nil {
		t.Error("resume below pause floor must be rejected")
	}
}
