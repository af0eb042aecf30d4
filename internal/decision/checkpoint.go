package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Rajchodisetti/flowcore/internal/bandit"
	"github.com/Rajchodisetti/flowcore/internal/observ"
	"github.com/Rajchodisetti/flowcore/internal/persist"
	"github.com/Rajchodisetti/flowcore/internal/risk"
)

// engineState is the per-bar bookkeeping that lives outside the components
type engineState struct {
	Bars       int     `json:"bars"`
	EntryBar   int     `json:"entry_bar"`
	LastArm    string  `json:"last_arm,omitempty"`
	ArmPending bool    `json:"arm_pending"`
	Settled    bool    `json:"settled"`
	LastPred   float64 `json:"last_pred"`
	HavePred   bool    `json:"have_pred"`
}

func (e *Engine) key(component string) string {
	return e.cfg.Symbol + "." + component
}

// Checkpoint saves the engine state when the checkpoint limiter allows it. A nil store
// makes it a no-op.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.store == nil || !e.limiter.Allow() {
		return nil
	}
	return e.Flush(ctx)
}

// Flush saves every component unconditionally. Each component is its own key so a bad
// write only costs that component on restore.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var lastArm string
	if e.armPending {
		lastArm = e.lastArm.String()
	}
	parts := []struct {
		name  string
		value any
	}{
		{"bandit", e.bandit.Snapshot()},
		{"sizer", e.sizer.Snapshot()},
		{"breaker", e.breaker.Snapshot()},
		{"engine", engineState{
			Bars:       e.bars,
			EntryBar:   e.entryBar,
			LastArm:    lastArm,
			ArmPending: e.armPending,
			Settled:    e.settled,
			LastPred:   e.lastPred,
			HavePred:   e.havePred,
		}},
	}

	var errs []error
	for _, p := range parts {
		b, err := json.Marshal(p.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", p.name, err))
			continue
		}
		if err := e.store.Save(ctx, e.key(p.name), b); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		observ.IncCounter("checkpoint_failures_total", nil)
		return errors.Join(errs...)
	}
	observ.IncCounter("checkpoints_total", nil)
	return nil
}

// Restore warm-starts every component from the store. A missing, unreadable or
// mismatched snapshot leaves that component fresh; it never fails the engine. It returns
// the names of the components that were restored.
func (e *Engine) Restore(ctx context.Context) []string {
	if e.store == nil {
		return nil
	}
	var restored []string

	var bs bandit.Snapshot
	if e.load(ctx, "bandit", &bs) {
		b, err := bandit.Restore(bs, e.cfg.Bandit, newRand(e.cfg.Seed))
		if err != nil {
			observ.Warn("restore_fallback", map[string]any{"component": "bandit", "error": err.Error()})
		} else {
			restored = append(restored, "bandit")
		}
		e.bandit = b
	}

	var ss risk.SizerSnapshot
	if e.load(ctx, "sizer", &ss) {
		e.sizer = risk.RestoreSizer(e.cfg.Sizer, ss)
		restored = append(restored, "sizer")
	}

	var cs risk.BreakerSnapshot
	if e.load(ctx, "breaker", &cs) {
		if err := e.breaker.Restore(cs); err != nil {
			observ.Warn("restore_fallback", map[string]any{"component": "breaker", "error": err.Error()})
		} else {
			restored = append(restored, "breaker")
		}
	}

	var es engineState
	if e.load(ctx, "engine", &es) {
		e.bars, e.entryBar = es.Bars, es.EntryBar
		e.lastPred, e.havePred = es.LastPred, es.HavePred
		e.settled = es.Settled
		e.armPending = false
		if es.ArmPending {
			if arm, err := bandit.ParseArm(es.LastArm); err == nil {
				e.lastArm, e.armPending = arm, true
			}
		}
		restored = append(restored, "engine")
	}

	observ.Log("engine_restored", map[string]any{
		"symbol":     e.cfg.Symbol,
		"components": restored,
	})
	return restored
}

func (e *Engine) load(ctx context.Context, component string, into any) bool {
	b, err := e.store.Load(ctx, e.key(component))
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			observ.Log("restore_no_snapshot", map[string]any{"component": component})
		} else {
			observ.Error("restore_load_failed", err, map[string]any{"component": component})
		}
		return false
	}
	if err := json.Unmarshal(b, into); err != nil {
		observ.Warn("restore_fallback", map[string]any{"component": component, "error": err.Error()})
		return false
	}
	return true
}
