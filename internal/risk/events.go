package risk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// Event types
const (
	EventPause       = "pause"
	EventResume      = "resume"
	EventForcePause  = "force_pause"
	EventForceResume = "force_resume"
)

// Event records one circuit breaker transition
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          string         `json:"type"`
	Triggers      []Trigger      `json:"triggers,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	PauseDuration time.Duration  `json:"pause_duration,omitempty"` // resumes only
	Metrics       *HealthMetrics `json:"metrics,omitempty"`
}

// addEvent stamps, keeps and persists an event. Persistence failures are logged and
// counted; they never block the transition.
func (cb *CircuitBreaker) addEvent(ev Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = cb.now()

	cb.events = append(cb.events, ev)
	if over := len(cb.events) - cb.cfg.MaxEvents; over > 0 {
		cb.events = append(cb.events[:0:0], cb.events[over:]...)
	}

	if cb.log != nil {
		if err := cb.log.append(ev); err != nil {
			observ.Error("circuit_breaker_event_persist_failed", err, map[string]any{"event_type": ev.Type})
			observ.IncCounter("circuit_breaker_persist_errors_total", map[string]string{"event_type": ev.Type})
		}
	}
	observ.IncCounter("circuit_breaker_events_total", map[string]string{"event_type": ev.Type})
}

// replay rebuilds pause state from logged events. Only the last transition matters;
// the consecutive loss streak is not event-sourced and restarts at zero.
func (cb *CircuitBreaker) replay(events []Event) {
	if len(events) == 0 {
		return
	}
	if over := len(events) - cb.cfg.MaxEvents; over > 0 {
		events = events[over:]
	}
	cb.events = events

	for _, ev := range events {
		switch ev.Type {
		case EventPause, EventForcePause:
			if cb.state == StatePaused && ev.Type == EventForcePause {
				cb.manual = true
				cb.pauseReason = ev.Reason
				cb.triggers = appendTrigger(cb.triggers, TriggerManual)
				continue
			}
			cb.state = StatePaused
			cb.pausedAt = ev.Timestamp
			cb.pauseReason = ev.Reason
			cb.triggers = append([]Trigger(nil), ev.Triggers...)
			cb.manual = ev.Type == EventForcePause
			if ev.Metrics != nil {
				m := *ev.Metrics
				cb.lastHealth = &m
			}
		case EventResume, EventForceResume:
			cb.state = StateRunning
			cb.pausedAt = time.Time{}
			cb.pauseReason = ""
			cb.triggers = nil
			cb.manual = false
		default:
			observ.IncCounter("circuit_breaker_replay_errors_total", map[string]string{"event_type": ev.Type})
		}
	}

	observ.Log("circuit_breaker_replayed", map[string]any{
		"events": len(events),
		"state":  string(cb.state),
	})
}

// eventLog is an append-only JSONL file
type eventLog struct {
	path string
}

func (l *eventLog) append(ev Event) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create event log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// load reads every well-formed event. A missing file is not an error; malformed lines
// are skipped and counted.
func (l *eventLog) load() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			observ.IncCounter("circuit_breaker_parse_errors_total", nil)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}
