package health

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// MarshalText renders the level name in JSON reports.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

type Status struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Component is a named status entry as reported on the health endpoint.
type Component struct {
	Name string `json:"name"`
	Status
}

// Tracker maintains a thread-safe collection of component health statuses.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]Status), now: func() time.Time { return time.Now().UTC() }}
}

func (t *Tracker) Set(name string, status Status) {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = t.now()
	}
	t.mu.Lock()
	t.statuses[name] = status
	t.mu.Unlock()
}

func (t *Tracker) Setf(name string, level Level, format string, args ...any) {
	t.Set(name, Status{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (t *Tracker) Status(name string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[name]
	return s, ok
}

func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

// Components returns the snapshot sorted by name.
func (t *Tracker) Components() []Component {
	snap := t.Snapshot()
	out := make([]Component, 0, len(snap))
	for name, st := range snap {
		out = append(out, Component{Name: name, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tracker) Overall() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := LevelOK
	for _, st := range t.statuses {
		if st.Level > worst {
			worst = st.Level
		}
	}
	return worst
}

// Ready reports whether every required component exists and is at LevelOK.
func (t *Tracker) Ready(required ...string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, name := range required {
		st, exists := t.statuses[name]
		if !exists || st.Level > LevelOK {
			return false
		}
	}
	return true
}
