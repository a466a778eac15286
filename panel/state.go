package panel

import (
	"fmt"
	"sync"
	"time"

	"github.com/lioil1020-JackLee/water-house/client"
	"github.com/lioil1020-JackLee/water-house/config"
)

const maxLogLines = 200

// State is the mutex-guarded view the panel renders from. The event pump in
// main applies client events to it; the TUI reads snapshots on a tick.
type State struct {
	mu        sync.Mutex
	rooms     []config.Room
	ungrouped []config.Tag
	values    map[string]client.Value
	healthy   bool
	batches   uint64
	failures  uint64
	status    string
	lines     []string
}

func NewState(rooms []config.Room, ungrouped []config.Tag) *State {
	return &State{
		rooms:     rooms,
		ungrouped: ungrouped,
		values:    make(map[string]client.Value),
		status:    "starting",
	}
}

// Apply folds one client event into the view.
func (s *State) Apply(ev client.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e := ev.(type) {
	case client.BatchEvent:
		s.batches++
		for name, v := range e.Values {
			s.values[name] = v
		}
	case client.HealthEvent:
		s.healthy = e.Up
		if e.Up {
			s.appendLine("connection restored")
		} else {
			s.appendLine("connection lost")
			// Stale values are not trustworthy while the link is down; the
			// renderer grays every lamp out via the healthy flag instead of
			// clearing them, so recovery redraws instantly.
		}
	case client.WriteFailedEvent:
		s.failures++
		s.appendLine(fmt.Sprintf("write failed: %s", e.Tag))
	case client.WriteAbandonedEvent:
		s.failures++
		s.appendLine(fmt.Sprintf("write unconfirmed, reverted: %s", e.Tag))
	}
}

// SetStatus updates the one-line status message shown in the footer pane.
func (s *State) SetStatus(msg string) {
	s.mu.Lock()
	s.status = msg
	s.mu.Unlock()
}

// Log appends a line to the recent-events pane.
func (s *State) Log(line string) {
	s.mu.Lock()
	s.appendLine(line)
	s.mu.Unlock()
}

func (s *State) appendLine(line string) {
	stamped := time.Now().Format("15:04:05") + " " + line
	s.lines = append(s.lines, stamped)
	if len(s.lines) > maxLogLines {
		s.lines = s.lines[len(s.lines)-maxLogLines:]
	}
}

// Snapshot is a consistent copy for rendering.
type Snapshot struct {
	Rooms     []config.Room
	Ungrouped []config.Tag
	Values    map[string]client.Value
	Healthy   bool
	Batches   uint64
	Failures  uint64
	Status    string
	Lines     []string
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]client.Value, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	lines := make([]string, len(s.lines))
	copy(lines, s.lines)
	return Snapshot{
		Rooms:     s.rooms,
		Ungrouped: s.ungrouped,
		Values:    values,
		Healthy:   s.healthy,
		Batches:   s.batches,
		Failures:  s.failures,
		Status:    s.status,
		Lines:     lines,
	}
}
