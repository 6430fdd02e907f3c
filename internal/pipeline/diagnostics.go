package pipeline

import (
	"sort"
	"sync"
	"time"

	"canonplan/internal/oracle"
	"canonplan/internal/stabilize"
	"canonplan/internal/validate"
)

const (
	PlacementOracle = "oracle"
	PlacementLocal  = "local"
)

// Counts is the item count after each stage.
type Counts struct {
	Raw        int `json:"raw"`
	Exact      int `json:"exact"`
	Fuzzy      int `json:"fuzzy"`
	Semantic   int `json:"semantic"`
	Kept       int `json:"kept"`
	Flagged    int `json:"flagged"`
	Suppressed int `json:"suppressed"`
	Candidates int `json:"candidates"`
	Placed     int `json:"placed"`
	Validated  int `json:"validated"`
	Stabilized int `json:"stabilized"`
}

// Event is one fail-open degradation.
type Event struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// Diagnostics describes a single run.
type Diagnostics struct {
	RunID      string    `json:"run_id"`
	UserID     string    `json:"user_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Counts      Counts                `json:"counts"`
	Events      []Event               `json:"events,omitempty"`
	Placement   string                `json:"placement,omitempty"`
	Oracle      oracle.Report         `json:"oracle"`
	Corrections []validate.Correction `json:"corrections,omitempty"`
	Stabilizer  stabilize.Report      `json:"stabilizer"`
	Added       int                   `json:"added"`

	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
}

func (d *Diagnostics) failOpen(stage string, err error) {
	d.Events = append(d.Events, Event{Stage: stage, Error: err.Error()})
}

// RunLog keeps the most recent runs per user, bounded in users and runs.
// When full, the user whose latest run is oldest is evicted.
type RunLog struct {
	mu       sync.RWMutex
	perUser  int
	maxUsers int
	runs     map[string][]Diagnostics
}

func NewRunLog(perUser, maxUsers int) *RunLog {
	if perUser <= 0 {
		perUser = 10
	}
	if maxUsers <= 0 {
		maxUsers = 100
	}
	return &RunLog{perUser: perUser, maxUsers: maxUsers, runs: map[string][]Diagnostics{}}
}

func (l *RunLog) Add(d Diagnostics) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.runs[d.UserID]; !ok && len(l.runs) >= l.maxUsers {
		l.evictOldest()
	}
	runs := append(l.runs[d.UserID], d)
	if len(runs) > l.perUser {
		runs = append([]Diagnostics(nil), runs[len(runs)-l.perUser:]...)
	}
	l.runs[d.UserID] = runs
}

func (l *RunLog) evictOldest() {
	var oldest string
	var at time.Time
	for user, runs := range l.runs {
		last := runs[len(runs)-1].StartedAt
		if oldest == "" || last.Before(at) {
			oldest, at = user, last
		}
	}
	delete(l.runs, oldest)
}

// Recent returns the user's runs, newest first.
func (l *RunLog) Recent(userID string) []Diagnostics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	runs := l.runs[userID]
	out := make([]Diagnostics, len(runs))
	for i, d := range runs {
		out[len(runs)-1-i] = d
	}
	return out
}

// Latest returns the user's most recent run.
func (l *RunLog) Latest(userID string) (Diagnostics, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	runs := l.runs[userID]
	if len(runs) == 0 {
		return Diagnostics{}, false
	}
	return runs[len(runs)-1], true
}

// Users lists users with recorded runs, sorted.
func (l *RunLog) Users() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.runs))
	for u := range l.runs {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
