package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry is one user-visible decision.
type LogEntry struct {
	Time    time.Time
	Level   logrus.Level
	Message string
}

// DecisionLog keeps the most recent decisions in order. It mirrors every entry
// to the component logger.
type DecisionLog struct {
	mu      sync.Mutex
	max     int
	entries []LogEntry
	total   int64
	now     func() time.Time
	log     logrus.FieldLogger
}

// NewDecisionLog creates a log holding at most max entries.
func NewDecisionLog(max int, now func() time.Time, log logrus.FieldLogger) *DecisionLog {
	if max <= 0 {
		max = 200
	}
	return &DecisionLog{max: max, now: now, log: log}
}

// Add appends one entry, dropping the oldest when full.
func (d *DecisionLog) Add(level logrus.Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.mu.Lock()
	d.entries = append(d.entries, LogEntry{Time: d.now(), Level: level, Message: msg})
	if len(d.entries) > d.max {
		d.entries = append([]LogEntry(nil), d.entries[len(d.entries)-d.max:]...)
	}
	d.total++
	d.mu.Unlock()

	switch level {
	case logrus.ErrorLevel:
		d.log.Error(msg)
	case logrus.WarnLevel:
		d.log.Warn(msg)
	default:
		d.log.Info(msg)
	}
}

// Entries returns the retained entries, oldest first.
func (d *DecisionLog) Entries() []LogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]LogEntry(nil), d.entries...)
}

// Total returns how many entries were ever added.
func (d *DecisionLog) Total() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}
