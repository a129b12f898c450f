// Package workunit collects structured start/finish events emitted during
// graph execution. The sink is an observability side channel polled by the
// client for progress rendering; it never affects scheduling.
package workunit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level mirrors log levels for workunit filtering.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Workunit is one structured span.
type Workunit struct {
	SpanID   string
	Name     string
	Desc     string
	Level    Level
	Metadata map[string]any
	Started  time.Time
	Finished time.Time
}

// Sink accumulates workunits for one session. Poll drains events observed
// since the previous poll, split into newly started and newly completed.
type Sink struct {
	mu        sync.Mutex
	started   []Workunit
	completed []Workunit
	open      map[string]Workunit
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{open: make(map[string]Workunit)}
}

// Start opens a new span and returns its ID.
func (s *Sink) Start(name, desc string, level Level, metadata map[string]any) string {
	wu := Workunit{
		SpanID:   uuid.NewString(),
		Name:     name,
		Desc:     desc,
		Level:    level,
		Metadata: metadata,
		Started:  time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, wu)
	s.open[wu.SpanID] = wu
	return wu.SpanID
}

// Complete closes the span with the given ID. Unknown IDs are ignored.
func (s *Sink) Complete(spanID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wu, ok := s.open[spanID]
	if !ok {
		return
	}
	delete(s.open, spanID)
	wu.Finished = time.Now()
	s.completed = append(s.completed, wu)
}

// Poll returns and clears the started/completed events accumulated since the
// previous poll.
func (s *Sink) Poll() (started, completed []Workunit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	started, s.started = s.started, nil
	completed, s.completed = s.completed, nil
	return started, completed
}
