// Package debuglog records a structured entry for every operator action and
// engine observation. Emitting is best-effort: it never blocks and never
// fails the operation being recorded.
package debuglog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Source says who initiated the recorded operation.
type Source string

const (
	SourceClient   Source = "client"   // operator-initiated
	SourceServer   Source = "server"   // engine-observed
	SourceInternal Source = "internal" // orchestration bookkeeping
)

// Entry is one debug record.
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Source      Source    `json:"source"`
	Label       string    `json:"label"`
	Payload     any       `json:"payload,omitempty"`
}

// NewEntry stamps an entry with a fresh ID and the current time.
func NewEntry(workspaceID string, source Source, label string, payload any) Entry {
	return Entry{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		WorkspaceID: workspaceID,
		Source:      source,
		Label:       label,
		Payload:     payload,
	}
}

// PayloadJSON renders the payload, or "" when it cannot be encoded.
func (e Entry) PayloadJSON() string {
	if e.Payload == nil {
		return ""
	}
	if raw, ok := e.Payload.(json.RawMessage); ok {
		return string(raw)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// Sink receives debug entries.
type Sink interface {
	Emit(Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Emit(Entry) {}

// Recorder keeps entries in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Emit(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Labels returns the recorded labels of the given source, in order.
func (r *Recorder) Labels(source Source) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		if e.Source == source {
			out = append(out, e.Label)
		}
	}
	return out
}

// LogSink writes entries to a zerolog logger at debug level.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Emit(e Entry) {
	s.Logger.Debug().
		Str("id", e.ID).
		Str("workspace", e.WorkspaceID).
		Str("source", string(e.Source)).
		Str("payload", e.PayloadJSON()).
		Time("at", e.Timestamp).
		Msg(e.Label)
}

type multi []Sink

func (m multi) Emit(e Entry) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans entries out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}
