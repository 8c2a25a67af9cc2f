package trace

import "time"

// Level controls the verbosity of event tracing.
type Level string

const (
	// LevelNone disables tracing (zero overhead).
	LevelNone Level = "none"
	// LevelEvents captures all model-invocation boundary events.
	LevelEvents Level = "events"
)

// validLevels maps accepted trace level strings.
var validLevels = map[Level]bool{
	LevelNone:   true,
	LevelEvents: true,
	"":          true, // empty defaults to none
}

// IsValidLevel returns true if the given level string is a recognized
// trace level.
func IsValidLevel(level string) bool {
	return validLevels[Level(level)]
}

// Event is one recorded boundary event, tagged with the request ids in
// the batch it applies to.
type Event struct {
	RequestIDs []string
	Label      string
	Nanos      int64
}

// Recorder collects boundary events around model invocations (embedding,
// decode, prefill). A nil *Recorder is valid and records nothing, so
// callers can thread an optional recorder without nil checks.
type Recorder struct {
	level  Level
	Events []Event
	now    func() time.Time
}

// NewRecorder creates a Recorder at the given level.
func NewRecorder(level Level) *Recorder {
	return &Recorder{
		level:  level,
		Events: make([]Event, 0),
		now:    time.Now,
	}
}

// RecordEvent appends a labeled event for the given request ids.
// No-op on a nil receiver or when tracing is disabled.
func (r *Recorder) RecordEvent(requestIDs []string, label string) {
	if r == nil || r.level != LevelEvents {
		return
	}
	ids := make([]string, len(requestIDs))
	copy(ids, requestIDs)
	r.Events = append(r.Events, Event{
		RequestIDs: ids,
		Label:      label,
		Nanos:      r.now().UnixNano(),
	})
}

// Labels returns the recorded labels in order. Mostly a test helper.
func (r *Recorder) Labels() []string {
	if r == nil {
		return nil
	}
	labels := make([]string, len(r.Events))
	for i, ev := range r.Events {
		labels[i] = ev.Label
	}
	return labels
}
