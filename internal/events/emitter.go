// Package events keeps a bounded, structured record of run and session
// lifecycle events and mirrors each one to the process logger.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var buffer = NewRingBuffer(256)

// Sink persists events outside the process. The postgres client satisfies it.
type Sink interface {
	Append(ts time.Time, level, event, msg string, fields map[string]interface{}, runID string) error
}

var (
	sink            Sink
	sinkMu          sync.RWMutex
	sinkErrorLogged bool
)

// SetSink sets the sink used for event persistence. nil disables it.
func SetSink(s Sink) {
	sinkMu.Lock()
	sink = s
	sinkErrorLogged = false
	sinkMu.Unlock()
}

type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	buffer.Add(e)
	logEvent(e)

	sinkMu.RLock()
	s := sink
	errorLogged := sinkErrorLogged
	sinkMu.RUnlock()

	if s != nil {
		if err := s.Append(ts, level, name, msg, fields, runID(fields)); err != nil && !errorLogged {
			sinkMu.Lock()
			if !sinkErrorLogged {
				sinkErrorLogged = true
				sinkMu.Unlock()
				// Straight to the buffer: going through Emit would recurse
				// while the sink keeps failing.
				errEvent := Event{
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
					Level:     "error",
					Name:      "system.error",
					Message:   "event sink append failed",
					Fields: map[string]interface{}{
						"error": err.Error(),
					},
				}
				buffer.Add(errEvent)
				logEvent(errEvent)
			} else {
				sinkMu.Unlock()
			}
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return b, nil
}

func runID(fields map[string]interface{}) string {
	if id, ok := fields["channel_id"].(string); ok {
		return id
	}
	return ""
}

func logEvent(e Event) {
	lvl, err := zerolog.ParseLevel(e.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	ev := log.WithLevel(lvl).Str("event", e.Name)
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg(e.Message)
}

func Snapshot() []Event {
	return buffer.Snapshot()
}

// RecentEvents returns the last n events from the ring buffer.
// If n is greater than available events, returns all available.
func RecentEvents(n int) []Event {
	all := buffer.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// TotalCount is the number of events emitted since startup.
func TotalCount() uint64 {
	return buffer.Total()
}

// Clear resets the event buffer. Used for testing.
func Clear() {
	buffer.Clear()
}
