// Package schema defines the data contracts exchanged by the response engine.
// Raw events are loosely structured; only the envelope around them is fixed.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a raw security event as supplied by the caller.
// Its shape is not contractually fixed.
type Event map[string]any

// Text returns the serialized form of the event used for keyword and
// pattern searches. Map keys are emitted in sorted order so the output is
// deterministic for a given event.
func (e Event) Text() string {
	if e == nil {
		return ""
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(e))
	}
	return string(data)
}

// Clone returns a shallow copy of the event.
func (e Event) Clone() Event {
	if e == nil {
		return nil
	}
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Envelope wraps a raw event on its way into the engine.
type Envelope struct {
	ID         uuid.UUID       `json:"id" validate:"required"`
	Source     string          `json:"source,omitempty" validate:"max=256"`
	ReceivedAt time.Time       `json:"received_at"`
	Event      Event           `json:"event" validate:"required,min=1"`
	Assessment *RiskAssessment `json:"assessment,omitempty"`
}

// NewEnvelope wraps an event with a fresh ID and receive timestamp.
func NewEnvelope(source string, event Event) *Envelope {
	return &Envelope{
		ID:         uuid.New(),
		Source:     source,
		ReceivedAt: time.Now().UTC(),
		Event:      event,
	}
}
