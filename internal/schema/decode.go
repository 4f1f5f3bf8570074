package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEvent is returned when a payload is not a JSON object.
var ErrMalformedEvent = errors.New("malformed event")

// ParseEnvelope accepts either a full envelope ({"id", "event", ...}) or a
// bare JSON event object, which is wrapped in a new envelope. Missing
// envelope fields are filled in.
func ParseEnvelope(data []byte, source string) (*Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if _, ok := probe["event"]; ok {
		var env Envelope
		if err := json.Unmarshal(data, &env); err == nil && env.Event != nil {
			if env.ID == uuid.Nil {
				env.ID = uuid.New()
			}
			if env.ReceivedAt.IsZero() {
				env.ReceivedAt = time.Now().UTC()
			}
			if env.Source == "" {
				env.Source = source
			}
			return &env, nil
		}
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(event) == 0 {
		return nil, fmt.Errorf("%w: empty event", ErrMalformedEvent)
	}
	return NewEnvelope(source, event), nil
}
