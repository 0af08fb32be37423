// Package wsmarshaller defines the JSON envelope every WebSocket frame
// travels in, both directions.
package wsmarshaller

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

// WSEvent is the wire envelope. Event discriminates the payload; ID and
// SentAt exist for client-side logging and ordering diagnostics.
type WSEvent struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	SentAt  int64           `json:"sent_at,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalOutbound wraps an engine event for transmission.
func MarshalOutbound(ev model.Outbound) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("ws marshaller: payload for %q: %w", ev.Event, err)
	}
	return json.Marshal(&WSEvent{
		Event:   ev.Event,
		ID:      uuid.NewString(),
		SentAt:  ev.SentAt,
		Payload: payload,
	})
}

// UnmarshalInbound decodes a client frame into its envelope. The payload
// stays raw; the engine decodes it per event type.
func UnmarshalInbound(data []byte) (WSEvent, error) {
	var ev WSEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return WSEvent{}, fmt.Errorf("ws marshaller: bad frame: %w", err)
	}
	if ev.Event == "" {
		return WSEvent{}, fmt.Errorf("ws marshaller: frame without event")
	}
	return ev, nil
}
