package outbox

import (
	"encoding/json"
	"time"
)

const CurrentEnvelopeVersion = 1

// ActorRef says what caused an event.
type ActorRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

var (
	ActorSystem  = &ActorRef{Kind: "system"}
	ActorGateway = &ActorRef{Kind: "gateway"}
)

// PayloadEnvelope is the JSON stored in outbox_events.payload and published
// unchanged as the message body.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
