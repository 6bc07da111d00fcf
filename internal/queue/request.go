package queue

import "github.com/google/uuid"

// Request is an event frozen for delivery. Two requests are the same entry
// when their IDs match; the payload plays no part in identity.
type Request struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

// NewRequest wraps a serialized event with a fresh request id. The id is
// unrelated to the event's own event_id.
func NewRequest(payload []byte) Request {
	return Request{
		ID:      uuid.NewString(),
		Payload: string(payload),
	}
}
