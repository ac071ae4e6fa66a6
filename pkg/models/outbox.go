package models

// OutboxEntry is an SMS that could not be handed to the provider and waits
// for the outbox runner.
type OutboxEntry struct {
	ID            string           `json:"id" cbor:"1,keyasint"`
	Recipient     string           `json:"recipient" cbor:"2,keyasint"`
	Phone         string           `json:"phone" cbor:"3,keyasint"`
	Type          NotificationType `json:"type" cbor:"4,keyasint"`
	Text          string           `json:"text" cbor:"5,keyasint"`
	Attempts      int              `json:"attempts" cbor:"6,keyasint"`
	NextAttemptTS int64            `json:"next_attempt_ts" cbor:"7,keyasint"`
	CreatedTS     int64            `json:"created_ts" cbor:"8,keyasint"`
	LastError     string           `json:"last_error,omitempty" cbor:"9,keyasint,omitempty"`
}
