package models

type Message struct {
	Thread string `json:"thread"`
	// Seq is the per-thread message id; strictly increasing, never reused.
	Seq       uint64 `json:"seq"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	CreatedTS int64  `json:"created_ts"`
	// Ref is the optional client supplied reference echoed back in acks.
	Ref string `json:"ref,omitempty"`
}

// ReadState is the per (reader, thread) unread/read-receipt record.
type ReadState struct {
	Reader string `json:"reader" cbor:"1,keyasint"`
	Thread string `json:"thread" cbor:"2,keyasint"`
	// LastReadSeq never moves backward.
	LastReadSeq uint64 `json:"last_read_seq" cbor:"3,keyasint"`
	Unread      uint64 `json:"unread" cbor:"4,keyasint"`
	// CountedSeq is the newest seq already added to Unread, so replays of the
	// same message never count twice.
	CountedSeq uint64 `json:"-" cbor:"5,keyasint"`
	UpdatedTS  int64  `json:"updated_ts" cbor:"6,keyasint"`
}
