package keys

const (
	// notation dictionary for key formats:
	// t   = thread
	// m   = message
	// u   = user (identity)
	// rs  = read state
	// rel = relationship marker
	// ob  = outbox
	// All keys are lowercase; segments are separated by ":"
	// <...> = variable segment (e.g. <thread_id>, <seq>)

	// primary storage key formats
	ThreadKey  = "t:%s"      // t:<thread_id>
	MessageKey = "t:%s:m:%s" // t:<thread_id>:m:<seq>

	// relationship markers
	RelUserThread = "rel:u:%s:t:%s" // rel:u:<identity>:t:<thread_id>

	// read pointer + unread counter per reader and thread
	ReadStateKey = "rs:u:%s:t:%s" // rs:u:<identity>:t:<thread_id>

	// sms outbox ordered by due time
	OutboxKey = "ob:sms:%s:%s" // ob:sms:<due_ts>:<id>

	// padding widths (fixed for lexicographic ordering)
	TSPadWidth  = 20 // e.g. %020d
	SeqPadWidth = 20

	MaxIDLength = 128
)
