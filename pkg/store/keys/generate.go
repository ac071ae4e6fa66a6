package keys

import (
	"fmt"
	"strings"
)

// PadSeq left pads a seq so message keys sort numerically.
func PadSeq(seq uint64) string {
	return fmt.Sprintf("%0*d", SeqPadWidth, seq)
}

// PadTS left pads a unix-nano timestamp.
func PadTS(ts int64) string {
	if ts < 0 {
		ts = 0
	}
	return fmt.Sprintf("%0*d", TSPadWidth, ts)
}

// ValidateID rejects ids that would break the key layout.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("id too long: %d > %d", len(id), MaxIDLength)
	}
	if strings.ContainsAny(id, ": \t\n") {
		return fmt.Errorf("id %q contains reserved characters", id)
	}
	return nil
}

func GenThreadKey(threadID string) string {
	return fmt.Sprintf(ThreadKey, threadID)
}

func GenMessageKey(threadID string, seq uint64) string {
	return fmt.Sprintf(MessageKey, threadID, PadSeq(seq))
}

// MessagePrefix is the common prefix of every message key of a thread.
func MessagePrefix(threadID string) string {
	return fmt.Sprintf("t:%s:m:", threadID)
}

func GenRelUserThread(identity, threadID string) string {
	return fmt.Sprintf(RelUserThread, identity, threadID)
}

// RelUserPrefix is the common prefix of every thread relation of identity.
func RelUserPrefix(identity string) string {
	return fmt.Sprintf("rel:u:%s:t:", identity)
}

func GenReadStateKey(identity, threadID string) string {
	return fmt.Sprintf(ReadStateKey, identity, threadID)
}

// ReadStatePrefix is the common prefix of every read state of identity.
func ReadStatePrefix(identity string) string {
	return fmt.Sprintf("rs:u:%s:t:", identity)
}

func GenOutboxKey(dueTS int64, id string) string {
	return fmt.Sprintf(OutboxKey, PadTS(dueTS), id)
}

// OutboxPrefix is the common prefix of every outbox entry.
const OutboxPrefix = "ob:sms:"

// PrefixUpperBound returns the smallest key greater than every key with prefix.
func PrefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}
