package keys

import (
	"fmt"
	"strconv"
	"strings"
)

func parsePadded(s string, width int) (uint64, error) {
	if len(s) != width {
		return 0, fmt.Errorf("length invalid: %s", s)
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

// ParseMessageKey splits t:<thread_id>:m:<seq>.
func ParseMessageKey(key string) (string, uint64, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "t" || parts[2] != "m" {
		return "", 0, fmt.Errorf("invalid message key: %s", key)
	}
	seq, err := parsePadded(parts[3], SeqPadWidth)
	if err != nil {
		return "", 0, fmt.Errorf("invalid seq in message key %s: %w", key, err)
	}
	return parts[1], seq, nil
}

// ParseRelUserThread splits rel:u:<identity>:t:<thread_id>.
func ParseRelUserThread(key string) (string, string, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != "rel" || parts[1] != "u" || parts[3] != "t" {
		return "", "", fmt.Errorf("invalid relation key: %s", key)
	}
	return parts[2], parts[4], nil
}

// ParseOutboxKey splits ob:sms:<due_ts>:<id>.
func ParseOutboxKey(key string) (int64, string, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "ob" || parts[1] != "sms" {
		return 0, "", fmt.Errorf("invalid outbox key: %s", key)
	}
	ts, err := parsePadded(parts[2], TSPadWidth)
	if err != nil {
		return 0, "", fmt.Errorf("invalid due ts in outbox key %s: %w", key, err)
	}
	return int64(ts), parts[3], nil
}
