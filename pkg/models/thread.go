package models

import (
	"sort"
	"strings"
)

// ThreadKind is the shape of a conversation.
type ThreadKind string

const (
	KindChannel  ThreadKind = "channel"
	KindDM       ThreadKind = "dm"
	KindLiveChat ThreadKind = "live_chat"
)

func (k ThreadKind) Valid() bool {
	switch k {
	case KindChannel, KindDM, KindLiveChat:
		return true
	}
	return false
}

// ChannelPolicy restricts who may post in a channel.
type ChannelPolicy string

const (
	PolicyOpen         ChannelPolicy = "open"
	PolicyWaitlistOnly ChannelPolicy = "waitlist_only"
	PolicyLocked       ChannelPolicy = "locked"
)

type Thread struct {
	ID    string     `json:"id"`
	Kind  ThreadKind `json:"kind"`
	Scope string     `json:"scope"`
	Title string     `json:"title,omitempty"`
	// Participants is the fixed pair for dm and live_chat threads. Channel
	// audiences come from membership and are never stored here.
	Participants []string      `json:"participants,omitempty"`
	Policy       ChannelPolicy `json:"policy,omitempty"`
	CreatedTS    int64         `json:"created_ts"`
	// LastSeq is the seq of the newest message, assigned at the authoritative write.
	LastSeq       uint64 `json:"last_seq"`
	LastMessageTS int64  `json:"last_message_ts,omitempty"`
}

// HasParticipant reports whether identity is one of the stored participants.
func (t Thread) HasParticipant(identity string) bool {
	for _, p := range t.Participants {
		if p == identity {
			return true
		}
	}
	return false
}

// Counterpart returns the other participant of a pair thread.
func (t Thread) Counterpart(identity string) string {
	for _, p := range t.Participants {
		if p != identity {
			return p
		}
	}
	return ""
}

// PairThreadID derives a stable id for a dm or live_chat pair so the same two
// identities never end up with two threads of one kind in a scope.
func PairThreadID(kind ThreadKind, scope, a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join([]string{string(kind), scope, pair[0], pair[1]}, ".")
}
