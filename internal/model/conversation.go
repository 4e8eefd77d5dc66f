package model

import "strconv"

// ConversationKey is the canonical unordered pair of user IDs identifying
// a private conversation. Low < High always holds, so the same pair maps
// to the same cache entry no matter which side does the lookup.
type ConversationKey struct {
	Low  int64
	High int64
}

func NewConversationKey(a, b int64) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

// GroupName returns the broadcast group for a conversation, built from the
// sorted usernames of the two participants.
func GroupName(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "private_" + a + "_" + b
}

// UserGroupName returns the per-user broadcast group used for
// out-of-conversation notifications.
func UserGroupName(id int64) string {
	return "user_" + strconv.FormatInt(id, 10)
}
