package domain

import "time"

// SessionMeta summarizes a persisted chat session. A session outlives its
// conversations: resetting the conversation keeps the session and its
// message list.
type SessionMeta struct {
	SessionID      string
	ConversationID string
	LastActivity   time.Time
	Messages       int
}
