package models

import "time"

// Realtime event kinds carried over a thread channel.
const (
	EventNewMessage   = "new_message"
	EventMessageRead  = "message_read"
	EventTyping       = "typing"
	EventPresenceSync = "presence_sync"
)

// TypingEvent is ephemeral and never persisted.
type TypingEvent struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type PresenceEvent struct {
	ThreadID string         `json:"thread_id"`
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

// ReadEvent reports messages whose IsRead flag transitioned false to true.
type ReadEvent struct {
	ThreadID   string    `json:"thread_id"`
	ReaderID   string    `json:"reader_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}
