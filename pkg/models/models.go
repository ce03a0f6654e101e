package models

import (
	"strings"
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
)

func NormalizeMessageType(raw string) MessageType {
	switch MessageType(strings.TrimSpace(raw)) {
	case MessageTypeImage:
		return MessageTypeImage
	case MessageTypeAudio:
		return MessageTypeAudio
	default:
		return MessageTypeText
	}
}

// Thread is a two-party conversation container. Participants are stored in
// normalized (lexicographic) order so the unordered pair maps to one row.
type Thread struct {
	ID           string     `json:"id"`
	ParticipantA string     `json:"participant_a"`
	ParticipantB string     `json:"participant_b"`
	CreatedAt    time.Time  `json:"created_at"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
}

func NormalizeParticipants(a, b string) (string, string) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

func (t Thread) HasParticipant(userID string) bool {
	return userID != "" && (t.ParticipantA == userID || t.ParticipantB == userID)
}

// Peer returns the other participant of the thread.
func (t Thread) Peer(userID string) string {
	if t.ParticipantA == userID {
		return t.ParticipantB
	}
	return t.ParticipantA
}

func (t Thread) Active() bool {
	return t.ArchivedAt == nil
}

// Message is immutable once persisted except for IsRead, which only ever
// transitions false to true. SortKey is assigned by the persistence layer;
// client clocks never order messages.
type Message struct {
	ID            string      `json:"id"`
	ThreadID      string      `json:"thread_id"`
	SenderID      string      `json:"sender_id"`
	Type          MessageType `json:"message_type"`
	Encrypted     bool        `json:"encrypted"`
	CipherContent []byte      `json:"cipher_content"`
	EncryptedKey  []byte      `json:"encrypted_key,omitempty"`
	IV            []byte      `json:"iv,omitempty"`
	MediaURL      string      `json:"media_url,omitempty"`
	IsRead        bool        `json:"is_read"`
	CreatedAt     time.Time   `json:"created_at"`
	SortKey       string      `json:"sort_key"`
}

// MessageView is the UI-facing payload: content already decrypted for this
// client. Ciphertext never reaches the consumer through this shape.
type MessageView struct {
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"message_type"`
	Content   string      `json:"content"`
	MediaURL  string      `json:"media_url,omitempty"`
	IsRead    bool        `json:"is_read"`
	CreatedAt time.Time   `json:"created_at"`
}

// ThreadView is a thread listing row with a decrypted preview.
type ThreadView struct {
	Thread      Thread    `json:"thread"`
	PeerID      string    `json:"peer_id"`
	LastMessage string    `json:"last_message,omitempty"`
	LastAt      time.Time `json:"last_at,omitzero"`
	UnreadCount int       `json:"unread_count"`
}

// KeyPair holds a user's encryption identity. The private key never leaves
// the local secure key store and is excluded from any serialized form.
type KeyPair struct {
	UserID     string `json:"user_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"-"`
}

type PresenceStatus string

const (
	PresenceOnline PresenceStatus = "online"
	PresenceTyping PresenceStatus = "typing"
	PresenceAway   PresenceStatus = "away"
)

// PresenceState is ephemeral; it is rebuilt from presence-sync snapshots and
// never persisted historically.
type PresenceState struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSyncing OutboxStatus = "syncing"
	OutboxSynced  OutboxStatus = "synced"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEntry is a write that could not reach the remote store. Payload is
// sealed before it is written to the local queue.
type OutboxEntry struct {
	LocalID     string       `json:"local_id"`
	Kind        string       `json:"kind"`
	Payload     []byte       `json:"payload"`
	PayloadSize int64        `json:"payload_size"`
	Status      OutboxStatus `json:"status"`
	RetryCount  int          `json:"retry_count"`
	NextRetry   time.Time    `json:"next_retry,omitzero"`
	LastError   string       `json:"last_error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// SyncReport summarizes one outbox drain pass.
type SyncReport struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}
