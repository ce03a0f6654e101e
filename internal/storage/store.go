package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"loopline/go-backend/internal/securestore"
	"loopline/go-backend/pkg/models"
)

var ErrMessageIDConflict = errors.New("message id conflict")

// Store keeps threads and messages in memory and persists every mutation as a
// single encrypted JSON snapshot. Messages get a monotonic sort key at insert
// so listing order survives clock skew between writers.
type Store struct {
	mu       sync.RWMutex
	threads  map[string]models.Thread
	messages map[string]models.Message
	seq      uint64
	path     string
	secret   string
}

func NewStore() *Store {
	return &Store{
		threads:  make(map[string]models.Thread),
		messages: make(map[string]models.Message),
	}
}

func NewEncryptedPersistentStore(path, passphrase string) (*Store, error) {
	s := &Store{
		threads:  make(map[string]models.Thread),
		messages: make(map[string]models.Message),
		path:     path,
		secret:   passphrase,
	}
	if err := s.load(); err != nil {
		return nil, models.Categorize(models.CategoryCorrupted, err)
	}
	return s, nil
}

func (s *Store) SaveThread(thread models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneThreads(s.threads)
	next[thread.ID] = thread
	if err := s.persistLocked(next, s.messages); err != nil {
		return models.Categorize(models.CategoryStorageFull, err)
	}
	s.threads = next
	return nil
}

func (s *Store) GetThread(threadID string) (models.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[threadID]
	return thread, ok
}

// FindThreadByParticipants looks up the active thread for a normalized pair.
func (s *Store) FindThreadByParticipants(a, b string) (models.Thread, bool) {
	a, b = models.NormalizeParticipants(a, b)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, thread := range s.threads {
		if thread.ParticipantA == a && thread.ParticipantB == b && thread.Active() {
			return thread, true
		}
	}
	return models.Thread{}, false
}

func (s *Store) ListThreads(userID string) []models.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Thread, 0)
	for _, thread := range s.threads {
		if thread.HasParticipant(userID) && thread.Active() {
			out = append(out, thread)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SaveMessage inserts a message, assigning its sort key, and reports whether
// it was new. Re-saving the same message is a no-op; a different message under
// an existing ID is a conflict.
func (s *Store) SaveMessage(msg models.Message) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[msg.ID]; ok {
		if existing.ThreadID == msg.ThreadID && existing.SenderID == msg.SenderID {
			return existing, false, nil
		}
		return models.Message{}, false, models.Categorize(models.CategoryValidation, ErrMessageIDConflict)
	}
	if msg.SortKey == "" {
		s.seq++
		msg.SortKey = sortKey(msg.CreatedAt, s.seq)
	}
	next := cloneMessages(s.messages)
	next[msg.ID] = msg
	if err := s.persistLocked(s.threads, next); err != nil {
		return models.Message{}, false, models.Categorize(models.CategoryStorageFull, err)
	}
	s.messages = next
	return msg, true, nil
}

func (s *Store) GetMessage(messageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	return msg, ok
}

// ListMessages returns a thread's messages in ascending sort-key order.
func (s *Store) ListMessages(threadID string, limit, offset int) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filtered := make([]models.Message, 0)
	for _, msg := range s.messages {
		if msg.ThreadID == threadID {
			filtered = append(filtered, msg)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].SortKey < filtered[j].SortKey
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(filtered) {
		return []models.Message{}
	}
	filtered = filtered[offset:]
	if limit > 0 && limit < len(filtered) {
		return append([]models.Message(nil), filtered[:limit]...)
	}
	return append([]models.Message(nil), filtered...)
}

func (s *Store) LastMessage(threadID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last models.Message
	found := false
	for _, msg := range s.messages {
		if msg.ThreadID != threadID {
			continue
		}
		if !found || msg.SortKey > last.SortKey {
			last = msg
			found = true
		}
	}
	return last, found
}

// MarkRead flips the read flag on every unread message in the thread that the
// reader did not send, and returns their IDs in sort-key order. The flag never
// goes back to unread.
func (s *Store) MarkRead(threadID, readerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []models.Message
	for _, msg := range s.messages {
		if msg.ThreadID == threadID && msg.SenderID != readerID && !msg.IsRead {
			changed = append(changed, msg)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	sort.Slice(changed, func(i, j int) bool {
		return changed[i].SortKey < changed[j].SortKey
	})
	next := cloneMessages(s.messages)
	ids := make([]string, 0, len(changed))
	for _, msg := range changed {
		msg.IsRead = true
		next[msg.ID] = msg
		ids = append(ids, msg.ID)
	}
	if err := s.persistLocked(s.threads, next); err != nil {
		return nil, models.Categorize(models.CategoryStorageFull, err)
	}
	s.messages = next
	return ids, nil
}

func (s *Store) UnreadCount(threadID, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, msg := range s.messages {
		if msg.ThreadID == threadID && msg.SenderID != userID && !msg.IsRead {
			count++
		}
	}
	return count
}

type snapshot struct {
	Threads  map[string]models.Thread  `json:"threads"`
	Messages map[string]models.Message `json:"messages"`
	Seq      uint64                    `json:"seq"`
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	raw, err := securestore.ReadDecryptedFile(s.path, s.secret)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	if snap.Threads != nil {
		s.threads = snap.Threads
	}
	if snap.Messages != nil {
		s.messages = snap.Messages
	}
	s.seq = snap.Seq
	return nil
}

func (s *Store) persistLocked(threads map[string]models.Thread, messages map[string]models.Message) error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{Threads: threads, Messages: messages, Seq: s.seq}
	return securestore.WriteEncryptedJSON(s.path, s.secret, snap)
}

// sortKey mirrors the padded key layout used by the outbox so ordering is
// lexicographic and collision-free across same-nanosecond inserts.
func sortKey(t time.Time, seq uint64) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return fmt.Sprintf("%020d-%06d", t.UnixNano(), seq)
}

func cloneThreads(in map[string]models.Thread) map[string]models.Thread {
	out := make(map[string]models.Thread, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneMessages(in map[string]models.Message) map[string]models.Message {
	out := make(map[string]models.Message, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
