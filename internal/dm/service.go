package dm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"loopline/go-backend/internal/crypto"
	"loopline/go-backend/internal/platform/privacylog"
	"loopline/go-backend/internal/realtime"
	"loopline/go-backend/pkg/models"
)

// undecryptablePlaceholder stands in for one message that failed to open.
// Listing never fails wholesale on a single bad entry.
const undecryptablePlaceholder = "[unable to decrypt message]"

// OutboxKindMessage tags queued wire messages in the offline outbox.
const OutboxKindMessage = "message"

var (
	ErrSelfThread     = errors.New("cannot open a thread with yourself")
	ErrEmptyContent   = errors.New("message content is empty")
	ErrNotFound       = errors.New("thread not found")
	ErrNotMember      = errors.New("user is not a thread participant")
	ErrNoRecipient    = errors.New("recipient id is empty")
	ErrNoRecipientKey = errors.New("recipient public key unknown")
)

// Broadcaster is the realtime fan-out surface the service needs. Implemented
// by realtime.Gateway.
type Broadcaster interface {
	BroadcastNewMessage(ctx context.Context, msg models.Message, recipientID string) error
	BroadcastRead(ctx context.Context, read models.ReadEvent) error
}

// Outbox accepts writes that could not reach the network. Implemented by
// outbox.Outbox.
type Outbox interface {
	Save(kind string, payload []byte) error
}

// Store is the persistence surface the service needs. Implemented by
// storage.Store; small enough that a remote store can stand in.
type Store interface {
	SaveThread(thread models.Thread) error
	GetThread(threadID string) (models.Thread, bool)
	FindThreadByParticipants(a, b string) (models.Thread, bool)
	ListThreads(userID string) []models.Thread
	SaveMessage(msg models.Message) (models.Message, bool, error)
	ListMessages(threadID string, limit, offset int) []models.Message
	LastMessage(threadID string) (models.Message, bool)
	MarkRead(threadID, readerID string) ([]string, error)
	UnreadCount(threadID, userID string) int
}

// SendInput describes one outgoing message.
type SendInput struct {
	ThreadID  string
	Content   string
	Type      string
	MediaURL  string
	Encrypted bool
}

// Service implements the direct-message operations for one local user:
// thread lifecycle, encrypted send and read paths, read receipts.
type Service struct {
	userID string
	store  Store
	crypto *crypto.Service
	rt     Broadcaster
	outbox Outbox
	log    *slog.Logger
	m      *Metrics
}

type Option func(*Service)

// WithMetrics attaches crypto failure counters.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.m = m }
}

func NewService(userID string, store Store, cs *crypto.Service, rt Broadcaster, ob Outbox, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		userID: strings.TrimSpace(userID),
		store:  store,
		crypto: cs,
		rt:     rt,
		outbox: ob,
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) countCryptoFailure(op string) {
	if s.m != nil {
		s.m.CryptoFailures.WithLabelValues(op).Inc()
	}
}

func (s *Service) UserID() string { return s.userID }

// IsParticipant satisfies realtime.Membership: user notifications are only
// delivered for threads the subscriber belongs to. A thread not yet in the
// local store may be first contact; delivery is allowed for the local user
// and ReceiveMessage verifies the pair-derived id before anything persists.
func (s *Service) IsParticipant(threadID, userID string) bool {
	thread, ok := s.store.GetThread(threadID)
	if !ok {
		return userID == s.userID
	}
	return thread.HasParticipant(userID)
}

// threadIDFor derives the thread id from the normalized pair, so both peers
// address the same conversation without coordinating.
func threadIDFor(a, b string) string {
	a, b = models.NormalizeParticipants(a, b)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("loopline://dm/"+a+"/"+b)).String()
}

// CreateThread opens (or returns) the thread between the current user and the
// recipient. One thread per unordered pair.
func (s *Service) CreateThread(recipientID string) (models.Thread, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return models.Thread{}, models.Categorize(models.CategoryValidation, ErrNoRecipient)
	}
	if recipientID == s.userID {
		return models.Thread{}, models.Categorize(models.CategoryValidation, ErrSelfThread)
	}
	if existing, ok := s.store.FindThreadByParticipants(s.userID, recipientID); ok {
		return existing, nil
	}
	a, b := models.NormalizeParticipants(s.userID, recipientID)
	thread := models.Thread{
		ID:           threadIDFor(a, b),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.SaveThread(thread); err != nil {
		return models.Thread{}, err
	}
	s.log.Info("dm: thread created",
		privacylog.SanitizeArgs("thread_id", thread.ID, "recipient_id", recipientID)...)
	return thread, nil
}

// SendMessage encrypts, persists and broadcasts one message. The persisted
// copy is sealed toward the sender's own key so the local history stays
// readable; the wire copy is sealed toward the recipient. A crypto failure
// aborts before anything is written. A network failure on broadcast hands the
// wire copy to the offline outbox instead of dropping it.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (models.MessageView, error) {
	if strings.TrimSpace(in.Content) == "" && in.MediaURL == "" {
		return models.MessageView{}, models.Categorize(models.CategoryValidation, ErrEmptyContent)
	}
	thread, ok := s.store.GetThread(in.ThreadID)
	if !ok {
		return models.MessageView{}, models.Categorize(models.CategoryNotFound, ErrNotFound)
	}
	if !thread.HasParticipant(s.userID) {
		return models.MessageView{}, models.Categorize(models.CategoryPermission, ErrNotMember)
	}
	recipientID := thread.Peer(s.userID)

	base := models.Message{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		SenderID:  s.userID,
		Type:      models.NormalizeMessageType(in.Type),
		MediaURL:  in.MediaURL,
		CreatedAt: time.Now().UTC(),
	}
	local := base
	wire := base

	if in.Encrypted {
		peerKey, err := s.crypto.PeerPublicKey(recipientID)
		if err != nil {
			if errors.Is(err, crypto.ErrKeyNotFound) {
				return models.MessageView{}, models.Categorize(models.CategoryCrypto, ErrNoRecipientKey)
			}
			return models.MessageView{}, models.Categorize(models.CategoryCrypto, err)
		}
		own, err := s.crypto.EnsureKeyPair(s.userID)
		if err != nil {
			return models.MessageView{}, models.Categorize(models.CategoryCrypto, err)
		}
		wireEnc, err := s.crypto.EncryptMessage([]byte(in.Content), peerKey)
		if err != nil {
			s.countCryptoFailure("encrypt")
			return models.MessageView{}, models.Categorize(models.CategoryCrypto, err)
		}
		localEnc, err := s.crypto.EncryptMessage([]byte(in.Content), own.PublicKey)
		if err != nil {
			s.countCryptoFailure("encrypt")
			return models.MessageView{}, models.Categorize(models.CategoryCrypto, err)
		}
		wire.Encrypted, wire.CipherContent, wire.EncryptedKey, wire.IV = true, wireEnc.Content, wireEnc.EncryptedKey, wireEnc.IV
		local.Encrypted, local.CipherContent, local.EncryptedKey, local.IV = true, localEnc.Content, localEnc.EncryptedKey, localEnc.IV
	} else {
		wire.CipherContent = []byte(in.Content)
		local.CipherContent = []byte(in.Content)
	}

	stored, _, err := s.store.SaveMessage(local)
	if err != nil {
		return models.MessageView{}, err
	}
	wire.SortKey = stored.SortKey

	if err := s.rt.BroadcastNewMessage(ctx, wire, recipientID); err != nil {
		if models.IsCategory(err, models.CategoryNetwork) {
			if qerr := s.queueForSync(wire); qerr != nil {
				return models.MessageView{}, qerr
			}
			s.log.Info("dm: message queued for later sync",
				privacylog.SanitizeArgs("thread_id", thread.ID, "message_id", wire.ID)...)
		} else {
			s.log.Warn("dm: broadcast failed after persist",
				privacylog.SanitizeArgs("thread_id", thread.ID, "message_id", wire.ID, "error", err.Error())...)
		}
	}

	view := s.viewOf(stored)
	view.Content = in.Content
	return view, nil
}

func (s *Service) queueForSync(wire models.Message) error {
	if s.outbox == nil {
		return nil
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return models.Categorize(models.CategoryValidation, err)
	}
	return s.outbox.Save(OutboxKindMessage, payload)
}

// ReceiveMessage persists a message that arrived over the realtime channel.
// Its body is already sealed toward the local user. First contact creates the
// thread, but only when the sender and the pair-derived thread id agree.
// Returns false when the message was already stored; the same message can
// arrive on both the thread channel and the user channel.
func (s *Service) ReceiveMessage(msg models.Message) (bool, error) {
	thread, ok := s.store.GetThread(msg.ThreadID)
	if !ok {
		if msg.SenderID == s.userID || threadIDFor(s.userID, msg.SenderID) != msg.ThreadID {
			return false, models.Categorize(models.CategoryValidation, ErrNotMember)
		}
		a, b := models.NormalizeParticipants(s.userID, msg.SenderID)
		thread = models.Thread{ID: msg.ThreadID, ParticipantA: a, ParticipantB: b, CreatedAt: time.Now().UTC()}
		if err := s.store.SaveThread(thread); err != nil {
			return false, err
		}
	}
	if !thread.HasParticipant(msg.SenderID) {
		return false, models.Categorize(models.CategoryValidation, ErrNotMember)
	}
	_, fresh, err := s.store.SaveMessage(msg)
	return fresh, err
}

// Rebroadcast pushes a previously queued wire message to its recipient. Used
// by the outbox drain once connectivity returns.
func (s *Service) Rebroadcast(ctx context.Context, msg models.Message) error {
	thread, ok := s.store.GetThread(msg.ThreadID)
	if !ok {
		return models.Categorize(models.CategoryNotFound, ErrNotFound)
	}
	return s.rt.BroadcastNewMessage(ctx, msg, thread.Peer(msg.SenderID))
}

// GetMessages returns the thread's messages ascending, each decrypted for
// display. One undecryptable entry yields a placeholder, never a failed page.
func (s *Service) GetMessages(threadID string) ([]models.MessageView, error) {
	thread, ok := s.store.GetThread(threadID)
	if !ok {
		return nil, models.Categorize(models.CategoryNotFound, ErrNotFound)
	}
	if !thread.HasParticipant(s.userID) {
		return nil, models.Categorize(models.CategoryPermission, ErrNotMember)
	}
	msgs := s.store.ListMessages(threadID, 0, 0)
	views := make([]models.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		view := s.viewOf(msg)
		view.Content = s.decryptForDisplay(msg)
		views = append(views, view)
	}
	return views, nil
}

// MarkThreadAsRead flips unread peer messages to read and fires a read
// receipt. Returns how many flipped; repeat calls return zero.
func (s *Service) MarkThreadAsRead(ctx context.Context, threadID string) (int, error) {
	thread, ok := s.store.GetThread(threadID)
	if !ok {
		return 0, models.Categorize(models.CategoryNotFound, ErrNotFound)
	}
	if !thread.HasParticipant(s.userID) {
		return 0, models.Categorize(models.CategoryPermission, ErrNotMember)
	}
	ids, err := s.store.MarkRead(threadID, s.userID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	read := models.ReadEvent{
		ThreadID:   threadID,
		ReaderID:   s.userID,
		MessageIDs: ids,
		ReadAt:     time.Now().UTC(),
	}
	if err := s.rt.BroadcastRead(ctx, read); err != nil {
		s.log.Warn("dm: read receipt broadcast failed",
			privacylog.SanitizeArgs("thread_id", threadID, "error", err.Error())...)
	}
	return len(ids), nil
}

// GetThreads lists the current user's threads with a decrypted last-message
// preview and unread count.
func (s *Service) GetThreads() ([]models.ThreadView, error) {
	threads := s.store.ListThreads(s.userID)
	views := make([]models.ThreadView, 0, len(threads))
	for _, thread := range threads {
		view := models.ThreadView{
			Thread:      thread,
			PeerID:      thread.Peer(s.userID),
			UnreadCount: s.store.UnreadCount(thread.ID, s.userID),
		}
		if last, ok := s.store.LastMessage(thread.ID); ok {
			view.LastMessage = s.decryptForDisplay(last)
			view.LastAt = last.CreatedAt
		}
		views = append(views, view)
	}
	return views, nil
}

// ViewMessage decrypts one message for display on this client.
func (s *Service) ViewMessage(msg models.Message) models.MessageView {
	view := s.viewOf(msg)
	view.Content = s.decryptForDisplay(msg)
	return view
}

func (s *Service) viewOf(msg models.Message) models.MessageView {
	return models.MessageView{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		SenderID:  msg.SenderID,
		Type:      msg.Type,
		MediaURL:  msg.MediaURL,
		IsRead:    msg.IsRead,
		CreatedAt: msg.CreatedAt,
	}
}

func (s *Service) decryptForDisplay(msg models.Message) string {
	if !msg.Encrypted {
		return string(msg.CipherContent)
	}
	priv, err := s.crypto.GetPrivateKey(s.userID)
	if err != nil {
		s.log.Warn("dm: no private key for decrypt",
			privacylog.SanitizeArgs("message_id", msg.ID)...)
		return undecryptablePlaceholder
	}
	plain, err := s.crypto.DecryptMessage(crypto.Encrypted{
		Content:      msg.CipherContent,
		EncryptedKey: msg.EncryptedKey,
		IV:           msg.IV,
	}, priv)
	if err != nil {
		s.countCryptoFailure("decrypt")
		s.log.Warn("dm: undecryptable message skipped",
			privacylog.SanitizeArgs("message_id", msg.ID, "thread_id", msg.ThreadID)...)
		return undecryptablePlaceholder
	}
	return string(plain)
}

var _ realtime.Membership = (*Service)(nil)
