package app

import (
	"context"
	"log/slog"

	"loopline/go-backend/internal/connectivity"
	"loopline/go-backend/internal/crypto"
	"loopline/go-backend/internal/dm"
	"loopline/go-backend/internal/outbox"
	"loopline/go-backend/internal/platform/privacylog"
	"loopline/go-backend/internal/realtime"
	"loopline/go-backend/pkg/models"
)

// Service is the daemon-level facade: it glues the message service, the
// realtime gateway, the offline outbox and the connectivity monitor together
// and re-emits gateway events as UI notifications.
type Service struct {
	dm      *dm.Service
	crypto  *crypto.Service
	gateway *realtime.Gateway
	outbox  *outbox.Outbox
	conn    *connectivity.Monitor
	hub     *NotificationHub
	log     *slog.Logger
}

func NewService(
	dmSvc *dm.Service,
	cs *crypto.Service,
	gw *realtime.Gateway,
	ob *outbox.Outbox,
	conn *connectivity.Monitor,
	hub *NotificationHub,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewNotificationHub(256)
	}
	s := &Service{
		dm:      dmSvc,
		crypto:  cs,
		gateway: gw,
		outbox:  ob,
		conn:    conn,
		hub:     hub,
		log:     log,
	}
	if ob != nil && conn != nil {
		ob.WatchConnectivity(conn)
	}
	return s
}

func (s *Service) Hub() *NotificationHub { return s.hub }

func (s *Service) UserID() string { return s.dm.UserID() }

// Start prepares the local identity and the user-scoped notification channel.
func (s *Service) Start(ctx context.Context) error {
	kp, err := s.crypto.EnsureKeyPair(s.dm.UserID())
	if err != nil {
		return models.Categorize(models.CategoryCrypto, err)
	}
	s.log.Info("app: identity ready",
		privacylog.SanitizeArgs("user_id", s.dm.UserID(), "public_key_len", len(kp.PublicKey))...)

	return s.gateway.SubscribeToUserNotifications(s.dm.UserID(), s.acceptInbound)
}

// AddContact records a peer's published public key so threads with them can
// carry encrypted messages.
func (s *Service) AddContact(userID, publicKey string) error {
	if err := s.crypto.StorePeerPublicKey(userID, publicKey); err != nil {
		return models.Categorize(models.CategoryCrypto, err)
	}
	return nil
}

// PublicKey returns the local user's public key for sharing with peers.
func (s *Service) PublicKey() (string, error) {
	kp, err := s.crypto.EnsureKeyPair(s.dm.UserID())
	if err != nil {
		return "", models.Categorize(models.CategoryCrypto, err)
	}
	return kp.PublicKey, nil
}

// ExportBackup returns the mnemonic backup phrase for the local identity.
func (s *Service) ExportBackup() (string, error) {
	phrase, err := s.crypto.ExportBackupPhrase(s.dm.UserID())
	if err != nil {
		return "", models.Categorize(models.CategoryCrypto, err)
	}
	return phrase, nil
}

// RestoreBackup replaces the local identity with one rebuilt from a phrase.
// Messages sealed toward the previous key become unreadable.
func (s *Service) RestoreBackup(phrase string) (string, error) {
	kp, err := s.crypto.RestoreFromBackupPhrase(s.dm.UserID(), phrase)
	if err != nil {
		return "", models.Categorize(models.CategoryCrypto, err)
	}
	return kp.PublicKey, nil
}

// OpenThread creates (or finds) the thread with a recipient and attaches the
// live channel for it. Gateway events surface on the notification hub.
func (s *Service) OpenThread(ctx context.Context, recipientID string) (models.Thread, error) {
	thread, err := s.dm.CreateThread(recipientID)
	if err != nil {
		return models.Thread{}, err
	}
	err = s.gateway.SubscribeToThread(thread.ID, s.dm.UserID(), realtime.Handlers{
		OnNewMessage: s.acceptInbound,
		OnMessageRead: func(read models.ReadEvent) {
			s.hub.PublishMessageRead(read)
		},
		OnTyping: func(ev models.TypingEvent) {
			s.hub.PublishTyping(ev)
		},
		OnPresenceChange: func(ev models.PresenceEvent) {
			s.hub.PublishPresenceChange(ev)
		},
	})
	if err != nil {
		return models.Thread{}, models.Categorize(models.CategoryNetwork, err)
	}
	return thread, nil
}

// acceptInbound persists a peer's message once and surfaces it to the UI.
// The same message can arrive on the thread channel and the user channel;
// only the first copy notifies.
func (s *Service) acceptInbound(msg models.Message) {
	if msg.SenderID == s.dm.UserID() {
		return
	}
	fresh, err := s.dm.ReceiveMessage(msg)
	if err != nil {
		s.log.Warn("app: inbound message rejected",
			privacylog.SanitizeArgs("thread_id", msg.ThreadID, "error", err.Error())...)
		return
	}
	if fresh {
		s.hub.PublishNewMessage(s.dm.ViewMessage(msg))
	}
}

func (s *Service) CloseThread(threadID string) {
	s.gateway.UnsubscribeFromThread(threadID)
}

func (s *Service) Send(ctx context.Context, in dm.SendInput) (models.MessageView, error) {
	return s.dm.SendMessage(ctx, in)
}

func (s *Service) Messages(threadID string) ([]models.MessageView, error) {
	return s.dm.GetMessages(threadID)
}

func (s *Service) Threads() ([]models.ThreadView, error) {
	return s.dm.GetThreads()
}

func (s *Service) MarkRead(ctx context.Context, threadID string) (int, error) {
	return s.dm.MarkThreadAsRead(ctx, threadID)
}

func (s *Service) Typing(ctx context.Context, threadID string, isTyping bool) error {
	return s.gateway.SendTypingIndicator(ctx, threadID, s.dm.UserID(), isTyping)
}

func (s *Service) SetPresence(ctx context.Context, threadID string, status models.PresenceStatus) error {
	return s.gateway.UpdatePresence(ctx, threadID, s.dm.UserID(), status)
}

// ReportConnectivity feeds reachability state; a disconnected-to-connected
// transition kicks the outbox.
func (s *Service) ReportConnectivity(connected bool) {
	if s.conn != nil {
		s.conn.Report(connected)
	}
}

// RebroadcastMessage replays one queued wire message through the gateway.
func (s *Service) RebroadcastMessage(ctx context.Context, msg models.Message) error {
	return s.dm.Rebroadcast(ctx, msg)
}

// SyncOutbox drains queued writes now, regardless of connectivity edges.
func (s *Service) SyncOutbox(ctx context.Context) (models.SyncReport, error) {
	if s.outbox == nil {
		return models.SyncReport{}, nil
	}
	report, err := s.outbox.Sync(ctx)
	if err == nil && (report.Synced > 0 || report.Failed > 0) {
		s.hub.PublishOutboxSynced(report)
	}
	return report, err
}

// Close tears down the realtime gateway and the outbox. Safe to call once at
// shutdown; the gateway side is idempotent.
func (s *Service) Close() error {
	s.gateway.Close()
	if s.outbox != nil {
		return s.outbox.Close()
	}
	return nil
}
