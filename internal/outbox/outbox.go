package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pebble "github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"loopline/go-backend/internal/connectivity"
	"loopline/go-backend/internal/platform/privacylog"
	"loopline/go-backend/internal/securestore"
	"loopline/go-backend/pkg/models"
)

const (
	maxEntries        = 100
	maxAggregateBytes = int64(500) << 20
	retention         = 30 * 24 * time.Hour
	keyPrefix         = "outbox:"
)

var (
	ErrQueueFull  = errors.New("offline outbox is full")
	ErrOutOfSpace = errors.New("offline outbox size limit reached")
)

// FlushFunc pushes one queued payload to the network. A nil error means the
// entry is done and can be dropped from the queue.
type FlushFunc func(ctx context.Context, kind string, payload []byte) error

// Outbox is a durable FIFO queue for writes that could not reach the network.
// Entries live in a local pebble database with their payloads sealed at rest;
// natural key order is insertion order, so a drain pass replays history as it
// happened.
type Outbox struct {
	db       *pebble.DB
	secret   string
	flush    FlushFunc
	log      *slog.Logger
	m        *Metrics
	maxCount int
	maxBytes int64

	mu      sync.Mutex
	seq     uint64
	count   int
	bytes   int64
	syncing atomic.Bool

	cancelWatch func()
}

type Option func(*Outbox)

func WithMetrics(m *Metrics) Option {
	return func(o *Outbox) { o.m = m }
}

// WithLimits overrides the entry-count and aggregate payload size bounds.
// Non-positive values keep the default.
func WithLimits(entries int, bytes int64) Option {
	return func(o *Outbox) {
		if entries > 0 {
			o.maxCount = entries
		}
		if bytes > 0 {
			o.maxBytes = bytes
		}
	}
}

// Open loads (or creates) the queue at path. Counters are rebuilt from the
// entries already on disk.
func Open(path, passphrase string, flush FlushFunc, log *slog.Logger, opts ...Option) (*Outbox, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, models.Categorize(models.CategoryCorrupted, err)
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Outbox{
		db:       db,
		secret:   passphrase,
		flush:    flush,
		log:      log,
		maxCount: maxEntries,
		maxBytes: maxAggregateBytes,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.recount(); err != nil {
		db.Close()
		return nil, models.Categorize(models.CategoryCorrupted, err)
	}
	return o, nil
}

func (o *Outbox) recount() error {
	it, err := o.db.NewIter(nil)
	if err != nil {
		return err
	}
	defer it.Close()
	prefix := []byte(keyPrefix)
	var corrupt [][]byte
	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			continue
		}
		var entry models.OutboxEntry
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			// One undecodable record must not take the queue down.
			o.log.Warn("outbox: dropping undecodable entry", "error", err.Error())
			corrupt = append(corrupt, cloneKey(it.Key()))
			continue
		}
		o.count++
		o.bytes += entry.PayloadSize
	}
	for _, key := range corrupt {
		if err := o.db.Delete(key, pebble.Sync); err != nil {
			o.log.Warn("outbox: delete of undecodable entry failed", "error", err.Error())
		}
	}
	o.updatePendingGauge()
	return nil
}

// Save queues one payload. Rejects with a storage-full error once the queue
// holds its maximum number of entries or its aggregate payload limit.
func (o *Outbox) Save(kind string, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.count >= o.maxCount {
		o.countDropped("queue_full")
		return models.Categorize(models.CategoryStorageFull, ErrQueueFull)
	}
	if o.bytes+int64(len(payload)) > o.maxBytes {
		o.countDropped("size_limit")
		return models.Categorize(models.CategoryStorageFull, ErrOutOfSpace)
	}

	sealed, err := securestore.Encrypt(o.secret, payload)
	if err != nil {
		return models.Categorize(models.CategoryCrypto, err)
	}
	now := time.Now().UTC()
	entry := models.OutboxEntry{
		LocalID:     uuid.NewString(),
		Kind:        kind,
		Payload:     sealed,
		PayloadSize: int64(len(payload)),
		Status:      models.OutboxPending,
		CreatedAt:   now,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	o.seq++
	key := entryKey(now, o.seq)
	if err := o.db.Set(key, raw, pebble.Sync); err != nil {
		return models.Categorize(models.CategoryStorageFull, err)
	}
	o.count++
	o.bytes += entry.PayloadSize
	o.updatePendingGauge()
	o.countQueued(kind)
	o.log.Debug("outbox: entry queued",
		privacylog.SanitizeArgs("kind", kind, "pending", o.count)...)
	return nil
}

// Sync drains the queue in FIFO order. Only one pass runs at a time;
// concurrent triggers are no-ops. A failed entry is marked and kept for a
// later pass, and the drain moves on to the next entry.
func (o *Outbox) Sync(ctx context.Context) (models.SyncReport, error) {
	if o.flush == nil {
		return models.SyncReport{}, nil
	}
	if !o.syncing.CompareAndSwap(false, true) {
		return models.SyncReport{}, nil
	}
	defer o.syncing.Store(false)

	keys, entries, err := o.snapshotEntries()
	if err != nil {
		return models.SyncReport{}, models.Categorize(models.CategoryCorrupted, err)
	}

	var report models.SyncReport
	now := time.Now().UTC()
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, models.Categorize(models.CategoryNetwork, err)
		}
		if entry.NextRetry.After(now) {
			continue
		}
		payload, err := securestore.Decrypt(o.secret, entry.Payload)
		if err != nil {
			// Unreadable entries can never flush; drop them.
			o.log.Warn("outbox: dropping unreadable entry",
				privacylog.SanitizeArgs("kind", entry.Kind)...)
			o.remove(keys[i], entry.PayloadSize)
			report.Failed++
			continue
		}
		// Persisted before the attempt so a crash mid-flush is visible.
		entry.Status = models.OutboxSyncing
		o.rewrite(keys[i], entry)
		if err := o.flush(ctx, entry.Kind, payload); err != nil {
			report.Failed++
			entry.Status = models.OutboxFailed
			entry.RetryCount++
			entry.NextRetry = NextRetryTime(entry.RetryCount)
			entry.LastError = err.Error()
			o.rewrite(keys[i], entry)
			o.countFailed(entry.Kind)
			continue
		}
		// Synced entries are destroyed, not kept; the terminal state only
		// shows up in the log.
		o.remove(keys[i], entry.PayloadSize)
		report.Synced++
		o.countSynced(entry.Kind)
		o.log.Debug("outbox: entry flushed",
			privacylog.SanitizeArgs("kind", entry.Kind, "status", string(models.OutboxSynced))...)
	}
	if report.Synced > 0 || report.Failed > 0 {
		o.log.Info("outbox: sync pass finished",
			"synced", report.Synced, "failed", report.Failed)
	}
	return report, nil
}

// Cleanup purges entries older than the retention window regardless of
// status. Returns how many were removed.
func (o *Outbox) Cleanup() (int, error) {
	keys, entries, err := o.snapshotEntries()
	if err != nil {
		return 0, models.Categorize(models.CategoryCorrupted, err)
	}
	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for i, entry := range entries {
		if entry.CreatedAt.Before(cutoff) {
			o.remove(keys[i], entry.PayloadSize)
			removed++
		}
	}
	return removed, nil
}

// WatchConnectivity schedules a sync pass on every disconnected-to-connected
// transition. The observer dedupes same-state reports, so a steady connection
// never re-triggers.
func (o *Outbox) WatchConnectivity(obs connectivity.Observer) {
	o.cancelWatch = obs.Subscribe(func(connected bool) {
		if !connected {
			return
		}
		go func() {
			if _, err := o.Sync(context.Background()); err != nil {
				o.log.Warn("outbox: connectivity-triggered sync failed", "error", err.Error())
			}
		}()
	})
}

func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

func (o *Outbox) Close() error {
	if o.cancelWatch != nil {
		o.cancelWatch()
	}
	return o.db.Close()
}

func (o *Outbox) snapshotEntries() ([][]byte, []models.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	it, err := o.db.NewIter(nil)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	var keys [][]byte
	var entries []models.OutboxEntry
	prefix := []byte(keyPrefix)
	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			continue
		}
		var entry models.OutboxEntry
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			// Skip and drop; the rest of the queue still drains. Payload
			// size is unknown here, so only the entry count is adjusted.
			o.log.Warn("outbox: dropping undecodable entry", "error", err.Error())
			if derr := o.db.Delete(cloneKey(it.Key()), pebble.Sync); derr == nil {
				o.count--
				o.updatePendingGauge()
			}
			continue
		}
		keys = append(keys, cloneKey(it.Key()))
		entries = append(entries, entry)
	}
	return keys, entries, nil
}

func cloneKey(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	return out
}

func (o *Outbox) remove(key []byte, size int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.db.Delete(key, pebble.Sync); err != nil {
		o.log.Warn("outbox: delete failed", "error", err.Error())
		return
	}
	o.count--
	o.bytes -= size
	o.updatePendingGauge()
}

func (o *Outbox) rewrite(key []byte, entry models.OutboxEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	raw, err := json.Marshal(entry)
	if err != nil {
		o.log.Warn("outbox: rewrite marshal failed", "error", err.Error())
		return
	}
	if err := o.db.Set(key, raw, pebble.Sync); err != nil {
		o.log.Warn("outbox: rewrite failed", "error", err.Error())
	}
}

// NextRetryTime backs off exponentially from 2s, capped at 30s. Retries are
// unbounded; connectivity gating keeps the queue quiet while offline.
func NextRetryTime(retryCount int) time.Time {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := 2 * time.Second
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= 30*time.Second {
			backoff = 30 * time.Second
			break
		}
	}
	return time.Now().Add(backoff)
}

func entryKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d-%06d", keyPrefix, t.UnixNano(), seq))
}

func (o *Outbox) updatePendingGauge() {
	if o.m != nil {
		o.m.Pending.Set(float64(o.count))
	}
}

func (o *Outbox) countQueued(kind string) {
	if o.m != nil {
		o.m.Queued.WithLabelValues(kind).Inc()
	}
}

func (o *Outbox) countSynced(kind string) {
	if o.m != nil {
		o.m.Synced.WithLabelValues(kind).Inc()
	}
}

func (o *Outbox) countFailed(kind string) {
	if o.m != nil {
		o.m.Failed.WithLabelValues(kind).Inc()
	}
}

func (o *Outbox) countDropped(reason string) {
	if o.m != nil {
		o.m.Rejected.WithLabelValues(reason).Inc()
	}
}
