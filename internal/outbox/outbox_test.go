package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loopline/go-backend/internal/connectivity"
	"loopline/go-backend/pkg/models"
)

type recordingFlusher struct {
	mu       sync.Mutex
	failKind string
	payloads []string
	kinds    []string
}

func (r *recordingFlusher) flush(_ context.Context, kind string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == r.failKind {
		return errors.New("relay unreachable")
	}
	r.kinds = append(r.kinds, kind)
	r.payloads = append(r.payloads, string(payload))
	return nil
}

func openTestOutbox(t *testing.T, flush FlushFunc) *Outbox {
	t.Helper()
	o, err := Open(filepath.Join(t.TempDir(), "outbox"), "passphrase", flush, nil)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSyncDrainsInInsertionOrder(t *testing.T) {
	fl := &recordingFlusher{}
	o := openTestOutbox(t, fl.flush)
	for i := 0; i < 5; i++ {
		if err := o.Save("message", []byte(fmt.Sprintf("payload-%d", i))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	report, err := o.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Synced != 5 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for i, p := range fl.payloads {
		if p != fmt.Sprintf("payload-%d", i) {
			t.Fatalf("drain out of order at %d: %q", i, p)
		}
	}
	if o.PendingCount() != 0 {
		t.Fatalf("queue should be empty, got %d", o.PendingCount())
	}
}

func TestSaveRejectsWhenFull(t *testing.T) {
	o := openTestOutbox(t, (&recordingFlusher{}).flush)
	for i := 0; i < maxEntries; i++ {
		if err := o.Save("message", []byte("x")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	err := o.Save("message", []byte("one too many"))
	if err == nil {
		t.Fatal("expected rejection at capacity")
	}
	if !models.IsCategory(err, models.CategoryStorageFull) {
		t.Fatalf("expected storage_full category, got %v", err)
	}
}

func TestSyncContinuesPastFailedEntry(t *testing.T) {
	fl := &recordingFlusher{failKind: "receipt"}
	o := openTestOutbox(t, fl.flush)
	if err := o.Save("message", []byte("first")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := o.Save("receipt", []byte("poison")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := o.Save("message", []byte("last")); err != nil {
		t.Fatalf("save: %v", err)
	}

	report, err := o.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Synced != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if o.PendingCount() != 1 {
		t.Fatalf("failed entry should be kept, got %d pending", o.PendingCount())
	}

	// Backoff gates the failed entry; an immediate pass skips it.
	report, err = o.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.Synced != 0 || report.Failed != 0 {
		t.Fatalf("backoff should defer the retry, got %+v", report)
	}

	// Once the transient condition clears and the backoff window passes,
	// the kept entry drains.
	fl.mu.Lock()
	fl.failKind = ""
	fl.mu.Unlock()
	keys, entries, err := o.snapshotEntries()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != models.OutboxFailed {
		t.Fatalf("kept entry should be marked failed, got %+v", entries)
	}
	entries[0].NextRetry = time.Now().UTC().Add(-time.Second)
	o.rewrite(keys[0], entries[0])

	report, err = o.Sync(context.Background())
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if report.Synced != 1 || report.Failed != 0 {
		t.Fatalf("retry pass should drain the entry, got %+v", report)
	}
	if o.PendingCount() != 0 {
		t.Fatalf("queue should be empty after retry, got %d", o.PendingCount())
	}
}

func TestSaveRejectsWhenSizeLimitReached(t *testing.T) {
	fl := &recordingFlusher{}
	o, err := Open(filepath.Join(t.TempDir(), "outbox"), "passphrase", fl.flush, nil,
		WithLimits(0, 16))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	if err := o.Save("message", []byte("0123456789")); err != nil {
		t.Fatalf("save under the limit: %v", err)
	}
	err = o.Save("message", []byte("0123456789"))
	if err == nil {
		t.Fatal("expected rejection at the aggregate size bound")
	}
	if !models.IsCategory(err, models.CategoryStorageFull) {
		t.Fatalf("expected storage_full category, got %v", err)
	}
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
	if o.PendingCount() != 1 {
		t.Fatalf("rejected save must not change the queue, got %d", o.PendingCount())
	}
}

func TestUndecodableEntryDoesNotBlockOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	o, err := Open(dir, "passphrase", nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := o.Save("message", []byte("still good")); err != nil {
		t.Fatalf("save: %v", err)
	}
	garbage := []byte(keyPrefix + "99999999999999999999-999999")
	if err := o.db.Set(garbage, []byte("not json"), nil); err != nil {
		t.Fatalf("seed garbage: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fl := &recordingFlusher{}
	reopened, err := Open(dir, "passphrase", fl.flush, nil)
	if err != nil {
		t.Fatalf("one bad record must not block open: %v", err)
	}
	defer reopened.Close()
	if reopened.PendingCount() != 1 {
		t.Fatalf("good entry should be counted, got %d", reopened.PendingCount())
	}
	report, err := reopened.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Synced != 1 || len(fl.payloads) != 1 || fl.payloads[0] != "still good" {
		t.Fatalf("good entry should drain, got %+v %v", report, fl.payloads)
	}
}

func TestUndecodableEntryIsDroppedDuringSync(t *testing.T) {
	fl := &recordingFlusher{}
	o := openTestOutbox(t, fl.flush)
	if err := o.Save("message", []byte("rotted")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := o.Save("message", []byte("healthy")); err != nil {
		t.Fatalf("save: %v", err)
	}
	keys, _, err := o.snapshotEntries()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// Corrupt the first record in place, as on-disk rot would.
	if err := o.db.Set(keys[0], []byte("not json"), nil); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}

	report, err := o.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync must not fail wholesale: %v", err)
	}
	if report.Synced != 1 || len(fl.payloads) != 1 || fl.payloads[0] != "healthy" {
		t.Fatalf("healthy entry should drain, got %+v %v", report, fl.payloads)
	}
	if o.PendingCount() != 0 {
		t.Fatalf("corrupt record should be dropped, got %d pending", o.PendingCount())
	}
}

func TestEntryStatusLifecycle(t *testing.T) {
	var o *Outbox
	var observed []models.OutboxStatus
	attempt := 0
	flush := func(_ context.Context, _ string, _ []byte) error {
		_, entries, err := o.snapshotEntries()
		if err == nil && len(entries) == 1 {
			observed = append(observed, entries[0].Status)
		}
		attempt++
		if attempt == 1 {
			return errors.New("relay unreachable")
		}
		return nil
	}
	o = openTestOutbox(t, flush)
	if err := o.Save("message", []byte("tracked")); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, entries, err := o.snapshotEntries()
	if err != nil || len(entries) != 1 || entries[0].Status != models.OutboxPending {
		t.Fatalf("fresh entry should be pending, got %+v err=%v", entries, err)
	}

	if _, err := o.Sync(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	keys, entries, err := o.snapshotEntries()
	if err != nil || len(entries) != 1 || entries[0].Status != models.OutboxFailed {
		t.Fatalf("failed attempt should persist failed status, got %+v err=%v", entries, err)
	}
	entries[0].NextRetry = time.Now().UTC().Add(-time.Second)
	o.rewrite(keys[0], entries[0])
	if _, err := o.Sync(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if len(observed) != 2 || observed[0] != models.OutboxSyncing || observed[1] != models.OutboxSyncing {
		t.Fatalf("entry should read syncing while a flush is in flight, got %v", observed)
	}
	if o.PendingCount() != 0 {
		t.Fatalf("entry should be gone after success, got %d", o.PendingCount())
	}
}

func TestSyncIsSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := func(_ context.Context, _ string, _ []byte) error {
		close(started)
		<-release
		return nil
	}
	o := openTestOutbox(t, blocking)
	if err := o.Save("message", []byte("x")); err != nil {
		t.Fatalf("save: %v", err)
	}

	done := make(chan models.SyncReport, 1)
	go func() {
		report, _ := o.Sync(context.Background())
		done <- report
	}()
	<-started

	report, err := o.Sync(context.Background())
	if err != nil {
		t.Fatalf("concurrent sync: %v", err)
	}
	if report.Synced != 0 || report.Failed != 0 {
		t.Fatalf("in-flight pass should make this a no-op, got %+v", report)
	}
	close(release)
	if first := <-done; first.Synced != 1 {
		t.Fatalf("blocking pass should finish its work, got %+v", first)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	o, err := Open(dir, "passphrase", nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := o.Save("message", []byte("durable payload")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fl := &recordingFlusher{}
	reopened, err := Open(dir, "passphrase", fl.flush, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.PendingCount() != 1 {
		t.Fatalf("entry should survive reopen, got %d", reopened.PendingCount())
	}
	report, err := reopened.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync after reopen: %v", err)
	}
	if report.Synced != 1 || len(fl.payloads) != 1 || fl.payloads[0] != "durable payload" {
		t.Fatalf("payload should round-trip the restart, got %+v %v", report, fl.payloads)
	}
}

func TestCleanupPurgesExpiredEntries(t *testing.T) {
	o := openTestOutbox(t, (&recordingFlusher{}).flush)
	if err := o.Save("message", []byte("old")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := o.Save("message", []byte("fresh")); err != nil {
		t.Fatalf("save: %v", err)
	}
	keys, entries, err := o.snapshotEntries()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	entries[0].CreatedAt = time.Now().UTC().Add(-retention - time.Hour)
	o.rewrite(keys[0], entries[0])

	removed, err := o.Cleanup()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged, got %d", removed)
	}
	if o.PendingCount() != 1 {
		t.Fatalf("fresh entry should remain, got %d", o.PendingCount())
	}
}

func TestConnectedTransitionTriggersSync(t *testing.T) {
	fl := &recordingFlusher{}
	o := openTestOutbox(t, fl.flush)
	if err := o.Save("message", []byte("queued while offline")); err != nil {
		t.Fatalf("save: %v", err)
	}

	mon := connectivity.NewMonitor(false)
	o.WatchConnectivity(mon)

	mon.Report(false) // same state, swallowed upstream
	mon.Report(true)
	eventually(t, "connectivity-triggered drain", func() bool {
		return o.PendingCount() == 0
	})

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if len(fl.payloads) != 1 || fl.payloads[0] != "queued while offline" {
		t.Fatalf("unexpected flushes: %v", fl.payloads)
	}
}
