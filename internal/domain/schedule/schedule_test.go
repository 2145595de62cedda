package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/sqlite"
)

type recordingQueue struct {
	mu    sync.Mutex
	kinds []sqlite.JobKind
}

func (q *recordingQueue) Enqueue(ctx context.Context, kind sqlite.JobKind, payload any, pinned bool) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kinds = append(q.kinds, kind)
	return "id", nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.kinds)
}

func newRunner(t *testing.T) (*Runner, *recordingQueue, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "spectra.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	q := &recordingQueue{}
	return New(store, q), q, store
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	r, _, _ := newRunner(t)
	ctx := context.Background()

	if _, err := r.Add(ctx, "0 3 * * *", "defragment", "{}"); errkind.KindOf(err) != errkind.Configuration {
		t.Fatalf("unknown verb: err = %v, want Configuration", err)
	}
	if _, err := r.Add(ctx, "not a cron", "archive", "{}"); errkind.KindOf(err) != errkind.Configuration {
		t.Fatalf("bad cron: err = %v, want Configuration", err)
	}
	if _, err := r.Add(ctx, "0 3 * * *", "archive", "{oops"); errkind.KindOf(err) != errkind.Configuration {
		t.Fatalf("bad payload: err = %v, want Configuration", err)
	}
}

func TestAddListRemoveRoundTrip(t *testing.T) {
	t.Parallel()
	r, _, _ := newRunner(t)
	ctx := context.Background()

	id, err := r.Add(ctx, "0 3 * * *", "archive", `{"entity":100}`)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	rows, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != id || rows[0].Verb != "archive" {
		t.Fatalf("rows = %+v, want one archive entry id %d", rows, id)
	}

	removed, err := r.Remove(ctx, id)
	if err != nil || !removed {
		t.Fatalf("Remove = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = r.Remove(ctx, id)
	if err != nil || removed {
		t.Fatalf("second Remove = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestStartRegistersPersistedEntriesAndFires(t *testing.T) {
	t.Parallel()
	r, q, store := newRunner(t)
	ctx := context.Background()

	if _, err := store.AddSchedule(ctx, "@every 1s", "discover", `{"seed":"@x"}`); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if q.count() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("persisted schedule never fired")
}
