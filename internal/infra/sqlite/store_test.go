package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"spectra/internal/domain/errkind"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spectra.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMigratesAndPassesIntegrityCheck(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	report, err := s.IntegrityCheck(context.Background())
	if err != nil {
		t.Fatalf("IntegrityCheck: %v", err)
	}
	if !report.OK() {
		t.Fatalf("fresh database has findings: %+v", report.Findings)
	}
	if report.SchemaVersion != schemaVersion {
		t.Fatalf("SchemaVersion = %d, want %d", report.SchemaVersion, schemaVersion)
	}
}

func TestMigrateRejectsNewerDatabase(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "spectra.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO schema_version (version, applied_at) VALUES (?, 0)", schemaVersion+10)
		return err
	})
	if err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = s.Close()

	if _, err := Open(path); errkind.KindOf(err) != errkind.Storage {
		t.Fatalf("Open newer database: err = %v, want Storage kind", err)
	}
}

func TestCheckpointMonotonicity(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	write := func(id int64) {
		t.Helper()
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return UpsertCheckpointTx(ctx, tx, Checkpoint{
				EntityID: 7, Context: "archive", LastMessageID: id, UpdatedAt: time.Now(),
			})
		})
		if err != nil {
			t.Fatalf("UpsertCheckpointTx(%d): %v", id, err)
		}
	}

	write(100)
	write(250)
	write(40) // попытка отката игнорируется

	cp, err := s.GetCheckpoint(ctx, 7, "archive")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.LastMessageID != 250 {
		t.Fatalf("LastMessageID = %d, want 250", cp.LastMessageID)
	}

	if err := s.ResetCheckpoint(ctx, 7, "archive"); err != nil {
		t.Fatalf("ResetCheckpoint: %v", err)
	}
	cp, err = s.GetCheckpoint(ctx, 7, "archive")
	if err != nil {
		t.Fatalf("GetCheckpoint after reset: %v", err)
	}
	if cp.LastMessageID != 0 {
		t.Fatalf("LastMessageID after reset = %d, want 0", cp.LastMessageID)
	}
}

func TestFingerprintExactDuplicate(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	fp := Fingerprint{DestinationID: 1, SHA256: "abc", FirstSeenAt: time.Now()}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		seen, err := HasFingerprintTx(ctx, tx, 1, "abc")
		if err != nil {
			return err
		}
		if seen {
			t.Fatal("fingerprint visible before insert")
		}
		if err := InsertFingerprintTx(ctx, tx, fp); err != nil {
			return err
		}
		// Собственная незакоммиченная вставка обязана быть видна.
		seen, err = HasFingerprintTx(ctx, tx, 1, "abc")
		if err != nil {
			return err
		}
		if !seen {
			t.Fatal("fingerprint invisible inside own transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	// Повторная вставка того же (destination, sha256) не создаёт вторую строку.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return InsertFingerprintTx(ctx, tx, fp)
	})
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	n, err := s.CountFingerprints(ctx, 1)
	if err != nil {
		t.Fatalf("CountFingerprints: %v", err)
	}
	if n != 1 {
		t.Fatalf("fingerprints = %d, want 1", n)
	}
}

func TestMediaDedupReusesRow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	var first, second int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		m := Media{Mime: "image/jpeg", Size: 10, SHA256: "deadbeef"}
		if first, err = InsertMediaTx(ctx, tx, m, true); err != nil {
			return err
		}
		second, err = InsertMediaTx(ctx, tx, m, true)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if first != second {
		t.Fatalf("dedup: ids %d and %d, want reuse", first, second)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		second, err = InsertMediaTx(ctx, tx, Media{Mime: "image/jpeg", SHA256: "deadbeef"}, false)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if first == second {
		t.Fatal("dedup disabled but row reused")
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Kind: JobArchive, Payload: `{"entity":7}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j2", Kind: JobArchive, Payload: `{}`, Pinned: true}); err != nil {
		t.Fatalf("EnqueueJob pinned: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j3", Kind: JobArchive, Payload: `{}`, NotBefore: now.Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob deferred: %v", err)
	}

	due, err := s.DueJobs(ctx, JobArchive, now, 10)
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d jobs, want 2 (deferred excluded)", len(due))
	}
	if due[0].ID != "j2" {
		t.Fatalf("first due = %s, want pinned j2", due[0].ID)
	}

	claimed, err := s.MarkJobRunning(ctx, "j1")
	if err != nil || !claimed {
		t.Fatalf("MarkJobRunning: claimed=%v err=%v", claimed, err)
	}
	// Второй захват того же задания обязан провалиться.
	claimed, err = s.MarkJobRunning(ctx, "j1")
	if err != nil || claimed {
		t.Fatalf("double claim: claimed=%v err=%v", claimed, err)
	}

	if err := s.RequeueJob(ctx, "j1", now.Add(time.Minute)); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != JobQueued || j.Attempts != 1 {
		t.Fatalf("after requeue: state=%s attempts=%d", j.State, j.Attempts)
	}

	if err := s.FinishJob(ctx, "j2", JobFailed, "attempt cap exceeded"); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	j, err = s.GetJob(ctx, "j2")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != JobFailed || j.Cause == "" {
		t.Fatalf("after finish: state=%s cause=%q", j.State, j.Cause)
	}
}

func TestRecoverRunningJobs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Kind: JobForward, Payload: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.MarkJobRunning(ctx, "j1"); err != nil {
		t.Fatalf("MarkJobRunning: %v", err)
	}

	n, err := s.RecoverRunningJobs(ctx)
	if err != nil {
		t.Fatalf("RecoverRunningJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	j, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != JobQueued {
		t.Fatalf("state = %s, want queued", j.State)
	}
}

func TestInvitationTaskPerPairIsUnique(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	put := func() error {
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			return UpsertInvitationTx(ctx, tx, InvitationTask{EntityID: 5, SessionName: "acc1"})
		})
	}
	if err := put(); err != nil {
		t.Fatalf("UpsertInvitationTx: %v", err)
	}
	if err := s.MarkInvitation(ctx, 5, "acc1", InvitationJoined, time.Time{}); err != nil {
		t.Fatalf("MarkInvitation: %v", err)
	}
	// Повторная постановка не воскрешает задачу и не трогает исход.
	if err := put(); err != nil {
		t.Fatalf("repeat UpsertInvitationTx: %v", err)
	}

	all, err := s.ListInvitations(ctx)
	if err != nil {
		t.Fatalf("ListInvitations: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("tasks = %d, want 1", len(all))
	}
	if all[0].Status != InvitationJoined || all[0].Attempts != 1 {
		t.Fatalf("task = %+v, want joined with 1 attempt", all[0])
	}

	due, err := s.DueInvitations(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("DueInvitations: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due = %d, want 0 (terminal status)", len(due))
	}
}

func TestUpsertAccountPreservesCounters(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	acc := Account{SessionName: "acc1", APIID: 12345, Phone: "+15550001111"}
	if err := s.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	acc.UsageCount = 9
	acc.Health = HealthCooldown
	acc.LastUsedAt = time.Now()
	acc.CooldownUntil = time.Now().Add(time.Hour)
	if err := s.UpdateAccountState(ctx, acc); err != nil {
		t.Fatalf("UpdateAccountState: %v", err)
	}

	// Повторный импорт не сбрасывает операционную историю.
	if err := s.UpsertAccount(ctx, Account{SessionName: "acc1", APIID: 12345, Phone: "+15550002222"}); err != nil {
		t.Fatalf("re-import: %v", err)
	}

	got, err := s.GetAccount(ctx, "acc1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.UsageCount != 9 || got.Health != HealthCooldown {
		t.Fatalf("counters reset on import: %+v", got)
	}
	if got.Phone != "+15550002222" {
		t.Fatalf("phone = %q, want updated", got.Phone)
	}
}

func TestAccessRecordsStaleLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := UpsertEntityTx(ctx, tx, Entity{
			ID: 42, Kind: EntityChannel, FirstSeenAt: time.Now(), LastSeenAt: time.Now(),
		}); err != nil {
			return err
		}
		return UpsertAccessRecordTx(ctx, tx, AccessRecord{
			SessionName: "acc1", EntityID: 42, AccessHash: 777, LastSeenAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := s.MarkAccessStale(ctx, "acc1", 42); err != nil {
		t.Fatalf("MarkAccessStale: %v", err)
	}
	live, err := s.AccessForEntity(ctx, 42)
	if err != nil {
		t.Fatalf("AccessForEntity: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("stale record still listed: %+v", live)
	}

	// Свежее наблюдение снимает пометку.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return UpsertAccessRecordTx(ctx, tx, AccessRecord{
			SessionName: "acc1", EntityID: 42, AccessHash: 778, LastSeenAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	live, err = s.AccessForEntity(ctx, 42)
	if err != nil {
		t.Fatalf("AccessForEntity: %v", err)
	}
	if len(live) != 1 || live[0].AccessHash != 778 {
		t.Fatalf("refresh did not revive record: %+v", live)
	}
}

func TestSchedulesRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddSchedule(ctx, "0 3 * * *", "archive", `{"entity":1}`)
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	list, err := s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(list) != 1 || list[0].ID != id || list[0].Verb != "archive" {
		t.Fatalf("list = %+v", list)
	}

	removed, err := s.RemoveSchedule(ctx, id)
	if err != nil || !removed {
		t.Fatalf("RemoveSchedule: removed=%v err=%v", removed, err)
	}
	removed, err = s.RemoveSchedule(ctx, id)
	if err != nil || removed {
		t.Fatalf("double remove: removed=%v err=%v", removed, err)
	}
}
