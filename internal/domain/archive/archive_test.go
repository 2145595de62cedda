package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/errkind"
	"spectra/internal/domain/governor"
	"spectra/internal/domain/registry"
	"spectra/internal/infra/config"
	"spectra/internal/infra/media"
	"spectra/internal/infra/sqlite"
)

// fakeClient отдаёт заранее подготовленную историю и пишет вызовы History.
type fakeClient struct {
	entity        telegram.Entity
	msgs          []telegram.Message
	historyFrom   []int64
	mediaPayload  []byte
	avatarPayload []byte
}

func (f *fakeClient) Self(ctx context.Context) (telegram.Entity, error) { return f.entity, nil }

func (f *fakeClient) Resolve(ctx context.Context, ref string) (telegram.Entity, error) {
	return f.entity, nil
}

func (f *fakeClient) History(ctx context.Context, ent telegram.Entity, fromID int64, limit int) ([]telegram.Message, error) {
	f.historyFrom = append(f.historyFrom, fromID)
	var out []telegram.Message
	for _, m := range f.msgs {
		if m.ID > fromID {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeClient) Forward(ctx context.Context, src, dst telegram.Entity, ids []int64) error {
	return nil
}

func (f *fakeClient) Copy(ctx context.Context, src, dst telegram.Entity, msg telegram.Message, banner string) error {
	return nil
}

func (f *fakeClient) Download(ctx context.Context, ent telegram.Entity, msg telegram.Message, w io.Writer) (int64, error) {
	n, err := io.Copy(w, bytes.NewReader(f.mediaPayload))
	return n, err
}

func (f *fakeClient) Avatar(ctx context.Context, ent telegram.Entity, w io.Writer) (int64, error) {
	if len(f.avatarPayload) == 0 {
		return 0, errkind.Newf(errkind.Protocol, "entity %d has no avatar", ent.ID)
	}
	n, err := io.Copy(w, bytes.NewReader(f.avatarPayload))
	return n, err
}

func (f *fakeClient) Join(ctx context.Context, ent telegram.Entity) error { return nil }

type fakeConnector struct{ c telegram.Client }

func (f fakeConnector) Client(ctx context.Context, session string) (telegram.Client, error) {
	return f.c, nil
}

func newRig(t *testing.T, client telegram.Client, cfg config.ArchiveConfig) (*Archiver, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "spectra.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store, config.RotationConfig{
		Mode:                    "smart",
		CooldownHours:           6,
		MaxOperationsPerAccount: 500,
		FloodWaitMultiplier:     1,
	}, t.TempDir())
	if err := reg.Import(context.Background(), []config.AccountConfig{
		{APIID: 1, APIHash: "0123456789abcdef", SessionName: "alpha"},
	}, nil); err != nil {
		t.Fatalf("Import: %v", err)
	}

	gov := governor.New(governor.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))
	layout := media.NewLayout(t.TempDir())
	return New(store, reg, gov, fakeConnector{c: client}, layout, cfg), store
}

func enqueue(t *testing.T, store *sqlite.Store, id, payload string) sqlite.Job {
	t.Helper()
	job := sqlite.Job{ID: id, Kind: sqlite.JobArchive, Payload: payload}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job
}

func textMessages(n int, startID int64) []telegram.Message {
	out := make([]telegram.Message, 0, n)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := startID + int64(i)
		out = append(out, telegram.Message{
			ID:       id,
			Date:     base.Add(time.Duration(i) * time.Minute),
			SenderID: 500,
			Sender:   &telegram.SenderInfo{ID: 500, Username: "poster"},
			Text:     "message body",
		})
	}
	return out
}

func TestArchiveResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		entity: telegram.Entity{ID: 100, AccessHash: 7, Kind: sqlite.EntityChannel, Title: "Source"},
		msgs:   textMessages(1050, 1),
	}
	a, store := newRig(t, client, config.ArchiveConfig{BatchSize: 200, MaxFileSizeMB: 100})

	ctx := context.Background()
	job := enqueue(t, store, "job-1", `{"entity":100,"ref":"@source"}`)
	if err := a.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cp, err := store.GetCheckpoint(ctx, 100, "archive")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.LastMessageID != 1050 {
		t.Fatalf("checkpoint = %d, want 1050", cp.LastMessageID)
	}
	st, err := store.ArchiveStats(ctx, 100)
	if err != nil {
		t.Fatalf("ArchiveStats: %v", err)
	}
	if st.Count != 1050 || st.MinID != 1 || st.MaxID != 1050 {
		t.Fatalf("stats = %+v, want 1050 rows ids 1..1050", st)
	}
	// 1050 сообщений батчами по 200: шесть страниц данных и одна пустая.
	if got := len(client.historyFrom); got != 7 {
		t.Fatalf("history calls = %d (%v), want 7", got, client.historyFrom)
	}

	// Догоняющий запуск продолжает строго с чекпоинта.
	client.msgs = append(client.msgs, textMessages(50, 1051)...)
	client.historyFrom = nil
	job2 := enqueue(t, store, "job-2", `{"entity":100,"ref":"@source"}`)
	if err := a.Run(ctx, job2); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if client.historyFrom[0] != 1050 {
		t.Fatalf("resume started from %d, want 1050", client.historyFrom[0])
	}
	st, _ = store.ArchiveStats(ctx, 100)
	if st.Count != 1100 || st.MaxID != 1100 {
		t.Fatalf("stats after resume = %+v, want 1100 rows", st)
	}
}

func TestArchiveDownloadsMediaWithSizeCap(t *testing.T) {
	t.Parallel()

	payload := []byte("fake document body, not an image")
	small := telegram.Message{
		ID:   1,
		Date: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Text: "with attachment",
		Media: &telegram.Media{
			Mime: "application/pdf", Size: int64(len(payload)), Filename: "report.pdf",
		},
	}
	oversized := telegram.Message{
		ID:   2,
		Date: small.Date.Add(time.Minute),
		Text: "too big",
		Media: &telegram.Media{
			Mime: "video/mp4", Size: 2 << 20, Filename: "clip.mp4",
		},
	}
	client := &fakeClient{
		entity:       telegram.Entity{ID: 200, Kind: sqlite.EntityChannel, Title: "Docs"},
		msgs:         []telegram.Message{small, oversized},
		mediaPayload: payload,
	}
	a, store := newRig(t, client, config.ArchiveConfig{
		DownloadMedia: true, BatchSize: 200, MaxFileSizeMB: 1,
	})

	ctx := context.Background()
	job := enqueue(t, store, "job-m", `{"entity":200,"ref":"@docs"}`)
	if err := a.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st, err := store.ArchiveStats(ctx, 200)
	if err != nil {
		t.Fatalf("ArchiveStats: %v", err)
	}
	if st.Count != 2 {
		t.Fatalf("message count = %d, want 2 (oversized kept without media)", st.Count)
	}
	if st.MediaBytes != int64(len(payload)) {
		t.Fatalf("media bytes = %d, want %d (cap must skip the 2MiB file)", st.MediaBytes, len(payload))
	}

	path := a.layout.Path(200, 1, small.Date, "application/pdf")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("media file missing: %v", err)
	}
	if _, err := os.Stat(media.SidecarPath(path)); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
}

func TestArchiveMediaTypeFilter(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		entity: telegram.Entity{ID: 300, Kind: sqlite.EntityChannel, Title: "Mixed"},
		msgs: []telegram.Message{{
			ID:    1,
			Date:  time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
			Media: &telegram.Media{Mime: "video/mp4", Size: 10, Filename: "v.mp4"},
		}},
		mediaPayload: []byte("0123456789"),
	}
	a, store := newRig(t, client, config.ArchiveConfig{
		DownloadMedia: true, BatchSize: 200, MaxFileSizeMB: 100,
		MediaTypes: []string{"photo", "document"},
	})

	ctx := context.Background()
	job := enqueue(t, store, "job-f", `{"entity":300,"ref":"@mixed"}`)
	if err := a.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st, _ := store.ArchiveStats(ctx, 300)
	if st.MediaBytes != 0 {
		t.Fatalf("video downloaded despite filter: %d bytes", st.MediaBytes)
	}
}

func TestArchiveTopicAdvancesPastForeignPages(t *testing.T) {
	t.Parallel()

	// Топик 5: стартовое сообщение и два ответа. Остальная история чужая,
	// при батче из трёх первая страница вообще не содержит топика.
	msgs := textMessages(10, 1)
	msgs[5].ReplyTo = 5
	msgs[8].ReplyTo = 5
	client := &fakeClient{
		entity: telegram.Entity{ID: 500, AccessHash: 3, Kind: sqlite.EntityChannel, Title: "Forum"},
		msgs:   msgs,
	}
	a, store := newRig(t, client, config.ArchiveConfig{BatchSize: 3, MaxFileSizeMB: 100})

	ctx := context.Background()
	job := enqueue(t, store, "job-t", `{"entity":500,"ref":"@forum","topic":5}`)
	if err := a.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st, err := store.ArchiveStats(ctx, 500)
	if err != nil {
		t.Fatalf("ArchiveStats: %v", err)
	}
	if st.Count != 3 {
		t.Fatalf("stored %d messages, want 3 (topic start + two replies)", st.Count)
	}
	cp, err := store.GetCheckpoint(ctx, 500, "archive:topic:5")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	// Курсор на краю истории, а не на последнем сообщении топика.
	if cp.LastMessageID != 10 {
		t.Fatalf("checkpoint = %d, want 10", cp.LastMessageID)
	}
	// 10 сообщений страницами по 3: четыре страницы данных и одна пустая.
	if got := len(client.historyFrom); got != 5 {
		t.Fatalf("history calls = %d (%v), want 5", got, client.historyFrom)
	}
}

func TestArchiveDownloadsAvatar(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		entity: telegram.Entity{
			ID: 600, AccessHash: 4, Kind: sqlite.EntityChannel, Title: "Faces", PhotoID: 77,
		},
		msgs:          textMessages(2, 1),
		avatarPayload: []byte("tiny-jpeg-bytes"),
	}
	a, store := newRig(t, client, config.ArchiveConfig{
		BatchSize: 200, MaxFileSizeMB: 100, DownloadAvatars: true,
	})

	ctx := context.Background()
	job := enqueue(t, store, "job-a", `{"entity":600,"ref":"@faces"}`)
	if err := a.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(a.layout.AvatarPath(600, "image/jpeg"))
	if err != nil {
		t.Fatalf("avatar file missing: %v", err)
	}
	if string(data) != "tiny-jpeg-bytes" {
		t.Fatalf("avatar content = %q, want original payload", data)
	}

	// Без download_avatars тот же прогон аватарку не трогает.
	client2 := &fakeClient{
		entity: telegram.Entity{
			ID: 601, Kind: sqlite.EntityChannel, Title: "NoFaces", PhotoID: 78,
		},
		msgs:          textMessages(1, 1),
		avatarPayload: []byte("x"),
	}
	a2, store2 := newRig(t, client2, config.ArchiveConfig{BatchSize: 200, MaxFileSizeMB: 100})
	job2 := enqueue(t, store2, "job-a2", `{"entity":601,"ref":"@nofaces"}`)
	if err := a2.Run(ctx, job2); err != nil {
		t.Fatalf("Run without avatars: %v", err)
	}
	if _, err := os.Stat(a2.layout.AvatarPath(601, "image/jpeg")); !os.IsNotExist(err) {
		t.Fatalf("avatar written despite download_avatars=false: %v", err)
	}
}

func TestArchiveCancelledContext(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		entity: telegram.Entity{ID: 400, Kind: sqlite.EntityChannel},
		msgs:   textMessages(10, 1),
	}
	a, store := newRig(t, client, config.ArchiveConfig{BatchSize: 200, MaxFileSizeMB: 100})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := enqueue(t, store, "job-c", `{"entity":400,"ref":"@x"}`)
	err := a.Run(ctx, job)
	if errkind.KindOf(err) != errkind.Cancelled {
		t.Fatalf("err kind = %s (%v), want Cancelled", errkind.KindOf(err), err)
	}
}
