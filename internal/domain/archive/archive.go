// Package archive — конвейер архивирования истории сущности. Сообщения
// считываются по возрастанию id от сохранённого чекпоинта батчами; каждый
// батч (отправители, медиа, сообщения, чекпоинт, курсор задания) фиксируется
// одной транзакцией, поэтому прерывание в любой момент оставляет базу
// согласованной, а повторный запуск продолжает с последней позиции.
package archive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"image"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/errkind"
	"spectra/internal/domain/fingerprint"
	"spectra/internal/domain/governor"
	"spectra/internal/domain/registry"
	"spectra/internal/domain/scheduler"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/media"
	"spectra/internal/infra/sqlite"
)

// retryHorizon — отсрочка задания, когда все аккаунты недоступны,
// а срок их возврата неизвестен.
const retryHorizon = 10 * time.Minute

// Connector выдаёт подключённый клиент для сессии. Реализуется пулом
// подключений приложения и фейками в тестах.
type Connector interface {
	Client(ctx context.Context, session string) (telegram.Client, error)
}

// Payload — параметры задания архивирования.
type Payload struct {
	Entity int64  `json:"entity"`
	Ref    string `json:"ref,omitempty"`   // @username или ссылка, если сущность ещё не известна
	Topic  int64  `json:"topic,omitempty"` // id топика форума; 0 — вся история
}

// Archiver — раннер заданий архивирования.
type Archiver struct {
	store   *sqlite.Store
	reg     *registry.Registry
	gov     *governor.Governor
	connect Connector
	layout  *media.Layout
	cfg     config.ArchiveConfig
}

// New создаёт архиватор.
func New(store *sqlite.Store, reg *registry.Registry, gov *governor.Governor, connect Connector, layout *media.Layout, cfg config.ArchiveConfig) *Archiver {
	return &Archiver{store: store, reg: reg, gov: gov, connect: connect, layout: layout, cfg: cfg}
}

// Run выполняет задание целиком: от чекпоинта до исчерпания истории.
func (a *Archiver) Run(ctx context.Context, job sqlite.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return errkind.Wrap(errkind.Configuration, err)
	}

	session, err := a.reg.Next(ctx)
	if err != nil {
		if delay, ok := errkind.AsFloodWait(err); ok {
			return &scheduler.RetryAfter{After: delay}
		}
		if errkind.KindOf(err) == errkind.FloodWaitKind {
			return &scheduler.RetryAfter{After: retryHorizon}
		}
		return err
	}
	lease, err := a.reg.Lease(ctx, session)
	if err != nil {
		return err
	}
	defer lease.Release()

	client, err := a.connect.Client(ctx, session)
	if err != nil {
		return err
	}

	ent, err := a.resolveEntity(ctx, client, session, &p)
	if err != nil {
		return err
	}

	if a.cfg.DownloadAvatars {
		a.downloadAvatar(ctx, client, lease, ent)
	}

	cpContext := checkpointContext(p.Topic)
	cp, err := a.store.GetCheckpoint(ctx, ent.ID, cpContext)
	if err != nil {
		return err
	}
	cursor := cp.LastMessageID
	logger.Infof("archive: %s (%d) from message %d, session %s", ent.Title, ent.ID, cursor, session)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}

		batch, err := a.fetchBatch(ctx, client, lease, ent, cursor)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		// Курсор двигается по краю непрофильтрованной страницы: иначе
		// страница без сообщений топика перечитывалась бы бесконечно.
		pageEnd := cursor
		for _, m := range batch {
			if m.ID > pageEnd {
				pageEnd = m.ID
			}
		}
		if p.Topic != 0 {
			batch = topicOnly(batch, p.Topic)
		}

		cursor, err = a.commitBatch(ctx, client, lease, ent, batch, cpContext, job.ID, pageEnd)
		if err != nil {
			return err
		}
		total += len(batch)
	}

	return a.summarize(ctx, ent, total)
}

// resolveEntity превращает payload в адресуемую сущность: по ссылке через
// Telegram либо по сохранённым access-записям.
func (a *Archiver) resolveEntity(ctx context.Context, client telegram.Client, session string, p *Payload) (telegram.Entity, error) {
	if p.Ref != "" {
		var ent telegram.Entity
		err := a.gov.Do(ctx, session, governor.OpDiscovery, func() error {
			var err error
			ent, err = client.Resolve(ctx, p.Ref)
			return err
		})
		if err != nil {
			return telegram.Entity{}, err
		}
		p.Entity = ent.ID
		return ent, nil
	}

	rec, err := a.store.GetAccessRecord(ctx, session, p.Entity)
	if err != nil {
		return telegram.Entity{}, err
	}
	if rec.Stale {
		return telegram.Entity{}, errkind.Newf(errkind.EntityAccess,
			"access hash for entity %d via %s is stale", p.Entity, session)
	}
	row, err := a.store.GetEntity(ctx, p.Entity)
	if err != nil {
		return telegram.Entity{}, err
	}
	return telegram.Entity{
		ID:         row.ID,
		AccessHash: rec.AccessHash,
		Kind:       row.Kind,
		Title:      row.Title,
		Username:   row.Username,
	}, nil
}

// fetchBatch читает очередную страницу истории под контролем губернатора.
// Flood wait отражается в здоровье аккаунта до того, как губернатор выждет паузу.
func (a *Archiver) fetchBatch(ctx context.Context, client telegram.Client, lease *registry.Lease, ent telegram.Entity, fromID int64) ([]telegram.Message, error) {
	var out []telegram.Message
	session := lease.Credential().SessionName
	err := a.gov.Do(ctx, session, governor.OpDiscovery, func() error {
		msgs, err := client.History(ctx, ent, fromID, a.cfg.BatchSize)
		if err != nil {
			a.noteAccountHealth(ctx, lease, err)
			return err
		}
		out = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := lease.RecordUse(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// commitBatch скачивает медиа батча и записывает всё одной транзакцией.
// Возвращает новый курсор: не меньше края прочитанной страницы, даже если
// после фильтра по топику батч пуст.
func (a *Archiver) commitBatch(ctx context.Context, client telegram.Client, lease *registry.Lease, ent telegram.Entity, batch []telegram.Message, cpContext, jobID string, pageEnd int64) (int64, error) {
	type prepared struct {
		msg   telegram.Message
		media *sqlite.Media
	}
	items := make([]prepared, 0, len(batch))

	for _, msg := range batch {
		item := prepared{msg: msg}
		if a.cfg.DownloadMedia && msg.Media != nil && a.wantMedia(msg.Media) {
			row, err := a.downloadMedia(ctx, client, lease, ent, msg)
			if err != nil {
				return 0, err
			}
			item.media = row
		}
		items = append(items, item)
	}

	last := pageEnd
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			msg := it.msg
			if msg.Sender != nil {
				if err := sqlite.UpsertUserTx(ctx, tx, sqlite.User{
					ID:        msg.Sender.ID,
					Username:  msg.Sender.Username,
					FirstName: msg.Sender.FirstName,
					LastName:  msg.Sender.LastName,
					UpdatedAt: time.Now().UTC(),
				}); err != nil {
					return err
				}
			}

			var mediaID int64
			var mediaSHA, mediaMime string
			if it.media != nil {
				id, err := sqlite.InsertMediaTx(ctx, tx, *it.media, true)
				if err != nil {
					return err
				}
				mediaID = id
				mediaSHA = it.media.SHA256
				mediaMime = it.media.Mime
			}

			checksum := fingerprint.Exact(fingerprint.Content{
				Text:        msg.Text,
				MediaSHA256: mediaSHA,
				MediaMime:   mediaMime,
				Entities:    msg.Entities,
			})
			if err := sqlite.UpsertMessageTx(ctx, tx, sqlite.Message{
				EntityID:  ent.ID,
				MessageID: msg.ID,
				SenderID:  msg.SenderID,
				Kind:      messageKind(msg, it.media != nil),
				Date:      msg.Date,
				EditDate:  msg.EditDate,
				Text:      msg.Text,
				ReplyTo:   msg.ReplyTo,
				MediaID:   mediaID,
				Checksum:  checksum,
			}); err != nil {
				return err
			}
			if msg.ID > last {
				last = msg.ID
			}
		}

		if err := sqlite.UpsertCheckpointTx(ctx, tx, sqlite.Checkpoint{
			EntityID:      ent.ID,
			Context:       cpContext,
			LastMessageID: last,
			UpdatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
		return sqlite.UpdateJobCursorTx(ctx, tx, jobID, strconv.FormatInt(last, 10))
	})
	if err != nil {
		return 0, err
	}
	return last, nil
}

// downloadMedia стримит вложение на диск, считая sha-256 за один проход,
// и готовит строку media с перцептивным хешем для изображений.
func (a *Archiver) downloadMedia(ctx context.Context, client telegram.Client, lease *registry.Lease, ent telegram.Entity, msg telegram.Message) (*sqlite.Media, error) {
	if limit := int64(a.cfg.MaxFileSizeMB) * 1 << 20; msg.Media.Size > limit {
		logger.Debugf("archive: skip media %d/%d: %d bytes over limit", ent.ID, msg.ID, msg.Media.Size)
		return nil, nil
	}

	path := a.layout.Path(ent.ID, msg.ID, msg.Date, msg.Media.Mime)
	session := lease.Credential().SessionName

	var res media.WriteResult
	err := a.gov.Do(ctx, session, governor.OpMessage, func() error {
		pr, pw := io.Pipe()
		done := make(chan error, 1)
		go func() {
			_, err := client.Download(ctx, ent, msg, pw)
			_ = pw.CloseWithError(err)
			done <- err
		}()

		var werr error
		res, werr = a.layout.Write(path, pr)
		derr := <-done
		if derr != nil {
			a.noteAccountHealth(ctx, lease, derr)
			return derr
		}
		return werr
	})
	if err != nil {
		// Недоступное вложение не останавливает архив текста.
		if kind := errkind.KindOf(err); kind == errkind.EntityAccess || kind == errkind.Protocol {
			logger.Warnf("archive: media %d/%d skipped: %v", ent.ID, msg.ID, err)
			return nil, nil
		}
		return nil, err
	}
	if err := lease.RecordUse(ctx); err != nil {
		return nil, err
	}

	row := &sqlite.Media{
		Mime:         msg.Media.Mime,
		Size:         res.Size,
		Path:         res.Path,
		OriginalName: msg.Media.Filename,
		SHA256:       res.SHA256,
	}
	if strings.HasPrefix(msg.Media.Mime, "image/") {
		if ph, ok := perceptualOf(res.Path); ok {
			row.PHash = &ph
		}
	}

	sc := media.Sidecar{
		Mime:      row.Mime,
		Size:      row.Size,
		SHA256:    row.SHA256,
		PHash:     row.PHash,
		Source:    media.SourceRef{Entity: ent.ID, Message: msg.ID},
		FetchedAt: time.Now().UTC(),
	}
	if err := a.layout.WriteSidecar(res.Path, sc); err != nil {
		return nil, err
	}
	return row, nil
}

// downloadAvatar сохраняет текущую аватарку сущности в её каталог медиа.
// Отсутствие аватарки или сбой скачивания не прерывают архив.
func (a *Archiver) downloadAvatar(ctx context.Context, client telegram.Client, lease *registry.Lease, ent telegram.Entity) {
	if ent.PhotoID == 0 {
		return
	}
	path := a.layout.AvatarPath(ent.ID, "image/jpeg")
	session := lease.Credential().SessionName

	err := a.gov.Do(ctx, session, governor.OpMessage, func() error {
		pr, pw := io.Pipe()
		done := make(chan error, 1)
		go func() {
			_, err := client.Avatar(ctx, ent, pw)
			_ = pw.CloseWithError(err)
			done <- err
		}()

		_, werr := a.layout.Write(path, pr)
		if derr := <-done; derr != nil {
			a.noteAccountHealth(ctx, lease, derr)
			return derr
		}
		return werr
	})
	if err != nil {
		logger.Warnf("archive: avatar %d skipped: %v", ent.ID, err)
		return
	}
	if err := lease.RecordUse(ctx); err != nil {
		logger.Errorf("archive: record avatar use: %v", err)
	}
	logger.Debugf("archive: avatar %d saved to %s", ent.ID, path)
}

// summarize пишет офлайн-проверяемую сводку: агрегаты и sha-256 от
// конкатенации чексумм всех сообщений сущности в порядке id.
func (a *Archiver) summarize(ctx context.Context, ent telegram.Entity, fetched int) error {
	st, err := a.store.ArchiveStats(ctx, ent.ID)
	if err != nil {
		return err
	}
	h := sha256.New()
	if err := a.store.ForEachChecksum(ctx, ent.ID, func(_ int64, sum string) error {
		_, werr := h.Write([]byte(sum))
		return werr
	}); err != nil {
		return err
	}
	logger.Infof("archive: %s (%d) done: +%d fetched, %d total, ids %d..%d, media %d bytes, integrity %s",
		ent.Title, ent.ID, fetched, st.Count, st.MinID, st.MaxID, st.MediaBytes,
		hex.EncodeToString(h.Sum(nil)))
	return nil
}

// noteAccountHealth отражает серверные сигналы в реестре аккаунтов.
func (a *Archiver) noteAccountHealth(ctx context.Context, lease *registry.Lease, err error) {
	if delay, ok := telegram.FloodWaitExtractor()(err); ok {
		if rerr := lease.RecordFloodWait(ctx, delay); rerr != nil {
			logger.Errorf("archive: record flood wait: %v", rerr)
		}
		return
	}
	if errkind.KindOf(err) == errkind.Auth {
		if rerr := lease.RecordBan(ctx); rerr != nil {
			logger.Errorf("archive: record ban: %v", rerr)
		}
	}
}

// wantMedia фильтрует вложения по настроенным категориям.
func (a *Archiver) wantMedia(m *telegram.Media) bool {
	if len(a.cfg.MediaTypes) == 0 {
		return true
	}
	cat := mediaCategory(m.Mime)
	for _, want := range a.cfg.MediaTypes {
		if want == cat {
			return true
		}
	}
	return false
}

// mediaCategory сводит mime к категориям конфигурации.
func mediaCategory(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "photo"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

// checkpointContext — имя контекста чекпоинта: вся история или один топик.
func checkpointContext(topic int64) string {
	if topic == 0 {
		return "archive"
	}
	return "archive:topic:" + strconv.FormatInt(topic, 10)
}

// topicOnly оставляет сообщения указанного топика форума.
func topicOnly(msgs []telegram.Message, topic int64) []telegram.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.ReplyTo == topic || m.ID == topic {
			out = append(out, m)
		}
	}
	return out
}

// messageKind классифицирует сообщение для хранения.
func messageKind(msg telegram.Message, hasMedia bool) sqlite.MessageKind {
	switch {
	case msg.Service:
		return sqlite.MessageService
	case hasMedia || msg.Media != nil:
		return sqlite.MessageMedia
	default:
		return sqlite.MessageText
	}
}

// perceptualOf декодирует изображение с диска и считает pHash.
func perceptualOf(path string) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return 0, false
	}
	ph, err := fingerprint.Perceptual(img)
	if err != nil {
		return 0, false
	}
	return ph, true
}
