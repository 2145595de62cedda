// Package forward — конвейер дедуплицирующей пересылки. Сообщения источника
// проходят трёхступенчатую проверку уникальности в пространстве назначения:
// точный отпечаток содержимого (sha-256 канонической формы), перцептивный хеш
// изображений и нечёткий хеш текста. Дубликаты пропускаются с продвижением
// курсора; уникальные уходят в назначение пересылкой либо копированием и
// фиксируются в той же транзакции, что и чекпоинт.
package forward

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/errkind"
	"spectra/internal/domain/fingerprint"
	"spectra/internal/domain/governor"
	"spectra/internal/domain/registry"
	"spectra/internal/domain/scheduler"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/sqlite"
)

// Режимы задания пересылки.
const (
	ModeSelective = "selective" // один источник → назначение
	ModeTotal     = "total"     // все доступные сущности → назначение
	ModeDiscover  = "discover"  // обнаружение от затравки, затем total
)

// hashSizeCap — потолок размера медиа, которое скачивается ради отпечатка.
const hashSizeCap = 10 << 20

// batchSize — страница истории источника за одну итерацию.
const batchSize = 100

// retryHorizon — отсрочка задания, когда аккаунты недоступны.
const retryHorizon = 10 * time.Minute

// Connector выдаёт подключённый клиент для сессии.
type Connector interface {
	Client(ctx context.Context, session string) (telegram.Client, error)
}

// DiscoverFunc запускает обход обнаружения от затравки (режим discover).
type DiscoverFunc func(ctx context.Context, seed string) error

// Payload — параметры задания пересылки.
type Payload struct {
	Mode        string `json:"mode"`
	Entity      int64  `json:"entity,omitempty"`      // источник (selective)
	Ref         string `json:"ref,omitempty"`         // источник ссылкой (selective) или затравка (discover)
	Destination int64  `json:"destination,omitempty"` // 0 — назначение по умолчанию
}

// Stats — итог одного задания пересылки.
type Stats struct {
	Examined   int
	Forwarded  int
	Duplicates int
	NearDups   int
}

// Forwarder — раннер заданий пересылки.
type Forwarder struct {
	store    *sqlite.Store
	reg      *registry.Registry
	gov      *governor.Governor
	connect  Connector
	inviter  *Inviter
	discover DiscoverFunc

	cfg         config.ForwardingConfig
	matcher     fingerprint.Matcher
	nearDups    bool
	defaultDest int64
}

// New создаёт пересыльщик. discover может быть nil: режим discover тогда
// отклоняется как ошибка конфигурации.
func New(store *sqlite.Store, reg *registry.Registry, gov *governor.Governor, connect Connector, inviter *Inviter, discover DiscoverFunc, cfg config.ForwardingConfig, dedup config.DedupConfig, defaultDest int64) *Forwarder {
	return &Forwarder{
		store:    store,
		reg:      reg,
		gov:      gov,
		connect:  connect,
		inviter:  inviter,
		discover: discover,
		cfg:      cfg,
		matcher: fingerprint.Matcher{
			PHashMaxDistance:   dedup.PerceptualHashDistanceThreshold,
			FuzzyMinSimilarity: dedup.FuzzyHashSimilarityThreshold,
		},
		nearDups:    dedup.EnableNearDuplicates,
		defaultDest: defaultDest,
	}
}

// Run выполняет задание пересылки согласно режиму payload.
func (f *Forwarder) Run(ctx context.Context, job sqlite.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return errkind.Wrap(errkind.Configuration, err)
	}
	dest := p.Destination
	if dest == 0 {
		dest = f.defaultDest
	}
	if dest == 0 {
		return errkind.Newf(errkind.Configuration, "forward: no destination configured")
	}

	switch p.Mode {
	case ModeSelective, "":
		return f.runSelective(ctx, job, p, dest)
	case ModeTotal:
		return f.runTotal(ctx, job, dest)
	case ModeDiscover:
		if f.discover == nil {
			return errkind.Newf(errkind.Configuration, "forward: discovery hook is not wired")
		}
		if err := f.discover(ctx, p.Ref); err != nil {
			return err
		}
		return f.runTotal(ctx, job, dest)
	default:
		return errkind.Newf(errkind.Configuration, "forward: unknown mode %q", p.Mode)
	}
}

// runSelective пересылает один источник в назначение с арендой аккаунта
// по политике ротации.
func (f *Forwarder) runSelective(ctx context.Context, job sqlite.Job, p Payload, dest int64) error {
	session, err := f.reg.Next(ctx)
	if err != nil {
		if delay, ok := errkind.AsFloodWait(err); ok {
			return &scheduler.RetryAfter{After: delay}
		}
		if errkind.KindOf(err) == errkind.Auth {
			return &scheduler.RetryAfter{After: retryHorizon}
		}
		return err
	}
	lease, err := f.reg.Lease(ctx, session)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = f.forwardSource(ctx, job, lease, p, dest)
	return err
}

// runTotal обходит все сущности с живыми access-записями. Для каждого
// источника арендуется аккаунт, который этот источник видел: access hash
// действителен только в той сессии, где был получен.
func (f *Forwarder) runTotal(ctx context.Context, job sqlite.Job, dest int64) error {
	ids, err := f.store.AccessibleEntities(ctx)
	if err != nil {
		return err
	}
	var agg Stats
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}
		if id == dest {
			continue
		}
		st, err := f.totalOne(ctx, job, id, dest)
		if err != nil {
			if kind := errkind.KindOf(err); kind == errkind.EntityAccess {
				logger.Warnf("forward: source %d skipped: %v", id, err)
				continue
			}
			return err
		}
		agg.Examined += st.Examined
		agg.Forwarded += st.Forwarded
		agg.Duplicates += st.Duplicates
		agg.NearDups += st.NearDups
	}
	logger.Infof("forward: total mode done: %d examined, %d forwarded, %d exact dups, %d near dups",
		agg.Examined, agg.Forwarded, agg.Duplicates, agg.NearDups)
	return nil
}

// totalOne пересылает один источник в total-режиме.
func (f *Forwarder) totalOne(ctx context.Context, job sqlite.Job, source, dest int64) (Stats, error) {
	records, err := f.store.AccessForEntity(ctx, source)
	if err != nil {
		return Stats{}, err
	}
	for _, rec := range records {
		if rec.Stale {
			continue
		}
		lease, err := f.reg.Lease(ctx, rec.SessionName)
		if err != nil {
			// Аккаунт занят или остывает — пробуем следующую access-запись.
			continue
		}
		st, ferr := f.forwardSource(ctx, job, lease, Payload{Entity: source}, dest)
		lease.Release()
		return st, ferr
	}
	return Stats{}, errkind.Newf(errkind.EntityAccess, "forward: no usable account for entity %d", source)
}

// forwardSource — ядро конвейера: батчи истории от чекпоинта, проверка
// уникальности, транспорт и атомарная фиксация отпечатков с курсором.
func (f *Forwarder) forwardSource(ctx context.Context, job sqlite.Job, lease *registry.Lease, p Payload, dest int64) (Stats, error) {
	var st Stats
	session := lease.Credential().SessionName
	client, err := f.connect.Client(ctx, session)
	if err != nil {
		return st, err
	}

	src, err := f.resolveSource(ctx, client, session, p)
	if err != nil {
		if errkind.KindOf(err) == errkind.EntityAccess {
			f.noteAccessLoss(ctx, session, p.Entity, err)
		}
		return st, err
	}
	dstEnt, err := f.destinationEntity(ctx, client, session, dest)
	if err != nil {
		if errkind.KindOf(err) == errkind.EntityAccess && f.cfg.AutoInviteAccounts {
			// Аккаунт не видит назначение: ставим задачи вступления и откладываемся.
			if ierr := f.inviter.Request(ctx, dest, f.reg); ierr != nil {
				return st, ierr
			}
			return st, &scheduler.RetryAfter{After: f.inviter.NextWindow()}
		}
		return st, err
	}

	cpContext := "forward:" + strconv.FormatInt(dest, 10)
	cp, err := f.store.GetCheckpoint(ctx, src.ID, cpContext)
	if err != nil {
		return st, err
	}
	cursor := cp.LastMessageID

	known, err := f.loadNearDupIndex(ctx, dest)
	if err != nil {
		return st, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return st, errkind.Wrap(errkind.Cancelled, err)
		}
		var batch []telegram.Message
		err := f.gov.Do(ctx, session, governor.OpDiscovery, func() error {
			var herr error
			batch, herr = client.History(ctx, src, cursor, batchSize)
			if herr != nil {
				f.noteAccountHealth(ctx, lease, herr)
			}
			return herr
		})
		if err != nil {
			return st, err
		}
		if len(batch) == 0 {
			break
		}
		if err := lease.RecordUse(ctx); err != nil {
			return st, err
		}

		cursor, err = f.processBatch(ctx, client, lease, src, dstEnt, batch, known, cpContext, job.ID, cursor, &st)
		if err != nil {
			return st, err
		}
	}

	logger.Infof("forward: %s (%d) → %d: %d examined, %d forwarded, %d exact dups, %d near dups",
		src.Title, src.ID, dest, st.Examined, st.Forwarded, st.Duplicates, st.NearDups)
	return st, nil
}

// processBatch проверяет и пересылает батч группами (см. group.go).
// Отпечаток каждой доставленной группы фиксируется немедленно, в одной
// транзакции с чекпоинтом и курсором: падение между доставкой и фиксацией
// повторит при перезапуске не более одной группы. Курсор пропущенных
// дубликатов добирается хвостовой транзакцией.
func (f *Forwarder) processBatch(ctx context.Context, client telegram.Client, lease *registry.Lease, src, dst telegram.Entity, batch []telegram.Message, known *nearDupIndex, cpContext, jobID string, cursor int64, st *Stats) (int64, error) {
	// Отпечатки текущего батча уже в базе после погрупповой фиксации;
	// множество остаётся страховкой от гонки с параллельным назначением.
	batchShas := make(map[string]struct{})
	last := cursor
	committed := cursor
	var transportErr error

	for _, grp := range f.groupBatch(batch) {
		live := grp.live()
		if len(live) == 0 {
			last = grp.lastID()
			continue
		}
		st.Examined += len(live)

		print, err := f.groupFingerprint(ctx, client, lease, src, live)
		if err != nil {
			transportErr = err
			break
		}

		if f.cfg.EnableDeduplication {
			dup := false
			if _, seen := batchShas[print.sha]; seen {
				dup = true
			} else {
				var derr error
				dup, derr = f.isExactDup(ctx, dst.ID, print.sha)
				if derr != nil {
					transportErr = derr
					break
				}
			}
			if dup {
				st.Duplicates++
				last = grp.lastID()
				continue
			}
			if f.nearDups && known.match(f.matcher, print.phash, print.fuzzy) {
				st.NearDups++
				last = grp.lastID()
				continue
			}
		}

		if err := f.deliverGroup(ctx, client, lease, src, dst, live); err != nil {
			transportErr = err
			break
		}
		st.Forwarded += len(live)
		last = grp.lastID()

		fp := sqlite.Fingerprint{
			DestinationID: dst.ID,
			SHA256:        print.sha,
			PHash:         print.phash,
			Fuzzy:         print.fuzzy,
			OriginEntity:  src.ID,
			FirstSeenAt:   time.Now().UTC(),
		}
		if err := f.commitProgress(ctx, &fp, src.ID, cpContext, jobID, last); err != nil {
			return committed, err
		}
		committed = last
		known.add(print.phash, print.fuzzy)
		batchShas[print.sha] = struct{}{}

		// Зеркала идут после фиксации основного пространства.
		f.mirrorSecondary(ctx, client, lease, src, live, print)
		f.fanOutSaved(ctx, lease, client, src, live)
	}

	if last != committed {
		if err := f.commitProgress(ctx, nil, src.ID, cpContext, jobID, last); err != nil {
			return committed, err
		}
		committed = last
	}
	if transportErr != nil {
		return committed, transportErr
	}
	return committed, nil
}

// commitProgress пишет отпечаток (если есть), чекпоинт и курсор задания
// одной транзакцией.
func (f *Forwarder) commitProgress(ctx context.Context, fp *sqlite.Fingerprint, srcID int64, cpContext, jobID string, last int64) error {
	return f.store.WithTx(ctx, func(tx *sql.Tx) error {
		if fp != nil {
			if err := sqlite.InsertFingerprintTx(ctx, tx, *fp); err != nil {
				return err
			}
		}
		if err := sqlite.UpsertCheckpointTx(ctx, tx, sqlite.Checkpoint{
			EntityID:      srcID,
			Context:       cpContext,
			LastMessageID: last,
			UpdatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
		return sqlite.UpdateJobCursorTx(ctx, tx, jobID, strconv.FormatInt(last, 10))
	})
}

// deliverGroup доставляет группу: пересылкой одним вызовом с заголовком
// происхождения либо копированием посообщенно (баннер только у первого).
func (f *Forwarder) deliverGroup(ctx context.Context, client telegram.Client, lease *registry.Lease, src, dst telegram.Entity, msgs []telegram.Message) error {
	session := lease.Credential().SessionName
	if f.cfg.CopyIntoDestination {
		for i, msg := range msgs {
			banner := ""
			if i == 0 {
				banner = f.banner(src, msg)
			}
			err := f.gov.Do(ctx, session, governor.OpMessage, func() error {
				terr := client.Copy(ctx, src, dst, msg, banner)
				if terr != nil {
					f.noteAccountHealth(ctx, lease, terr)
				}
				return terr
			})
			if err != nil {
				return err
			}
			if err := lease.RecordUse(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	err := f.gov.Do(ctx, session, governor.OpMessage, func() error {
		terr := client.Forward(ctx, src, dst, messageIDs(msgs))
		if terr != nil {
			f.noteAccountHealth(ctx, lease, terr)
		}
		return terr
	})
	if err != nil {
		return err
	}
	return lease.RecordUse(ctx)
}

// messageIDs собирает id сообщений группы.
func messageIDs(msgs []telegram.Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// banner строит строку происхождения для режима копирования.
func (f *Forwarder) banner(src telegram.Entity, msg telegram.Message) string {
	if !f.cfg.PrependOriginInfo {
		return ""
	}
	title, id := src.Title, src.ID
	if msg.FwdFrom != nil && msg.FwdFrom.FromID != 0 {
		title, id = msg.FwdFrom.FromTitle, msg.FwdFrom.FromID
	}
	return fmt.Sprintf("[Forwarded from %s (id:%d)]", title, id)
}

// mirrorSecondary отправляет уникальное сообщение во вторичное назначение.
// Строго best-effort: ошибка логируется и не влияет ни на основной поток,
// ни на пространство отпечатков основного назначения.
func (f *Forwarder) mirrorSecondary(ctx context.Context, client telegram.Client, lease *registry.Lease, src telegram.Entity, msgs []telegram.Message, print contentPrint) {
	secondary := f.cfg.SecondaryUniqueDestination
	if secondary == 0 {
		return
	}
	session := lease.Credential().SessionName
	dstEnt, err := f.destinationEntity(ctx, client, session, secondary)
	if err != nil {
		logger.Warnf("forward: secondary destination %d unavailable: %v", secondary, err)
		return
	}
	err = f.gov.Do(ctx, session, governor.OpMessage, func() error {
		return client.Forward(ctx, src, dstEnt, messageIDs(msgs))
	})
	if err != nil {
		logger.Warnf("forward: secondary mirror of %d/%d failed: %v", src.ID, msgs[0].ID, err)
		return
	}
	// Отпечаток вторичного пространства пишется отдельной транзакцией:
	// у вторичного назначения собственная история уникальности.
	err = f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return sqlite.InsertFingerprintTx(ctx, tx, sqlite.Fingerprint{
			DestinationID: secondary,
			SHA256:        print.sha,
			PHash:         print.phash,
			Fuzzy:         print.fuzzy,
			OriginEntity:  src.ID,
			FirstSeenAt:   time.Now().UTC(),
		})
	})
	if err != nil {
		logger.Warnf("forward: secondary fingerprint: %v", err)
	}
}

// fanOutSaved раскладывает уникальное сообщение по Saved Messages всех
// аккаунтов. Best-effort: недоступный аккаунт пропускается. Пересылающий
// аккаунт уже держит аренду — она переиспользуется, а не берётся заново.
func (f *Forwarder) fanOutSaved(ctx context.Context, held *registry.Lease, heldClient telegram.Client, src telegram.Entity, msgs []telegram.Message) {
	if !f.cfg.ForwardToAllSaved {
		return
	}
	accounts, err := f.reg.List(ctx)
	if err != nil {
		logger.Warnf("forward: list accounts for saved fan-out: %v", err)
		return
	}
	heldSession := held.Credential().SessionName
	for _, acc := range accounts {
		if acc.Banned {
			continue
		}
		lease, client := held, heldClient
		if acc.SessionName != heldSession {
			lease, err = f.reg.Lease(ctx, acc.SessionName)
			if err != nil {
				continue
			}
			client, err = f.connect.Client(ctx, acc.SessionName)
			if err != nil {
				lease.Release()
				continue
			}
		}
		self, err := client.Self(ctx)
		if err == nil {
			err = f.gov.Do(ctx, acc.SessionName, governor.OpMessage, func() error {
				return client.Forward(ctx, src, self, messageIDs(msgs))
			})
		}
		if err != nil {
			logger.Debugf("forward: saved fan-out to %s: %v", acc.SessionName, err)
		} else {
			_ = lease.RecordUse(ctx)
		}
		if lease != held {
			lease.Release()
		}
	}
}

// contentPrint — вычисленные отпечатки одного сообщения.
type contentPrint struct {
	sha   string
	phash *uint64
	fuzzy *string
}

// fingerprintOf канонизирует содержимое сообщения. Медиа хешируется потоково
// без записи на диск; изображения в пределах hashSizeCap дополнительно
// получают перцептивный хеш.
func (f *Forwarder) fingerprintOf(ctx context.Context, client telegram.Client, lease *registry.Lease, src telegram.Entity, msg telegram.Message) (contentPrint, error) {
	var print contentPrint
	content := fingerprint.Content{Text: msg.Text, Entities: msg.Entities}

	if msg.Media != nil {
		content.MediaMime = msg.Media.Mime
		if msg.Media.Size <= hashSizeCap {
			session := lease.Credential().SessionName
			var buf bytes.Buffer
			err := f.gov.Do(ctx, session, governor.OpMessage, func() error {
				buf.Reset()
				_, derr := client.Download(ctx, src, msg, &buf)
				if derr != nil {
					f.noteAccountHealth(ctx, lease, derr)
				}
				return derr
			})
			switch {
			case err == nil:
				content.MediaSHA256 = fingerprint.BytesSHA256(buf.Bytes())
				if img, _, derr := image.Decode(bytes.NewReader(buf.Bytes())); derr == nil {
					if ph, perr := fingerprint.Perceptual(img); perr == nil {
						print.phash = &ph
					}
				}
				_ = lease.RecordUse(ctx)
			case errkind.KindOf(err) == errkind.Cancelled:
				return print, err
			default:
				// Невыкачиваемое вложение: отпечаток строится по тексту и типу.
				logger.Debugf("forward: media of %d/%d not hashable: %v", src.ID, msg.ID, err)
			}
		}
	}

	if msg.Text != "" {
		if h := fingerprint.Fuzzy(msg.Text); h != "" {
			print.fuzzy = &h
		}
	}
	print.sha = fingerprint.Exact(content)
	return print, nil
}

// groupFingerprint вычисляет отпечаток единицы дедупликации. Одиночное
// сообщение хешируется напрямую; группа получает sha-256 над канонической
// последовательностью отпечатков участников, перцептивный хеш первого
// изображения и нечёткий хеш объединённого текста.
func (f *Forwarder) groupFingerprint(ctx context.Context, client telegram.Client, lease *registry.Lease, src telegram.Entity, msgs []telegram.Message) (contentPrint, error) {
	if len(msgs) == 1 {
		return f.fingerprintOf(ctx, client, lease, src, msgs[0])
	}

	var combined contentPrint
	var shas, texts []string
	for _, msg := range msgs {
		print, err := f.fingerprintOf(ctx, client, lease, src, msg)
		if err != nil {
			return combined, err
		}
		shas = append(shas, print.sha)
		if combined.phash == nil {
			combined.phash = print.phash
		}
		if msg.Text != "" {
			texts = append(texts, msg.Text)
		}
	}
	combined.sha = fingerprint.BytesSHA256([]byte(strings.Join(shas, "\n")))
	if joined := strings.Join(texts, "\n"); joined != "" {
		if h := fingerprint.Fuzzy(joined); h != "" {
			combined.fuzzy = &h
		}
	}
	return combined, nil
}

// isExactDup проверяет точный отпечаток в пространстве назначения.
func (f *Forwarder) isExactDup(ctx context.Context, dest int64, sha string) (bool, error) {
	var dup bool
	err := f.store.ReadTx(ctx, func(tx *sql.Tx) error {
		var herr error
		dup, herr = sqlite.HasFingerprintTx(ctx, tx, dest, sha)
		return herr
	})
	return dup, err
}

// nearDupIndex — снимок phash/fuzzy назначения, пополняемый по ходу батча.
type nearDupIndex struct {
	phashes []uint64
	fuzzies []string
}

func (f *Forwarder) loadNearDupIndex(ctx context.Context, dest int64) (*nearDupIndex, error) {
	idx := &nearDupIndex{}
	if !f.nearDups {
		return idx, nil
	}
	snap, err := f.store.NearDupSnapshot(ctx, dest)
	if err != nil {
		return nil, err
	}
	for _, fp := range snap {
		idx.add(fp.PHash, fp.Fuzzy)
	}
	return idx, nil
}

func (idx *nearDupIndex) add(phash *uint64, fuzzy *string) {
	if phash != nil {
		idx.phashes = append(idx.phashes, *phash)
	}
	if fuzzy != nil {
		idx.fuzzies = append(idx.fuzzies, *fuzzy)
	}
}

func (idx *nearDupIndex) match(m fingerprint.Matcher, phash *uint64, fuzzy *string) bool {
	if phash != nil {
		for _, known := range idx.phashes {
			if m.PHashDuplicate(*phash, known) {
				return true
			}
		}
	}
	if fuzzy != nil {
		for _, known := range idx.fuzzies {
			if m.FuzzyDuplicate(*fuzzy, known) {
				return true
			}
		}
	}
	return false
}

// resolveSource адресует источник: по ссылке либо по сохранённой access-записи.
func (f *Forwarder) resolveSource(ctx context.Context, client telegram.Client, session string, p Payload) (telegram.Entity, error) {
	if p.Ref != "" {
		var ent telegram.Entity
		err := f.gov.Do(ctx, session, governor.OpDiscovery, func() error {
			var rerr error
			ent, rerr = client.Resolve(ctx, p.Ref)
			return rerr
		})
		return ent, err
	}
	return f.entityFromStore(ctx, session, p.Entity)
}

// destinationEntity адресует назначение через access-запись сессии.
func (f *Forwarder) destinationEntity(ctx context.Context, client telegram.Client, session string, dest int64) (telegram.Entity, error) {
	ent, err := f.entityFromStore(ctx, session, dest)
	if err == nil {
		return ent, nil
	}
	// Назначение может быть Saved Messages собственного аккаунта.
	self, serr := client.Self(ctx)
	if serr == nil && self.ID == dest {
		return self, nil
	}
	return telegram.Entity{}, err
}

// entityFromStore собирает адресуемую сущность из таблиц entities и access.
func (f *Forwarder) entityFromStore(ctx context.Context, session string, id int64) (telegram.Entity, error) {
	rec, err := f.store.GetAccessRecord(ctx, session, id)
	if err != nil {
		return telegram.Entity{}, err
	}
	if rec.Stale {
		return telegram.Entity{}, errkind.Newf(errkind.EntityAccess,
			"access hash for entity %d via %s is stale", id, session)
	}
	row, err := f.store.GetEntity(ctx, id)
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

// noteAccessLoss помечает access-запись устаревшей после отказа в доступе.
func (f *Forwarder) noteAccessLoss(ctx context.Context, session string, entity int64, cause error) {
	if entity == 0 {
		return
	}
	if err := f.store.MarkAccessStale(ctx, session, entity); err != nil {
		logger.Errorf("forward: mark access stale %s/%d: %v", session, entity, err)
		return
	}
	logger.Warnf("forward: access to %d via %s marked stale: %v", entity, session, cause)
}

// noteAccountHealth отражает серверные сигналы в реестре аккаунтов.
func (f *Forwarder) noteAccountHealth(ctx context.Context, lease *registry.Lease, err error) {
	if delay, ok := telegram.FloodWaitExtractor()(err); ok {
		if rerr := lease.RecordFloodWait(ctx, delay); rerr != nil {
			logger.Errorf("forward: record flood wait: %v", rerr)
		}
		return
	}
	if errkind.KindOf(err) == errkind.Auth {
		if rerr := lease.RecordBan(ctx); rerr != nil {
			logger.Errorf("forward: record ban: %v", rerr)
		}
	}
}
